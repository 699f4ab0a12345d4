package bus

import (
	"context"
	"strings"

	"github.com/automagik-dev/omni-sub005/internal/domain/event"
)

// StartFrom is a subscription's initial read position.
//
//   - First replays the entire retained log. Required for consumers whose
//     effect is persisted and must never be missed.
//   - Last resumes from the last acknowledged position; a first attach
//     starts at "now". Only for perishable, re-derivable signals.
//   - New skips all backlog. Required for consumers that trigger one-shot
//     side effects keyed by wall-clock arrival.
type StartFrom string

const (
	First StartFrom = "first"
	Last  StartFrom = "last"
	New   StartFrom = "new"
)

// Handler processes one delivered event. Returning nil acknowledges the event
// and advances the subscription's read position; returning an error leaves the
// position untouched and the event is redelivered.
type Handler func(ctx context.Context, ev event.Event) error

// Subscription declares a consumer attachment. Durable names must be stable
// across deployments: changing one creates a new, empty read position.
type Subscription struct {
	Durable   string
	Subject   string
	StartFrom StartFrom
	Ephemeral bool
}

// Handle detaches a running subscription. A durable subscription's read
// position survives Unsubscribe.
type Handle interface {
	Unsubscribe() error
}

// Bus is the durable, subject-addressed publish/subscribe log every component
// is constructed with. Implementations must deliver events for one
// subscription in publish order; no ordering is guaranteed across
// subscriptions.
type Bus interface {
	Publish(ctx context.Context, ev event.Event) error
	Subscribe(sub Subscription, h Handler) (Handle, error)
}

// MatchSubject reports whether a dot-separated subject matches a pattern.
// "*" matches exactly one token, ">" matches the remainder.
func MatchSubject(pattern, subject string) bool {
	if pattern == subject || pattern == ">" {
		return true
	}

	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")

	for i, tok := range pt {
		if tok == ">" {
			return i < len(st)
		}
		if i >= len(st) {
			return false
		}
		if tok != "*" && tok != st[i] {
			return false
		}
	}

	return len(pt) == len(st)
}
