package syncjob

import "time"

// RateLimit paces backfill fetches per channel type so a long history sync
// cannot get an instance banned by the upstream platform.
type RateLimit struct {
	MessagesPerMinute int
	CooldownOnError   time.Duration
	MaxRetries        int
}

var rateLimits = map[string]RateLimit{
	"whatsapp-baileys": {MessagesPerMinute: 30, CooldownOnError: 60 * time.Second, MaxRetries: 3},
	"discord":          {MessagesPerMinute: 50, CooldownOnError: 30 * time.Second, MaxRetries: 5},
}

var defaultRateLimit = RateLimit{MessagesPerMinute: 20, CooldownOnError: 30 * time.Second, MaxRetries: 3}

// ResolveRateLimit never fails: unknown channel types get the conservative
// default rather than running unthrottled.
func ResolveRateLimit(channelType string) RateLimit {
	if rl, ok := rateLimits[channelType]; ok {
		return rl
	}
	return defaultRateLimit
}
