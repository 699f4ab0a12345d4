package syncjob

import (
	"context"
	"errors"
	"testing"

	"github.com/automagik-dev/omni-sub005/internal/bus"
	"github.com/automagik-dev/omni-sub005/internal/domain/errs"
	"github.com/automagik-dev/omni-sub005/internal/domain/event"
)

type fakeJobRepo struct {
	jobs map[string]*Job
}

func newFakeJobRepo() *fakeJobRepo {
	return &fakeJobRepo{jobs: make(map[string]*Job)}
}

func (r *fakeJobRepo) Create(_ context.Context, job *Job) error {
	cp := *job
	r.jobs[job.ID] = &cp
	return nil
}

func (r *fakeJobRepo) GetByID(_ context.Context, id string) (*Job, error) {
	job, ok := r.jobs[id]
	if !ok {
		return nil, errs.NotFound("sync job", id)
	}
	cp := *job
	return &cp, nil
}

func (r *fakeJobRepo) Update(_ context.Context, job *Job) error {
	if _, ok := r.jobs[job.ID]; !ok {
		return errs.NotFound("sync job", job.ID)
	}
	cp := *job
	r.jobs[job.ID] = &cp
	return nil
}

func (r *fakeJobRepo) List(_ context.Context, _ ListFilter) ([]*Job, error) {
	var out []*Job
	for _, job := range r.jobs {
		cp := *job
		out = append(out, &cp)
	}
	return out, nil
}

func (r *fakeJobRepo) ActiveForInstance(_ context.Context, instanceID string) ([]*Job, error) {
	var out []*Job
	for _, job := range r.jobs {
		if job.InstanceID == instanceID && job.Status.Active() {
			cp := *job
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakeJobRepo) HasActive(_ context.Context, instanceID, jobType string) (bool, error) {
	for _, job := range r.jobs {
		if job.InstanceID == instanceID && job.Type == jobType && job.Status.Active() {
			return true, nil
		}
	}
	return false, nil
}

type fakeBus struct {
	published []event.Event
	err       error
}

func (b *fakeBus) Publish(_ context.Context, ev event.Event) error {
	if b.err != nil {
		return b.err
	}
	b.published = append(b.published, ev)
	return nil
}

func (b *fakeBus) Subscribe(bus.Subscription, bus.Handler) (bus.Handle, error) {
	return nil, errors.New("not implemented")
}

func (b *fakeBus) lastSubject(t *testing.T) string {
	t.Helper()
	if len(b.published) == 0 {
		t.Fatal("no events published")
	}
	return b.published[len(b.published)-1].Type
}

func intPtr(n int) *int { return &n }

func TestProgressPercent(t *testing.T) {
	tests := []struct {
		name string
		job  Job
		want *int
	}{
		{"ratio", Job{Status: StatusRunning, Progress: Progress{Fetched: 40, TotalEstimated: intPtr(200)}}, intPtr(20)},
		{"ratio rounds", Job{Status: StatusRunning, Progress: Progress{Fetched: 1, TotalEstimated: intPtr(3)}}, intPtr(33)},
		{"capped at 100", Job{Status: StatusRunning, Progress: Progress{Fetched: 250, TotalEstimated: intPtr(200)}}, intPtr(100)},
		{"completed without estimate", Job{Status: StatusCompleted}, intPtr(100)},
		{"running without estimate", Job{Status: StatusRunning, Progress: Progress{Fetched: 40}}, nil},
		{"zero estimate ignored", Job{Status: StatusRunning, Progress: Progress{Fetched: 40, TotalEstimated: intPtr(0)}}, nil},
	}
	for _, tt := range tests {
		got := tt.job.ProgressPercent()
		switch {
		case tt.want == nil && got != nil:
			t.Errorf("%s: got %d, want nil", tt.name, *got)
		case tt.want != nil && got == nil:
			t.Errorf("%s: got nil, want %d", tt.name, *tt.want)
		case tt.want != nil && *got != *tt.want:
			t.Errorf("%s: got %d, want %d", tt.name, *got, *tt.want)
		}
	}
}

func TestJobLifecycle(t *testing.T) {
	repo := newFakeJobRepo()
	b := &fakeBus{}
	svc := NewService(repo, b)
	ctx := context.Background()

	job, err := svc.Create(ctx, "inst-1", TypeMessages, Config{Depth: "30d"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if job.Status != StatusPending {
		t.Errorf("status = %s, want pending", job.Status)
	}
	if b.lastSubject(t) != EventStarted {
		t.Errorf("subject = %s, want %s", b.lastSubject(t), EventStarted)
	}

	if active, _ := svc.HasActiveJob(ctx, "inst-1", TypeMessages); !active {
		t.Error("HasActiveJob = false after create")
	}

	job, err = svc.Start(ctx, job.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if job.Status != StatusRunning || job.StartedAt == nil {
		t.Errorf("job after start: %+v", job)
	}
	if active, _ := svc.HasActiveJob(ctx, "inst-1", TypeMessages); !active {
		t.Error("HasActiveJob = false after start")
	}

	// A second start is an illegal edge.
	if _, err := svc.Start(ctx, job.ID); err == nil {
		t.Error("starting a running job succeeded")
	}

	job, err = svc.Complete(ctx, job.ID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if job.Status != StatusCompleted || job.CompletedAt == nil {
		t.Errorf("job after complete: %+v", job)
	}
	if b.lastSubject(t) != EventCompleted {
		t.Errorf("subject = %s, want %s", b.lastSubject(t), EventCompleted)
	}

	if active, _ := svc.HasActiveJob(ctx, "inst-1", TypeMessages); active {
		t.Error("HasActiveJob = true after complete")
	}

	// Terminal jobs reject every further transition.
	if _, err := svc.Cancel(ctx, job.ID); !errs.IsTerminalState(err) {
		t.Errorf("cancel on completed = %v, want terminal_state", err)
	}
	if _, err := svc.Fail(ctx, job.ID, "late failure"); !errs.IsTerminalState(err) {
		t.Errorf("fail on completed = %v, want terminal_state", err)
	}
}

func TestCancelFromPendingAndRunning(t *testing.T) {
	repo := newFakeJobRepo()
	svc := NewService(repo, &fakeBus{})
	ctx := context.Background()

	pending, err := svc.Create(ctx, "inst-1", TypeContacts, Config{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.Cancel(ctx, pending.ID); err != nil {
		t.Errorf("cancel pending: %v", err)
	}

	running, err := svc.Create(ctx, "inst-2", TypeContacts, Config{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.Start(ctx, running.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	job, err := svc.Cancel(ctx, running.ID)
	if err != nil {
		t.Errorf("cancel running: %v", err)
	}
	if job.Status != StatusCancelled {
		t.Errorf("status = %s, want cancelled", job.Status)
	}
}

func TestFailRecordsMessage(t *testing.T) {
	repo := newFakeJobRepo()
	svc := NewService(repo, &fakeBus{})
	ctx := context.Background()

	job, _ := svc.Create(ctx, "inst-1", TypeMessages, Config{})
	svc.Start(ctx, job.ID)

	job, err := svc.Fail(ctx, job.ID, "upstream rate limited us")
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if job.Status != StatusFailed || job.ErrorMessage != "upstream rate limited us" {
		t.Errorf("job after fail: %+v", job)
	}
}

func TestUpdateProgressMergesFieldByField(t *testing.T) {
	repo := newFakeJobRepo()
	b := &fakeBus{}
	svc := NewService(repo, b)
	ctx := context.Background()

	job, _ := svc.Create(ctx, "inst-1", TypeMessages, Config{})
	svc.Start(ctx, job.ID)

	if _, err := svc.UpdateProgress(ctx, job.ID, ProgressPatch{
		Fetched:        intPtr(40),
		Stored:         intPtr(35),
		TotalEstimated: intPtr(200),
	}); err != nil {
		t.Fatalf("first update: %v", err)
	}

	// A patch touching only one field preserves the rest.
	job, err := svc.UpdateProgress(ctx, job.ID, ProgressPatch{Fetched: intPtr(80)})
	if err != nil {
		t.Fatalf("second update: %v", err)
	}
	if job.Progress.Fetched != 80 || job.Progress.Stored != 35 {
		t.Errorf("progress = %+v, want fetched=80 stored=35", job.Progress)
	}
	if job.Progress.TotalEstimated == nil || *job.Progress.TotalEstimated != 200 {
		t.Errorf("totalEstimated = %v, want 200", job.Progress.TotalEstimated)
	}
	if pct := job.ProgressPercent(); pct == nil || *pct != 40 {
		t.Errorf("progressPercent = %v, want 40", pct)
	}
	if b.lastSubject(t) != EventProgress {
		t.Errorf("subject = %s, want %s", b.lastSubject(t), EventProgress)
	}
}

func TestCreateValidation(t *testing.T) {
	svc := NewService(newFakeJobRepo(), &fakeBus{})
	ctx := context.Background()

	if _, err := svc.Create(ctx, "", TypeMessages, Config{}); !errs.IsValidation(err) {
		t.Errorf("create without instance = %v, want validation", err)
	}
	if _, err := svc.Create(ctx, "inst-1", "", Config{}); !errs.IsValidation(err) {
		t.Errorf("create without type = %v, want validation", err)
	}
}

func TestRateLimitResolution(t *testing.T) {
	if rl := ResolveRateLimit("whatsapp-baileys"); rl.MessagesPerMinute != 30 {
		t.Errorf("whatsapp-baileys rate = %d, want 30", rl.MessagesPerMinute)
	}
	if rl := ResolveRateLimit("discord"); rl.MessagesPerMinute != 50 {
		t.Errorf("discord rate = %d, want 50", rl.MessagesPerMinute)
	}
	// Unknown channels never run unthrottled.
	rl := ResolveRateLimit("carrier-pigeon")
	if rl.MessagesPerMinute != defaultRateLimit.MessagesPerMinute || rl.MaxRetries == 0 {
		t.Errorf("unknown channel rate = %+v, want default", rl)
	}
}
