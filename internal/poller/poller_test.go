package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shaiso/Mangaflow/internal/provider"
	"github.com/shaiso/Mangaflow/internal/telemetry"
)

// scriptedSource возвращает заранее заданную последовательность ответов.
type scriptedSource struct {
	mu    sync.Mutex
	steps []step
	calls int
}

type step struct {
	res provider.JobResult
	err error
}

func (s *scriptedSource) Name() string { return "fake" }

func (s *scriptedSource) Poll(ctx context.Context, taskID string) (provider.JobResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.calls
	s.calls++
	if i >= len(s.steps) {
		i = len(s.steps) - 1
	}
	return s.steps[i].res, s.steps[i].err
}

func fastPoller(maxWait time.Duration) *Poller {
	return New(Policy{InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, MaxWait: maxWait}, telemetry.Discard())
}

// --- Wait Tests ---

func TestWait_Completed(t *testing.T) {
	src := &scriptedSource{steps: []step{
		{res: provider.JobResult{Status: provider.JobPending}},
		{res: provider.JobResult{Status: provider.JobProcessing}},
		{res: provider.JobResult{Status: provider.JobCompleted, URLs: []string{"http://x"}}},
	}}

	res, err := fastPoller(time.Second).Wait(context.Background(), src, "t1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.URL() != "http://x" {
		t.Errorf("unexpected result: %+v", res)
	}
	if src.calls != 3 {
		t.Errorf("expected 3 polls, got %d", src.calls)
	}
}

func TestWait_ProviderFailure(t *testing.T) {
	src := &scriptedSource{steps: []step{
		{res: provider.JobResult{Status: provider.JobFailed, Error: "nsfw"}},
	}}

	_, err := fastPoller(time.Second).Wait(context.Background(), src, "t1")

	var pe *provider.Error
	if !errors.As(err, &pe) {
		t.Fatalf("expected *provider.Error, got %v", err)
	}
	if pe.Message != "nsfw" || pe.Transient {
		t.Errorf("unexpected provider error: %+v", pe)
	}
	if errors.Is(err, ErrTimeout) {
		t.Error("provider failure must not look like a timeout")
	}
	if Retryable(err) {
		t.Error("reported failure is not retryable")
	}
}

func TestWait_Timeout(t *testing.T) {
	src := &scriptedSource{steps: []step{
		{res: provider.JobResult{Status: provider.JobProcessing}},
	}}

	_, err := fastPoller(20*time.Millisecond).Wait(context.Background(), src, "t1")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	var pe *provider.Error
	if errors.As(err, &pe) {
		t.Error("timeout must not be a provider error")
	}
	if !Retryable(err) {
		t.Error("timeout should be retryable")
	}
}

func TestWait_TransportErrorIsNotTerminal(t *testing.T) {
	src := &scriptedSource{steps: []step{
		{err: &provider.Error{Provider: "fake", Message: "connection reset", Transient: true}},
		{err: errors.New("boom")},
		{res: provider.JobResult{Status: provider.JobCompleted, URLs: []string{"http://ok"}}},
	}}

	res, err := fastPoller(time.Second).Wait(context.Background(), src, "t1")
	if err != nil {
		t.Fatalf("transport errors should be retried, got %v", err)
	}
	if res.URL() != "http://ok" {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestWait_Abandoned(t *testing.T) {
	src := &scriptedSource{steps: []step{
		{res: provider.JobResult{Status: provider.JobProcessing}},
	}}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := New(Policy{InitialDelay: 5 * time.Millisecond, MaxWait: time.Minute}, telemetry.Discard()).Wait(ctx, src, "t1")
	if !errors.Is(err, ErrAbandoned) {
		t.Fatalf("expected ErrAbandoned, got %v", err)
	}
	if errors.Is(err, ErrTimeout) {
		t.Error("abandoned must not look like a timeout")
	}
	if Retryable(err) {
		t.Error("abandoned is not retryable")
	}
}

func TestWait_AlreadyCancelled(t *testing.T) {
	src := &scriptedSource{steps: []step{{res: provider.JobResult{Status: provider.JobCompleted}}}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := fastPoller(time.Second).Wait(ctx, src, "t1")
	if !errors.Is(err, ErrAbandoned) {
		t.Fatalf("expected ErrAbandoned, got %v", err)
	}
	if src.calls != 0 {
		t.Errorf("no polls expected after cancellation, got %d", src.calls)
	}
}

// --- Retryable Tests ---

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"timeout", ErrTimeout, true},
		{"transient provider", &provider.Error{Transient: true}, true},
		{"permanent provider", &provider.Error{}, false},
		{"abandoned", ErrAbandoned, false},
		{"parse", provider.ErrParse, false},
	}

	for _, tt := range tests {
		if got := Retryable(tt.err); got != tt.want {
			t.Errorf("%s: expected %v, got %v", tt.name, tt.want, got)
		}
	}
}

func TestPolicyDefaults(t *testing.T) {
	p := New(Policy{}, nil).Policy()
	if p.InitialDelay != defaultInitialDelay || p.MaxDelay != defaultMaxDelay || p.MaxWait != defaultMaxWait {
		t.Errorf("unexpected defaults: %+v", p)
	}
}
