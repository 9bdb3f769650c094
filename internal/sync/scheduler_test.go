package sync

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/nhle/mailagent/internal/ai"
	"github.com/nhle/mailagent/internal/model"
	"github.com/nhle/mailagent/internal/pipeline"
	"github.com/nhle/mailagent/internal/ratelimit"
	"github.com/nhle/mailagent/internal/source"
	"github.com/nhle/mailagent/internal/store"
	"github.com/nhle/mailagent/tests/testutil"
)

// stubProcessor reports every message as sent. When gate is set it signals
// entered and waits on gate before returning.
type stubProcessor struct {
	entered chan struct{}
	gate    chan struct{}

	// waitForStop makes the batch poll stopped until it reports true.
	waitForStop bool
}

func (p *stubProcessor) ProcessBatch(_ context.Context, runID string, msgs []*model.Message, _ *model.Config, stopped func() bool) pipeline.BatchResult {
	if p.entered != nil {
		p.entered <- struct{}{}
	}
	if p.gate != nil {
		<-p.gate
	}

	if p.waitForStop {
		deadline := time.Now().Add(2 * time.Second)
		for !stopped() && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		return pipeline.BatchResult{Canceled: stopped()}
	}

	var res pipeline.BatchResult
	for _, msg := range msgs {
		res.Outcomes = append(res.Outcomes, model.NewOutcome(runID, msg, model.OutcomeSent, ""))
	}
	return res
}

func testConfig() *model.Config {
	cfg := model.DefaultConfig()
	cfg.Schedule.QuietHoursStart = ""
	cfg.Schedule.QuietHoursEnd = ""
	cfg.Schedule.Timezone = "UTC"
	return cfg
}

func newMailbox(n int) *testutil.FakeMailbox {
	mb := testutil.NewFakeMailbox(nil)
	for i := 0; i < n; i++ {
		mb.Add(testutil.NewMessage(fmt.Sprint(i), fmt.Sprintf("s%d@example.com", i), "Hello", "body"))
	}
	return mb
}

func TestRunOnce(t *testing.T) {
	mb := newMailbox(3)
	s := New(mb, &stubProcessor{}, testConfig(), nil)

	rec, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error: %v", err)
	}

	if rec.MessagesFetched != 3 {
		t.Errorf("MessagesFetched = %d, want 3", rec.MessagesFetched)
	}
	if rec.OutcomesByKind[model.OutcomeSent] != 3 {
		t.Errorf("OutcomesByKind = %v", rec.OutcomesByKind)
	}
	if rec.Trigger != model.TriggerManual || rec.ID == "" {
		t.Errorf("record = %+v", rec)
	}
	if rec.FinishedAt.Before(rec.StartedAt) {
		t.Error("FinishedAt before StartedAt")
	}

	st := s.Stats()
	if st.TotalRuns != 1 || st.MessagesFetched != 3 || st.OutcomeTotals[model.OutcomeSent] != 3 {
		t.Errorf("Stats() = %+v", st)
	}
	if got := s.Status(); got.State != StateStopped || got.LastRun.IsZero() {
		t.Errorf("Status() = %+v", got)
	}
}

func TestRunOnceRespectsBatchSize(t *testing.T) {
	mb := newMailbox(5)
	cfg := testConfig()
	cfg.Schedule.MaxBatchSize = 2
	s := New(mb, &stubProcessor{}, cfg, nil)

	rec, _ := s.RunOnce(context.Background())
	if rec.MessagesFetched != 2 {
		t.Errorf("MessagesFetched = %d, want 2", rec.MessagesFetched)
	}
}

func TestQuietHours(t *testing.T) {
	tests := []struct {
		name  string
		start string
		end   string
		at    time.Time
		quiet bool
	}{
		{"inside wrapping window late", "22:00", "08:00", time.Date(2026, 1, 1, 23, 30, 0, 0, time.UTC), true},
		{"inside wrapping window early", "22:00", "08:00", time.Date(2026, 1, 1, 7, 59, 0, 0, time.UTC), true},
		{"end is exclusive", "22:00", "08:00", time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC), false},
		{"outside wrapping window", "22:00", "08:00", time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC), false},
		{"inside plain window", "12:00", "13:00", time.Date(2026, 1, 1, 12, 15, 0, 0, time.UTC), true},
		{"equal bounds", "12:00", "12:00", time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mb := newMailbox(2)
			cfg := testConfig()
			cfg.Schedule.QuietHoursStart = tt.start
			cfg.Schedule.QuietHoursEnd = tt.end
			s := New(mb, &stubProcessor{}, cfg, nil, WithClock(func() time.Time { return tt.at }))

			rec, err := s.RunOnce(context.Background())
			if err != nil {
				t.Fatalf("RunOnce() error: %v", err)
			}

			if rec.QuietHours != tt.quiet {
				t.Errorf("QuietHours = %v, want %v", rec.QuietHours, tt.quiet)
			}
			if tt.quiet {
				if mb.Fetches() != 0 || rec.MessagesFetched != 0 {
					t.Errorf("quiet run fetched: fetches=%d fetched=%d", mb.Fetches(), rec.MessagesFetched)
				}
				if len(s.History()) != 1 {
					t.Errorf("quiet run not recorded in history")
				}
				if s.Stats().QuietRuns != 1 {
					t.Errorf("QuietRuns = %d, want 1", s.Stats().QuietRuns)
				}
			}
		})
	}
}

func TestQuietHoursUseConfiguredTimezone(t *testing.T) {
	cfg := testConfig()
	cfg.Schedule.QuietHoursStart = "22:00"
	cfg.Schedule.QuietHoursEnd = "08:00"
	cfg.Schedule.Timezone = "Asia/Tokyo"

	// 14:00 UTC is 23:00 in Tokyo.
	at := time.Date(2026, 1, 1, 14, 0, 0, 0, time.UTC)
	s := New(newMailbox(1), &stubProcessor{}, cfg, nil, WithClock(func() time.Time { return at }))

	rec, _ := s.RunOnce(context.Background())
	if !rec.QuietHours {
		t.Error("run outside quiet hours, want inside for Asia/Tokyo")
	}
}

func TestRunOnceWhileRunning(t *testing.T) {
	mb := newMailbox(1)
	proc := &stubProcessor{entered: make(chan struct{}, 1), gate: make(chan struct{})}
	s := New(mb, proc, testConfig(), nil)

	done := make(chan error, 1)
	go func() {
		_, err := s.RunOnce(context.Background())
		done <- err
	}()
	<-proc.entered

	if got := s.Status().State; got != StateRunning {
		t.Errorf("State = %s, want running", got)
	}

	_, err := s.RunOnce(context.Background())
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second RunOnce() error = %v, want ErrAlreadyRunning", err)
	}
	if got := mb.Fetches(); got != 1 {
		t.Errorf("mailbox fetched %d times, want 1", got)
	}

	close(proc.gate)
	if err := <-done; err != nil {
		t.Errorf("first RunOnce() error: %v", err)
	}
	if got := len(s.History()); got != 1 {
		t.Errorf("%d runs recorded, want 1", got)
	}
}

func TestFetchFailure(t *testing.T) {
	mb := newMailbox(1)
	mb.FetchErr = &source.AuthError{Server: "imap.example.com", Message: "invalid credentials"}
	s := New(mb, &stubProcessor{}, testConfig(), nil)

	for i := 0; i < 2; i++ {
		rec, err := s.RunOnce(context.Background())
		if err != nil {
			t.Fatalf("RunOnce() error: %v", err)
		}
		if rec.Error == "" || rec.MessagesFetched != 0 {
			t.Errorf("record = %+v, want a run-level error", rec)
		}
	}

	st := s.Stats()
	if st.ConsecutiveAuthFailures != 2 || st.FailedRuns != 2 || st.LastError == "" {
		t.Errorf("Stats() = %+v", st)
	}

	mb.FetchErr = nil
	if _, err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error: %v", err)
	}
	if got := s.Stats().ConsecutiveAuthFailures; got != 0 {
		t.Errorf("ConsecutiveAuthFailures = %d after a good fetch, want 0", got)
	}
}

func TestHistoryEvictsOldest(t *testing.T) {
	cfg := testConfig()
	cfg.Schedule.HistorySize = 3
	s := New(newMailbox(0), &stubProcessor{}, cfg, nil)

	var ids []string
	for i := 0; i < 5; i++ {
		rec, err := s.RunOnce(context.Background())
		if err != nil {
			t.Fatalf("RunOnce() error: %v", err)
		}
		ids = append(ids, rec.ID)
	}

	got := s.History()
	if len(got) != 3 {
		t.Fatalf("History() has %d records, want 3", len(got))
	}
	for i, rec := range got {
		if rec.ID != ids[i+2] {
			t.Errorf("History()[%d] = %s, want %s", i, rec.ID, ids[i+2])
		}
	}
}

func TestHistoryResize(t *testing.T) {
	h := newHistory(4)
	for i := 0; i < 6; i++ {
		h.add(model.RunRecord{ID: fmt.Sprint(i)})
	}

	h = h.resize(2)
	got := h.list()
	if len(got) != 2 || got[0].ID != "4" || got[1].ID != "5" {
		t.Errorf("list() after resize = %v", got)
	}
	if last, ok := h.last(); !ok || last.ID != "5" {
		t.Errorf("last() = %v, %v", last, ok)
	}
}

func TestStopInterruptsBetweenMessages(t *testing.T) {
	mb := newMailbox(3)
	proc := &stubProcessor{entered: make(chan struct{}, 1), waitForStop: true}
	s := New(mb, proc, testConfig(), nil)

	done := make(chan bool, 1)
	go func() {
		rec, _ := s.RunOnce(context.Background())
		done <- rec.Canceled
	}()
	<-proc.entered

	s.Stop()

	select {
	case canceled := <-done:
		if !canceled {
			t.Error("run not canceled by Stop")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not finish after Stop")
	}
}

func TestStartStop(t *testing.T) {
	s := New(newMailbox(0), &stubProcessor{}, testConfig(), nil)

	if err := s.Start(nil); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := s.Start(nil); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start() error = %v, want ErrAlreadyRunning", err)
	}

	st := s.Status()
	if st.State != StateIdle || st.NextRun.IsZero() {
		t.Errorf("Status() = %+v", st)
	}

	s.Stop()
	if got := s.Status(); got.State != StateStopped || !got.NextRun.IsZero() {
		t.Errorf("Status() after Stop = %+v", got)
	}

	if err := s.Start(nil); err != nil {
		t.Errorf("restart error: %v", err)
	}
	s.Stop()
}

func TestStartRejectsInvalidConfig(t *testing.T) {
	s := New(newMailbox(0), &stubProcessor{}, testConfig(), nil)

	cfg := testConfig()
	cfg.Schedule.IntervalMinutes = 0
	if err := s.Start(cfg); err == nil {
		s.Stop()
		t.Fatal("Start() accepted interval 0")
	}
}

func TestUpdateInterval(t *testing.T) {
	s := New(newMailbox(0), &stubProcessor{}, testConfig(), nil)
	if err := s.Start(nil); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer s.Stop()

	if err := s.UpdateInterval(0); err == nil {
		t.Error("UpdateInterval(0) succeeded")
	}

	before := s.Status().NextRun
	if err := s.UpdateInterval(60); err != nil {
		t.Fatalf("UpdateInterval(60) error: %v", err)
	}

	st := s.Status()
	if st.IntervalMinutes != 60 {
		t.Errorf("IntervalMinutes = %d, want 60", st.IntervalMinutes)
	}
	if !st.NextRun.After(before) {
		t.Errorf("NextRun = %v, want after %v", st.NextRun, before)
	}
	if s.Config().Schedule.IntervalMinutes != 60 {
		t.Error("config snapshot not replaced")
	}
}

func TestRunAppliesRateLimitPolicy(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit.Window = time.Hour
	cfg.RateLimit.MaxPerWindow = 1

	limiter := ratelimit.New(time.Minute, 10)
	s := New(newMailbox(0), &stubProcessor{}, cfg, nil, WithLimiter(limiter))

	if _, err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error: %v", err)
	}

	now := time.Now()
	if _, ok := limiter.CheckAndReserve("a@b.com", now); !ok {
		t.Fatal("first reservation denied")
	}
	if _, ok := limiter.CheckAndReserve("a@b.com", now); ok {
		t.Error("second reservation allowed, policy not applied")
	}
}

func TestRunsArePersisted(t *testing.T) {
	st := testutil.NewTestStore(t)
	s := New(newMailbox(2), &stubProcessor{}, testConfig(), nil, WithRunStore(st))

	rec, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error: %v", err)
	}

	runs, err := st.GetRuns(context.Background(), 10)
	if err != nil {
		t.Fatalf("GetRuns() error: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != rec.ID || runs[0].MessagesFetched != 2 {
		t.Errorf("GetRuns() = %+v", runs)
	}
}

func TestRunOnceOutlivesCallerContext(t *testing.T) {
	cfg := testConfig()
	cfg.Generation.Timeout = 200 * time.Millisecond
	cfg.Generation.MaxRetries = 0

	st := testutil.NewTestStore(t)
	mb := newMailbox(2)
	backend := &testutil.FakeBackend{Hang: true}
	proc := pipeline.NewProcessor(pipeline.Deps{
		Mailbox:   mb,
		Transport: testutil.NewFakeTransport(t, nil),
		Audit:     st,
		Limiter:   ratelimit.New(cfg.RateLimit.Window, cfg.RateLimit.MaxPerWindow),
		Generator: ai.NewGenerator(backend, nil),
	})
	s := New(mb, proc, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	time.AfterFunc(20*time.Millisecond, cancel)

	rec, err := s.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce() error: %v", err)
	}
	if got := rec.OutcomesByKind[model.OutcomeGenerationFailed]; got != 2 {
		t.Errorf("OutcomesByKind = %v, want 2 generation_failed", rec.OutcomesByKind)
	}
	if backend.Calls() != 2 {
		t.Errorf("backend called %d times, want 2", backend.Calls())
	}

	outcomes, err := st.Query(context.Background(), store.OutcomeFilter{RunID: &rec.ID})
	if err != nil {
		t.Fatalf("Query() error: %v", err)
	}
	if len(outcomes) != 2 {
		t.Fatalf("recorded %d outcomes, want 2", len(outcomes))
	}
	for _, o := range outcomes {
		if o.Kind != model.OutcomeGenerationFailed || o.Reason != string(ai.ReasonTimeout) {
			t.Errorf("outcome %s = %s/%s, want generation_failed/Timeout", o.MessageID, o.Kind, o.Reason)
		}
	}
}
