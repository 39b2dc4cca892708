package scheduler

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"nudgebot/internal/deadline"
	"nudgebot/internal/model"
	"nudgebot/internal/notifier"
	"nudgebot/internal/storage"
	"nudgebot/internal/transport"
	logx "nudgebot/pkg/logx"
)

var testNow = time.Date(2030, 5, 1, 12, 0, 0, 0, time.UTC)

func at(t time.Time) deadline.Deadline {
	return deadline.Deadline{Date: t.Format("2006-01-02"), Time: t.Format("15:04:05")}
}

type flakyStore struct {
	*storage.Memory
	mu       sync.Mutex
	listErr  error
	markErr  error
	userErr  error
	marks    int
	userHits int
}

func (f *flakyStore) ListOpenTasks(ctx context.Context) ([]model.Task, error) {
	f.mu.Lock()
	err := f.listErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.Memory.ListOpenTasks(ctx)
}

func (f *flakyStore) MarkPhaseFired(ctx context.Context, id string, p deadline.Phase) (model.MarkResult, error) {
	f.mu.Lock()
	f.marks++
	err := f.markErr
	f.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return f.Memory.MarkPhaseFired(ctx, id, p)
}

func (f *flakyStore) GetUser(ctx context.Context, id string) (model.User, error) {
	f.mu.Lock()
	f.userHits++
	err := f.userErr
	f.mu.Unlock()
	if err != nil {
		return model.User{}, err
	}
	return f.Memory.GetUser(ctx, id)
}

type recordingSender struct {
	mu      sync.Mutex
	sends   map[string][][]transport.Unit
	err     error
	block   chan struct{} // when set, Send waits on it
	entered chan struct{}
}

func newSender() *recordingSender {
	return &recordingSender{sends: map[string][][]transport.Unit{}}
}

func (r *recordingSender) Send(ctx context.Context, recipient string, units []transport.Unit) error {
	if r.entered != nil {
		select {
		case r.entered <- struct{}{}:
		default:
		}
	}
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sends[recipient] = append(r.sends[recipient], units)
	return nil
}

func (r *recordingSender) count(recipient string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sends[recipient])
}

func (r *recordingSender) setErr(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

func newTestService(t *testing.T, offsets []int, sender Sender) (*Service, *flakyStore) {
	t.Helper()
	st := &flakyStore{Memory: storage.NewMemory()}
	comp := notifier.NewComposer(notifier.ComposerConfig{Burst: 10}, rand.NewSource(1))
	s := New(Config{Enabled: true, Offsets: offsets, Location: time.UTC}, st, comp, sender, logx.Nop())
	s.now = func() time.Time { return testNow }
	return s, st
}

func addTask(t *testing.T, st storage.Store, owner, label string, d deadline.Deadline) model.Task {
	t.Helper()
	task, err := st.CreateTask(context.Background(), model.Task{Owner: owner, Label: label, Deadline: d})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	return task
}

func historyOf(t *testing.T, st storage.Store, id string) deadline.History {
	t.Helper()
	open, err := st.ListOpenTasks(context.Background())
	if err != nil {
		t.Fatalf("ListOpenTasks: %v", err)
	}
	for _, task := range open {
		if task.ID == id {
			return task.History
		}
	}
	t.Fatalf("task %s not open", id)
	return nil
}

func TestTickFiresEachPhaseOnce(t *testing.T) {
	sender := newSender()
	s, st := newTestService(t, []int{60, 15}, sender)
	task := addTask(t, st, "100", "essay", at(testNow.Add(50*time.Minute)))
	addTask(t, st, "100", "someday", deadline.Deadline{})

	rep, ran := s.Tick(context.Background())
	if !ran || rep.Fired != 1 || rep.Fetched != 2 || rep.Skipped != 1 {
		t.Fatalf("first tick = %+v", rep)
	}
	if h := historyOf(t, st, task.ID); !h.Has(deadline.Before(60)) || len(h) != 1 {
		t.Fatalf("history = %v", h.Keys())
	}

	rep, _ = s.Tick(context.Background())
	if rep.Fired != 0 || sender.count("100") != 1 {
		t.Fatalf("second tick fired again: %+v, sends=%d", rep, sender.count("100"))
	}

	// 14 minutes left: only the 15-minute phase.
	s.now = func() time.Time { return testNow.Add(36 * time.Minute) }
	rep, _ = s.Tick(context.Background())
	if rep.Fired != 1 {
		t.Fatalf("third tick = %+v", rep)
	}
	h := historyOf(t, st, task.ID)
	if !h.Has(deadline.Before(15)) || len(h) != 2 {
		t.Fatalf("history = %v", h.Keys())
	}
}

func TestTickAfterDowntimeSendsOnlyCurrentWindow(t *testing.T) {
	sender := newSender()
	s, st := newTestService(t, deadline.DefaultOffsets, sender)
	task := addTask(t, st, "100", "thesis", at(testNow.Add(50*time.Minute)))
	if _, err := st.MarkPhaseFired(context.Background(), task.ID, deadline.Before(2880)); err != nil {
		t.Fatal(err)
	}

	rep, _ := s.Tick(context.Background())
	if rep.Fired != 1 || rep.Superseded != 3 || sender.count("100") != 1 {
		t.Fatalf("first tick = %+v sends=%d", rep, sender.count("100"))
	}
	h := historyOf(t, st, task.ID)
	for _, o := range []int{2880, 1440, 360, 120, 60} {
		if !h.Has(deadline.Before(o)) {
			t.Fatalf("history %v missing pre:%d", h.Keys(), o)
		}
	}

	for m := 1; m <= 3; m++ {
		s.now = func() time.Time { return testNow.Add(time.Duration(m) * time.Minute) }
		if rep, _ := s.Tick(context.Background()); rep.Fired != 0 {
			t.Fatalf("tick at +%dm = %+v", m, rep)
		}
	}
	if got := sender.count("100"); got != 1 {
		t.Fatalf("sends = %d, want 1", got)
	}
}

func TestTickOverdueBurstSplitIntoBatches(t *testing.T) {
	ch := &countingChannel{}
	disp := notifier.NewDispatcher(ch, notifier.DispatchConfig{Pacing: time.Millisecond, CallTimeout: time.Second}, logx.Nop())
	s, st := newTestService(t, []int{60, 15}, disp)
	task := addTask(t, st, "7", "report", at(testNow.Add(-10*time.Minute)))

	rep, _ := s.Tick(context.Background())
	if rep.Fired != 1 {
		t.Fatalf("tick = %+v", rep)
	}
	// 1 text + 10 decorations in batches of at most 5.
	if got := ch.batches(); got != 3 {
		t.Fatalf("batches = %d, want 3", got)
	}
	if got := ch.units(); got != 11 {
		t.Fatalf("units = %d, want 11", got)
	}
	if h := historyOf(t, st, task.ID); !h.Has(deadline.OverduePhase) || len(h) != 1 {
		t.Fatalf("history = %v", h.Keys())
	}

	rep, _ = s.Tick(context.Background())
	if rep.Fired != 0 || ch.batches() != 3 {
		t.Fatalf("overdue fired twice: %+v", rep)
	}
}

type countingChannel struct {
	mu sync.Mutex
	n  int
	u  int
}

func (c *countingChannel) SendBatch(ctx context.Context, recipient string, units []transport.Unit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	c.u += len(units)
	return nil
}

func (c *countingChannel) batches() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func (c *countingChannel) units() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.u
}

func TestTickFetchFailureDispatchesNothing(t *testing.T) {
	sender := newSender()
	s, st := newTestService(t, []int{60}, sender)
	addTask(t, st, "1", "a", at(testNow.Add(-time.Minute)))
	st.listErr = errors.New("connection reset")

	rep, ran := s.Tick(context.Background())
	if !ran || rep.FetchErr == nil || rep.Evaluated != 0 {
		t.Fatalf("tick = %+v", rep)
	}
	if sender.count("1") != 0 || st.marks != 0 {
		t.Fatalf("dispatch or mark happened after fetch failure")
	}

	st.mu.Lock()
	st.listErr = nil
	st.mu.Unlock()
	if rep, _ := s.Tick(context.Background()); rep.Fired != 1 {
		t.Fatalf("recovery tick = %+v", rep)
	}
}

func TestDispatchFailureLeavesPhaseUnfired(t *testing.T) {
	sender := newSender()
	sender.setErr(errors.New("429 too many requests"))
	s, st := newTestService(t, []int{60}, sender)
	task := addTask(t, st, "1", "a", at(testNow.Add(30*time.Minute)))

	rep, _ := s.Tick(context.Background())
	if rep.DispatchFailed != 1 || rep.Fired != 0 {
		t.Fatalf("tick = %+v", rep)
	}
	if h := historyOf(t, st, task.ID); len(h) != 0 {
		t.Fatalf("history = %v, want empty", h.Keys())
	}

	sender.setErr(nil)
	if rep, _ := s.Tick(context.Background()); rep.Fired != 1 {
		t.Fatalf("retry tick = %+v", rep)
	}
}

func TestMarkFailureRedeliversNextTick(t *testing.T) {
	sender := newSender()
	s, st := newTestService(t, []int{60}, sender)
	addTask(t, st, "1", "a", at(testNow.Add(30*time.Minute)))
	st.markErr = errors.New("disk I/O error")

	rep, _ := s.Tick(context.Background())
	if rep.MarkFailed != 1 || sender.count("1") != 1 {
		t.Fatalf("tick = %+v sends=%d", rep, sender.count("1"))
	}

	st.mu.Lock()
	st.markErr = nil
	st.mu.Unlock()
	rep, _ = s.Tick(context.Background())
	if rep.Fired != 1 || sender.count("1") != 2 {
		t.Fatalf("second tick = %+v sends=%d", rep, sender.count("1"))
	}
}

func TestMutedOwnerIsSkipped(t *testing.T) {
	sender := newSender()
	s, st := newTestService(t, []int{60}, sender)
	muted := addTask(t, st, "1", "a", at(testNow.Add(30*time.Minute)))
	addTask(t, st, "1", "b", at(testNow.Add(40*time.Minute)))
	addTask(t, st, "2", "c", at(testNow.Add(30*time.Minute)))
	if err := st.SetNotifyEnabled(context.Background(), "1", false); err != nil {
		t.Fatal(err)
	}

	rep, _ := s.Tick(context.Background())
	if rep.Muted != 2 || rep.Fired != 1 {
		t.Fatalf("tick = %+v", rep)
	}
	if sender.count("1") != 0 || sender.count("2") != 1 {
		t.Fatalf("sends: muted=%d other=%d", sender.count("1"), sender.count("2"))
	}
	if h := historyOf(t, st, muted.ID); len(h) != 0 {
		t.Fatalf("muted task history = %v", h.Keys())
	}
	if st.userHits != 2 {
		t.Fatalf("user lookups = %d, want one per owner", st.userHits)
	}
}

func TestPreferenceLookupErrorCountsAsEnabled(t *testing.T) {
	sender := newSender()
	s, st := newTestService(t, []int{60}, sender)
	addTask(t, st, "1", "a", at(testNow.Add(30*time.Minute)))
	st.userErr = errors.New("timeout")

	if rep, _ := s.Tick(context.Background()); rep.Fired != 1 {
		t.Fatalf("tick = %+v", rep)
	}
}

func TestTicksNeverOverlap(t *testing.T) {
	sender := newSender()
	sender.block = make(chan struct{})
	sender.entered = make(chan struct{}, 1)
	s, st := newTestService(t, []int{60}, sender)
	addTask(t, st, "1", "a", at(testNow.Add(30*time.Minute)))

	done := make(chan Report, 1)
	go func() {
		rep, _ := s.Tick(context.Background())
		done <- rep
	}()
	<-sender.entered

	if _, ran := s.Tick(context.Background()); ran {
		t.Fatal("second tick ran while the first was in progress")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := s.EvaluateOwner(ctx, "1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("EvaluateOwner err = %v, want deadline exceeded", err)
	}

	close(sender.block)
	if rep := <-done; rep.Fired != 1 {
		t.Fatalf("first tick = %+v", rep)
	}
	if got := s.LastReport(); got.Fired != 1 {
		t.Fatalf("LastReport = %+v", got)
	}
}

func TestEvaluateOwnerOnlyTouchesOwner(t *testing.T) {
	sender := newSender()
	s, st := newTestService(t, []int{60}, sender)
	addTask(t, st, "1", "a", at(testNow.Add(-5*time.Minute)))
	other := addTask(t, st, "2", "b", at(testNow.Add(-5*time.Minute)))

	rep, err := s.EvaluateOwner(context.Background(), "1")
	if err != nil || rep.Fired != 1 || rep.Owner != "1" {
		t.Fatalf("EvaluateOwner = %+v, %v", rep, err)
	}
	if sender.count("2") != 0 {
		t.Fatal("other owner notified")
	}
	if h := historyOf(t, st, other.ID); len(h) != 0 {
		t.Fatalf("other history = %v", h.Keys())
	}
}

func TestParallelWorkersFireEachTaskOnce(t *testing.T) {
	sender := newSender()
	s, st := newTestService(t, []int{60}, sender)
	if err := s.Apply(Config{Enabled: true, Offsets: []int{60}, Workers: 4, Location: time.UTC}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 12; i++ {
		addTask(t, st, "9", "t", at(testNow.Add(time.Duration(i+1)*time.Minute)))
	}
	rep, _ := s.Tick(context.Background())
	if rep.Fired != 12 || sender.count("9") != 12 {
		t.Fatalf("tick = %+v sends=%d", rep, sender.count("9"))
	}
}

func TestApplyRejectsBadSchedule(t *testing.T) {
	s, _ := newTestService(t, nil, newSender())
	if err := s.Apply(Config{Schedule: "every now and then"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestParseSchedule(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw, want string
		wantErr   bool
	}{
		{raw: "", want: DefaultSchedule},
		{raw: "30s", want: "@every 30s"},
		{raw: "1m", want: "@every 1m0s"},
		{raw: "every:2m", want: "@every 2m0s"},
		{raw: "* * * * *", want: "* * * * *"},
		{raw: "cron:*/30 * * * * *", want: "*/30 * * * * *"},
		{raw: "@every 1m", want: "@every 1m"},
		{raw: "10ms", wantErr: true},
		{raw: "soon", wantErr: true},
		{raw: "61 * * * *", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseSchedule(tt.raw)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("ParseSchedule(%q) = %q, want error", tt.raw, got)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Fatalf("ParseSchedule(%q) = %q, %v; want %q", tt.raw, got, err, tt.want)
		}
	}
}

func TestStartStop(t *testing.T) {
	s, _ := newTestService(t, nil, newSender())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	if err := s.Apply(Config{Enabled: true, Schedule: "5m", Location: time.UTC}); err != nil {
		t.Fatal(err)
	}
	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	s.Stop(stopCtx)
	s.Stop(stopCtx)
}
