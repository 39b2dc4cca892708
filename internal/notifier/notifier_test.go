package notifier

import (
	"context"
	"errors"
	"math/rand"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"nudgebot/internal/deadline"
	"nudgebot/internal/transport"
	logx "nudgebot/pkg/logx"
)

type fakeChannel struct {
	mu      sync.Mutex
	calls   [][]transport.Unit
	failAt  int // 1-based call number that fails; 0 = never
	failErr error
}

func (f *fakeChannel) SendBatch(ctx context.Context, recipient string, units []transport.Unit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]transport.Unit(nil), units...))
	if f.failAt > 0 && len(f.calls) == f.failAt {
		return f.failErr
	}
	return nil
}

func (f *fakeChannel) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestDispatcher(ch Channel, pacing time.Duration) (*Dispatcher, *[]time.Duration) {
	d := NewDispatcher(ch, DispatchConfig{Pacing: pacing, CallTimeout: time.Second}, logx.Nop())
	var waits []time.Duration
	d.sleep = func(ctx context.Context, dur time.Duration) error {
		waits = append(waits, dur)
		return nil
	}
	return d, &waits
}

func textUnits(n int) []transport.Unit {
	out := make([]transport.Unit, n)
	for i := range out {
		out[i] = transport.Text(strings.Repeat("x", i+1))
	}
	return out
}

func TestDispatcherBatching(t *testing.T) {
	t.Parallel()
	for _, n := range []int{1, 4, 5, 6, 10, 11, 23} {
		ch := &fakeChannel{}
		d, waits := newTestDispatcher(ch, 750*time.Millisecond)
		units := textUnits(n)

		if err := d.Send(context.Background(), "42", units); err != nil {
			t.Fatalf("n=%d: Send error: %v", n, err)
		}
		wantCalls := (n + MaxBatchUnits - 1) / MaxBatchUnits
		if got := ch.callCount(); got != wantCalls {
			t.Fatalf("n=%d: calls = %d, want %d", n, got, wantCalls)
		}
		if len(*waits) != wantCalls-1 {
			t.Fatalf("n=%d: pacing waits = %d, want %d", n, len(*waits), wantCalls-1)
		}
		for _, w := range *waits {
			if w != 750*time.Millisecond {
				t.Fatalf("n=%d: wait = %v", n, w)
			}
		}

		var flat []transport.Unit
		for _, c := range ch.calls {
			if len(c) > MaxBatchUnits {
				t.Fatalf("n=%d: batch of %d exceeds cap", n, len(c))
			}
			flat = append(flat, c...)
		}
		if !reflect.DeepEqual(flat, units) {
			t.Fatalf("n=%d: units reordered or lost", n)
		}
	}
}

func TestDispatcherAbortsOnFailedBatch(t *testing.T) {
	t.Parallel()
	boom := errors.New("rate limited")
	ch := &fakeChannel{failAt: 2, failErr: boom}
	d, _ := newTestDispatcher(ch, 0)

	err := d.Send(context.Background(), "42", textUnits(15))
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped %v", err, boom)
	}
	var de *DispatchError
	if !errors.As(err, &de) || de.Batch != 1 || de.Batches != 3 {
		t.Fatalf("err = %#v, want DispatchError batch 1 of 3", err)
	}
	if got := ch.callCount(); got != 2 {
		t.Fatalf("calls = %d, want 2 (third batch must not be sent)", got)
	}
}

type hungChannel struct{ release chan struct{} }

func (h hungChannel) SendBatch(ctx context.Context, recipient string, units []transport.Unit) error {
	<-h.release // ignores ctx on purpose
	return nil
}

func TestDispatcherCallTimeout(t *testing.T) {
	t.Parallel()
	ch := hungChannel{release: make(chan struct{})}
	t.Cleanup(func() { close(ch.release) })

	d := NewDispatcher(ch, DispatchConfig{CallTimeout: 50 * time.Millisecond}, logx.Nop())
	start := time.Now()
	err := d.Send(context.Background(), "42", textUnits(2))
	if !errors.Is(err, ErrCallTimeout) {
		t.Fatalf("err = %v, want ErrCallTimeout", err)
	}
	if took := time.Since(start); took > 2*time.Second {
		t.Fatalf("Send blocked for %v", took)
	}
}

func TestComposeOverdueShape(t *testing.T) {
	t.Parallel()
	c := NewComposer(ComposerConfig{Burst: 7}, rand.NewSource(1))
	units := c.Compose(deadline.OverduePhase, "homework", deadline.State{Kind: deadline.Overdue, Minutes: 10})

	if len(units) != 1+7 {
		t.Fatalf("len = %d, want 8", len(units))
	}
	if units[0].Kind != transport.UnitText || !strings.Contains(units[0].Text, "homework") {
		t.Fatalf("first unit = %#v, want escalation text naming the task", units[0])
	}
	for _, u := range units[1:] {
		if u.Kind != transport.UnitText || u.Text == "" {
			t.Fatalf("decoration = %#v, want emoji text without stickers", u)
		}
	}

	// Scenario: 1 text + burst decorations, split into ceil((1+burst)/K) calls.
	ch := &fakeChannel{}
	d, _ := newTestDispatcher(ch, 0)
	if err := d.Send(context.Background(), "42", units); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got, want := ch.callCount(), (1+7+MaxBatchUnits-1)/MaxBatchUnits; got != want {
		t.Fatalf("calls = %d, want %d", got, want)
	}
}

func TestComposeDefaultBurst(t *testing.T) {
	t.Parallel()
	c := NewComposer(ComposerConfig{}, rand.NewSource(1))
	units := c.Compose(deadline.OverduePhase, "x", deadline.State{Kind: deadline.Overdue, Minutes: 1})
	if len(units) != 1+DefaultBurst {
		t.Fatalf("len = %d, want %d", len(units), 1+DefaultBurst)
	}
}

func TestComposeReminderShapeWithStickers(t *testing.T) {
	t.Parallel()
	stickers := []string{"CAAC-a", "CAAC-b"}
	c := NewComposer(ComposerConfig{Stickers: stickers}, rand.NewSource(3))
	units := c.Compose(deadline.Before(60), "report", deadline.State{Kind: deadline.Pending, Minutes: 45})

	if len(units) != 2 {
		t.Fatalf("len = %d, want 2", len(units))
	}
	if !units[0].IsSticker() || (units[0].StickerID != "CAAC-a" && units[0].StickerID != "CAAC-b") {
		t.Fatalf("first unit = %#v, want configured sticker", units[0])
	}
	if units[1].Kind != transport.UnitText || !strings.Contains(units[1].Text, "report") || !strings.Contains(units[1].Text, "45 minutes") {
		t.Fatalf("text = %q", units[1].Text)
	}
}

func TestComposeDeterministicWithSeed(t *testing.T) {
	t.Parallel()
	a := NewComposer(ComposerConfig{Burst: 4}, rand.NewSource(99))
	b := NewComposer(ComposerConfig{Burst: 4}, rand.NewSource(99))
	st := deadline.State{Kind: deadline.Overdue, Minutes: 90}
	for i := 0; i < 5; i++ {
		ua := a.Compose(deadline.OverduePhase, "t", st)
		ub := b.Compose(deadline.OverduePhase, "t", st)
		if !reflect.DeepEqual(ua, ub) {
			t.Fatalf("round %d: same seed produced different output", i)
		}
	}
}

func TestHumanMinutes(t *testing.T) {
	t.Parallel()
	if got := humanMinutes(0); got != "less than a minute" {
		t.Fatalf("humanMinutes(0) = %q", got)
	}
	if got := humanMinutes(1); got != "1 minute" {
		t.Fatalf("humanMinutes(1) = %q", got)
	}
	if got := humanMinutes(180); got != "3 hours" {
		t.Fatalf("humanMinutes(180) = %q", got)
	}
}
