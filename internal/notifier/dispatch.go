package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"nudgebot/internal/transport"
	logx "nudgebot/pkg/logx"
)

// MaxBatchUnits is the channel's per-call unit limit.
const MaxBatchUnits = 5

const (
	DefaultPacing      = 1 * time.Second
	DefaultCallTimeout = 10 * time.Second
)

var ErrCallTimeout = errors.New("dispatch call timed out")

// Channel is the outbound side of a messaging adapter.
type Channel interface {
	SendBatch(ctx context.Context, recipient string, units []transport.Unit) error
}

// DispatchError reports which batch failed. Batches before it were delivered.
type DispatchError struct {
	Batch   int // zero-based
	Batches int
	Err     error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("batch %d/%d: %v", e.Batch+1, e.Batches, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

type DispatchConfig struct {
	// Pacing is the wait between consecutive batches of one Send.
	Pacing time.Duration
	// CallTimeout bounds each SendBatch call.
	CallTimeout time.Duration
}

// Dispatcher sends a unit sequence to a recipient in capped, paced batches.
// It does not retry; the scheduler retries on its next tick.
type Dispatcher struct {
	ch  Channel
	log logx.Logger

	mu  sync.RWMutex
	cfg DispatchConfig

	sleep func(ctx context.Context, d time.Duration) error
}

func NewDispatcher(ch Channel, cfg DispatchConfig, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{ch: ch, log: log, sleep: sleepCtx}
	d.Apply(cfg)
	return d
}

func (d *Dispatcher) Apply(cfg DispatchConfig) {
	if cfg.Pacing < 0 {
		cfg.Pacing = 0
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	d.mu.Lock()
	d.cfg = cfg
	d.mu.Unlock()
}

func (d *Dispatcher) config() DispatchConfig {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg
}

// Batches splits units into consecutive groups of at most k.
func Batches(units []transport.Unit, k int) [][]transport.Unit {
	if k <= 0 {
		k = MaxBatchUnits
	}
	out := make([][]transport.Unit, 0, (len(units)+k-1)/k)
	for start := 0; start < len(units); start += k {
		end := min(start+k, len(units))
		out = append(out, units[start:end])
	}
	return out
}

// Send delivers units in order. The first failing batch aborts the rest and
// is returned as a *DispatchError.
func (d *Dispatcher) Send(ctx context.Context, recipient string, units []transport.Unit) error {
	cfg := d.config()
	batches := Batches(units, MaxBatchUnits)
	for i, b := range batches {
		if i > 0 && cfg.Pacing > 0 {
			if err := d.sleep(ctx, cfg.Pacing); err != nil {
				return &DispatchError{Batch: i, Batches: len(batches), Err: err}
			}
		}
		start := time.Now()
		if err := d.call(ctx, recipient, b, cfg.CallTimeout); err != nil {
			return &DispatchError{Batch: i, Batches: len(batches), Err: err}
		}
		d.log.Debug("batch sent",
			logx.String("recipient", recipient),
			logx.Int("batch", i+1),
			logx.Int("batches", len(batches)),
			logx.Int("units", len(b)),
			logx.Duration("took", time.Since(start)),
		)
	}
	return nil
}

// call runs one SendBatch under timeout. The call runs on its own goroutine
// so a channel that ignores ctx still cannot hold the tick past the timeout.
func (d *Dispatcher) call(ctx context.Context, recipient string, batch []transport.Unit, timeout time.Duration) error {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- d.ch.SendBatch(cctx, recipient, batch) }()

	select {
	case err := <-done:
		if err != nil && ctx.Err() == nil && errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w after %s: %v", ErrCallTimeout, timeout, err)
		}
		return err
	case <-cctx.Done():
		if err := ctx.Err(); err != nil {
			return err
		}
		return fmt.Errorf("%w after %s", ErrCallTimeout, timeout)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
