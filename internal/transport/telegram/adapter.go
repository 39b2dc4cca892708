// Package telegram is the long-poll Telegram channel.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	rtsup "nudgebot/internal/runtime/supervisor"
	"nudgebot/internal/transport"
	logx "nudgebot/pkg/logx"
)

const (
	DefaultPollTimeout = 10 * time.Second
	DefaultRatePerSec  = 20
	defaultHTTPTimeout = 30 * time.Second
	textLimit          = 4000
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	RatePerSec  float64 // outbound messages per second across all chats
}

var _ transport.Adapter = (*Adapter)(nil)

type Adapter struct {
	cfg     Config
	log     logx.Logger
	bot     *tele.Bot
	limiter *rate.Limiter

	out     atomic.Value // chan<- transport.Update
	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	dropped atomic.Uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = DefaultRatePerSec
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: cfg.PollTimeout},
		// long-poll requests must outlive the poll timeout
		Client: &http.Client{Timeout: cfg.PollTimeout + defaultHTTPTimeout},
		OnError: func(err error, c tele.Context) {
			log.Warn("telegram handler error", logx.Err(err))
		},
	})
	if err != nil {
		return nil, err
	}
	a := &Adapter{
		cfg:     cfg,
		log:     log,
		bot:     b,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), max(1, int(cfg.RatePerSec))),
	}
	var nilOut chan<- transport.Update
	a.out.Store(nilOut)
	a.bot.Handle(tele.OnText, a.onText)
	return a, nil
}

func (a *Adapter) onText(c tele.Context) error {
	m := c.Message()
	if m == nil || m.Chat == nil {
		return nil
	}
	msg := &transport.Message{ID: m.ID, ChatID: m.Chat.ID, Text: m.Text}
	if m.Sender != nil {
		msg.FromID = m.Sender.ID
		msg.FromUsername = m.Sender.Username
	}
	out, _ := a.out.Load().(chan<- transport.Update)
	if out == nil {
		return nil
	}
	select {
	case out <- transport.Update{Kind: transport.UpdateMessage, Message: msg}:
	default:
		a.dropped.Add(1)
	}
	return nil
}

func (a *Adapter) Start(ctx context.Context, out chan<- transport.Update) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log))
	sup := a.sup
	a.runMu.Unlock()

	sup.Go0("updates.drop_report", func(c context.Context) {
		t := time.NewTicker(5 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				a.reportDropped(cap(out))
				return
			case <-t.C:
				a.reportDropped(cap(out))
			}
		}
	})
	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})
	// telebot's Start blocks until Stop; an early return is restarted.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		return nil
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

func (a *Adapter) reportDropped(capacity int) {
	if n := a.dropped.Swap(0); n > 0 {
		a.log.Warn("incoming updates dropped (channel full)", logx.Int64("count", int64(n)), logx.Int("chan_cap", capacity))
	}
}

// Stop ends polling. It never blocks longer than ctx or a short grace window.
func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	was := a.running
	a.running = false
	var nilOut chan<- transport.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()
	if !was || sup == nil {
		return nil
	}

	sup.Cancel()
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		a.log.Warn("telegram stop did not finish cleanly", logx.Err(err))
	}
	return nil
}

func (a *Adapter) SendText(ctx context.Context, recipient string, text string) error {
	chat, err := chatOf(recipient)
	if err != nil {
		return err
	}
	for _, chunk := range splitText(text, textLimit) {
		if err := a.send(ctx, chat, chunk); err != nil {
			return err
		}
	}
	return nil
}

// SendBatch sends units in order, one API call each, stopping at the first
// failure.
func (a *Adapter) SendBatch(ctx context.Context, recipient string, units []transport.Unit) error {
	chat, err := chatOf(recipient)
	if err != nil {
		return err
	}
	for i, u := range units {
		var what any = u.Text
		if u.IsSticker() {
			what = &tele.Sticker{File: tele.File{FileID: u.StickerID}}
		}
		if err := a.send(ctx, chat, what); err != nil {
			return fmt.Errorf("unit %d: %w", i, err)
		}
	}
	return nil
}

func (a *Adapter) send(ctx context.Context, chat *tele.Chat, what any) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := a.bot.Send(chat, what)
	return err
}

func chatOf(recipient string) (*tele.Chat, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(recipient), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid telegram chat id %q", recipient)
	}
	return &tele.Chat{ID: id}, nil
}

// splitText cuts s into chunks of at most limit runes, preferring newline
// boundaries.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	var out []string
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i > start+limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
