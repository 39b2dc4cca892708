package notifier

import (
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"nudgebot/internal/deadline"
	"nudgebot/internal/transport"
)

// DefaultBurst is the number of decorative units that follow an overdue
// escalation.
const DefaultBurst = 10

var (
	reminderTexts = []string{
		"⏰ \"{label}\" is due in {when}.",
		"📌 Reminder: \"{label}\" has {when} left.",
		"👀 Don't forget \"{label}\". Deadline in {when}.",
		"🗓 \"{label}\" is coming up in {when}.",
	}
	overdueTexts = []string{
		"💣 Task \"{label}\" is past its deadline! Hurry!!",
		"🚨 \"{label}\" was due {when} ago. Drop everything!",
		"🔥 \"{label}\" is overdue by {when}! Get it done NOW!",
	}
	// Used as decorative units when no sticker ids are configured.
	decorEmoji = []string{"🔔", "⏰", "⚡", "🔥", "💣", "🚨", "📣", "‼️"}
)

type ComposerConfig struct {
	Burst    int
	Stickers []string // Telegram sticker file ids
}

// Composer builds the message sequence for a phase. Selection is random but
// the shape per phase is fixed:
//   - overdue: one escalation text followed by Burst decorative units
//   - pre-deadline: one decorative unit followed by one text
type Composer struct {
	mu  sync.Mutex
	rng *rand.Rand
	cfg ComposerConfig
}

// NewComposer returns a composer drawing from src. A nil src seeds from the
// clock.
func NewComposer(cfg ComposerConfig, src rand.Source) *Composer {
	if src == nil {
		src = rand.NewSource(time.Now().UnixNano())
	}
	c := &Composer{rng: rand.New(src)}
	c.Apply(cfg)
	return c
}

func (c *Composer) Apply(cfg ComposerConfig) {
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultBurst
	}
	cfg.Stickers = cleanStickers(cfg.Stickers)
	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()
}

func (c *Composer) Compose(p deadline.Phase, label string, st deadline.State) []transport.Unit {
	c.mu.Lock()
	defer c.mu.Unlock()

	r := strings.NewReplacer("{label}", label, "{when}", humanMinutes(st.Minutes))
	if p.Overdue {
		out := make([]transport.Unit, 0, 1+c.cfg.Burst)
		out = append(out, transport.Text(r.Replace(c.pick(overdueTexts))))
		for i := 0; i < c.cfg.Burst; i++ {
			out = append(out, c.decoration())
		}
		return out
	}
	return []transport.Unit{
		c.decoration(),
		transport.Text(r.Replace(c.pick(reminderTexts))),
	}
}

func (c *Composer) pick(pool []string) string {
	return pool[c.rng.Intn(len(pool))]
}

func (c *Composer) decoration() transport.Unit {
	if len(c.cfg.Stickers) > 0 {
		return transport.Sticker(c.pick(c.cfg.Stickers))
	}
	return transport.Text(c.pick(decorEmoji))
}

var humanRef = time.Unix(0, 0)

// humanMinutes renders a minute count as "5 minutes", "2 hours", "3 days".
func humanMinutes(m int) string {
	if m < 1 {
		return "less than a minute"
	}
	return strings.TrimSpace(humanize.RelTime(humanRef, humanRef.Add(time.Duration(m)*time.Minute), "", ""))
}

func cleanStickers(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
