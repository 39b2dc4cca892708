package deadline

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Phase is a one-shot notification trigger: a pre-deadline offset in
// minutes, or the terminal overdue phase.
type Phase struct {
	Overdue bool
	Offset  int
}

// OverduePhase is the terminal phase fired once the deadline has passed.
var OverduePhase = Phase{Overdue: true}

// Before returns the pre-deadline phase for an offset in minutes.
func Before(minutes int) Phase { return Phase{Offset: minutes} }

// Key is the persisted form: "overdue" or "pre:<minutes>".
func (p Phase) Key() string {
	if p.Overdue {
		return "overdue"
	}
	return "pre:" + strconv.Itoa(p.Offset)
}

func (p Phase) String() string { return p.Key() }

// ParsePhase is the inverse of Key.
func ParsePhase(key string) (Phase, error) {
	key = strings.TrimSpace(key)
	if key == "overdue" {
		return OverduePhase, nil
	}
	raw, ok := strings.CutPrefix(key, "pre:")
	if !ok {
		return Phase{}, fmt.Errorf("unknown phase %q", key)
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return Phase{}, fmt.Errorf("invalid phase offset %q", key)
	}
	return Before(n), nil
}

// History is the set of phases already fired for a task.
type History map[Phase]struct{}

func NewHistory(phases ...Phase) History {
	h := make(History, len(phases))
	for _, p := range phases {
		h[p] = struct{}{}
	}
	return h
}

func (h History) Has(p Phase) bool {
	_, ok := h[p]
	return ok
}

// Add records p. Calling Add on a nil History panics; use NewHistory.
func (h History) Add(p Phase) { h[p] = struct{}{} }

// Keys returns the persisted keys, overdue first, then offsets descending.
func (h History) Keys() []string {
	ps := make([]Phase, 0, len(h))
	for p := range h {
		ps = append(ps, p)
	}
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].Overdue != ps[j].Overdue {
			return ps[i].Overdue
		}
		return ps[i].Offset > ps[j].Offset
	})
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.Key()
	}
	return out
}
