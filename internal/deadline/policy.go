package deadline

import "sort"

// DefaultOffsets are the pre-deadline reminder points, in minutes.
var DefaultOffsets = []int{2880, 1440, 360, 120, 60, 30, 10, 5, 1}

// Policy decides which phase, if any, fires for a task on a given tick.
// It is immutable and safe for concurrent use.
type Policy struct {
	offsets []int // descending, positive, unique
}

// NewPolicy builds a policy from configured offsets. Non-positive and
// duplicate values are dropped.
func NewPolicy(offsets []int) Policy {
	valid, _ := CleanOffsets(offsets)
	return Policy{offsets: valid}
}

// CleanOffsets returns the positive unique offsets sorted descending and the
// values that were rejected.
func CleanOffsets(offsets []int) (valid, rejected []int) {
	seen := make(map[int]struct{}, len(offsets))
	for _, o := range offsets {
		if o <= 0 {
			rejected = append(rejected, o)
			continue
		}
		if _, dup := seen[o]; dup {
			rejected = append(rejected, o)
			continue
		}
		seen[o] = struct{}{}
		valid = append(valid, o)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(valid)))
	return valid, rejected
}

// Offsets returns a copy of the effective offsets, descending.
func (p Policy) Offsets() []int { return append([]int(nil), p.offsets...) }

// Decide returns the single phase to fire for st given the task's history.
//
// Overdue short-circuits every pre-deadline phase and fires once. For a
// pending task the largest unfired offset o with minutes <= o is chosen, so
// at most one notification goes out per task per tick even when several
// thresholds were crossed while the loop was not running.
func (p Policy) Decide(st State, h History) (Phase, bool) {
	switch st.Kind {
	case Overdue:
		if h.Has(OverduePhase) {
			return Phase{}, false
		}
		return OverduePhase, true
	case Pending:
		for _, o := range p.offsets {
			if st.Minutes > o {
				// offsets are descending; nothing smaller can match
				break
			}
			if ph := Before(o); !h.Has(ph) {
				return ph, true
			}
		}
	}
	return Phase{}, false
}

// Passed lists the pre-deadline phases whose windows had already opened at
// st, excluding the most urgent one (the phase that is due now). Recording
// them when a task is registered keeps a late registration from firing every
// larger offset on successive ticks.
func (p Policy) Passed(st State) []Phase {
	if st.Kind != Pending {
		return nil
	}
	var out []Phase
	for _, o := range p.offsets {
		if st.Minutes > o {
			break
		}
		out = append(out, Before(o))
	}
	if len(out) == 0 {
		return nil
	}
	return out[:len(out)-1]
}

// Plan is Decide over h plus the windows that opened before the current
// one. skip lists those earlier windows that are not in h yet; callers
// record them so a reminder whose moment has passed is never sent late.
func (p Policy) Plan(st State, h History) (fire Phase, ok bool, skip []Phase) {
	for _, ph := range p.Passed(st) {
		if !h.Has(ph) {
			skip = append(skip, ph)
		}
	}
	if len(skip) > 0 {
		merged := NewHistory(skip...)
		for ph := range h {
			merged.Add(ph)
		}
		h = merged
	}
	fire, ok = p.Decide(st, h)
	return fire, ok, skip
}
