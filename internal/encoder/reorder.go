package encoder

import "github.com/zsiec/livepush/internal/media"

// reorderBuffer holds up to depth units sorted by PTS and releases the
// earliest once it overflows. Units with equal PTS keep arrival order.
type reorderBuffer struct {
	depth int
	held  []*media.Unit
}

func (r *reorderBuffer) push(u *media.Unit) []*media.Unit {
	i := len(r.held)
	for i > 0 && r.held[i-1].PTS > u.PTS {
		i--
	}
	r.held = append(r.held, nil)
	copy(r.held[i+1:], r.held[i:])
	r.held[i] = u

	if len(r.held) <= r.depth {
		return nil
	}
	out := r.held[0]
	r.held = r.held[1:]
	return []*media.Unit{out}
}

func (r *reorderBuffer) drain() []*media.Unit {
	out := r.held
	r.held = nil
	return out
}
