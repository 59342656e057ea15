// Package align maps user frame indices onto reference frame indices.
package align

import "math"

// Map is a total, monotonically non-decreasing mapping from user frame index
// to reference frame index over [0, UserLen-1].
type Map struct {
	ref []int
}

// Linear resamples the reference timeline onto the user timeline:
// user frame i maps to round(i*(refLen-1)/(userLen-1)).
// When either side has at most one frame every index maps to 0.
func Linear(userLen, refLen int) Map {
	return LinearFrom(userLen, refLen, 0)
}

// LinearFrom resamples the reference range [start, refLen-1] onto the user timeline.
// start is clamped into the reference range.
func LinearFrom(userLen, refLen, start int) Map {
	if userLen < 0 {
		userLen = 0
	}
	m := Map{ref: make([]int, userLen)}
	if userLen <= 1 || refLen <= 1 {
		// degenerate: a single frame on either side pins everything to one index
		if refLen > 1 {
			s := clamp(start, 0, refLen-1)
			for i := range m.ref {
				m.ref[i] = s
			}
		}
		return m
	}

	start = clamp(start, 0, refLen-1)
	span := float64(refLen - 1 - start)
	den := float64(userLen - 1)
	for i := range m.ref {
		idx := start + int(math.Round(float64(i)*span/den))
		m.ref[i] = clamp(idx, 0, refLen-1)
	}
	return m
}

// Len returns the number of user frames covered.
func (m Map) Len() int { return len(m.ref) }

// Lookup returns the reference index for user frame i, or false when i has no correspondence.
func (m Map) Lookup(i int) (int, bool) {
	if i < 0 || i >= len(m.ref) {
		return 0, false
	}
	return m.ref[i], true
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Cursor walks a reference of fixed length one frame per live frame.
// It wraps to the first frame after the last, matching looped reference playback.
type Cursor struct {
	refLen int
	pos    int
}

// NewCursor creates a cursor over a reference of refLen frames.
func NewCursor(refLen int) *Cursor {
	return &Cursor{refLen: refLen}
}

// Next returns the current reference index and advances.
func (c *Cursor) Next() int {
	if c.refLen <= 1 {
		return 0
	}
	idx := c.pos
	c.pos = (c.pos + 1) % c.refLen
	return idx
}

// Pin moves the cursor so that the next call to Next returns idx.
func (c *Cursor) Pin(idx int) {
	if c.refLen <= 1 {
		c.pos = 0
		return
	}
	c.pos = clamp(idx, 0, c.refLen-1)
}

