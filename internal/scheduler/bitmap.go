// Package scheduler reconciles time-slot availability across agents and
// drives the submit / get-result / cancel RPC fan-outs of an experiment.
package scheduler

import (
	"errors"
	"fmt"
	"strings"
)

// Bitmap is a fixed-width bitset over time slots. Bit i set means slot i
// is free. Hex encoding is used only at the wire boundary.
type Bitmap struct {
	width int
	words []uint64
}

// NewBitmap returns an all-zero bitmap of the given width.
func NewBitmap(width int) *Bitmap {
	return &Bitmap{width: width, words: make([]uint64, (width+63)/64)}
}

// FullBitmap returns a bitmap with every slot free.
func FullBitmap(width int) *Bitmap {
	b := NewBitmap(width)
	for i := 0; i < width; i++ {
		b.Set(i)
	}
	return b
}

// ParseHex decodes a hex-encoded availability mask into a bitmap of the
// given width. The hex string is read MSB-first; masks shorter than the
// width leave the remaining slots busy, longer masks are truncated.
func ParseHex(s string, width int) (*Bitmap, error) {
	s = strings.TrimSpace(strings.TrimPrefix(s, "0x"))
	if s == "" {
		return nil, errors.New("scheduler: empty availability mask")
	}
	b := NewBitmap(width)
	for i, c := range s {
		var nibble uint64
		switch {
		case c >= '0' && c <= '9':
			nibble = uint64(c - '0')
		case c >= 'a' && c <= 'f':
			nibble = uint64(c-'a') + 10
		case c >= 'A' && c <= 'F':
			nibble = uint64(c-'A') + 10
		default:
			return nil, fmt.Errorf("scheduler: invalid hex mask character %q", c)
		}
		for bit := 0; bit < 4; bit++ {
			idx := i*4 + bit
			if idx >= width {
				return b, nil
			}
			if nibble&(1<<(3-bit)) != 0 {
				b.Set(idx)
			}
		}
	}
	return b, nil
}

// Width returns the number of slots the bitmap covers.
func (b *Bitmap) Width() int { return b.width }

// Set marks slot i free.
func (b *Bitmap) Set(i int) {
	if i < 0 || i >= b.width {
		return
	}
	b.words[i/64] |= 1 << (i % 64)
}

// Clear marks slot i busy.
func (b *Bitmap) Clear(i int) {
	if i < 0 || i >= b.width {
		return
	}
	b.words[i/64] &^= 1 << (i % 64)
}

// Bit reports whether slot i is free.
func (b *Bitmap) Bit(i int) bool {
	if i < 0 || i >= b.width {
		return false
	}
	return b.words[i/64]&(1<<(i%64)) != 0
}

// And intersects two bitmaps into a new one of the smaller width.
func (b *Bitmap) And(other *Bitmap) *Bitmap {
	width := b.width
	if other.width < width {
		width = other.width
	}
	out := NewBitmap(width)
	for i := range out.words {
		out.words[i] = b.words[i] & other.words[i]
	}
	// mask off bits past the width
	if extra := width % 64; extra != 0 {
		out.words[len(out.words)-1] &= (1 << extra) - 1
	}
	return out
}

// FindRun returns the lowest slot index where n consecutive free slots
// start, or -1 when no position fits.
func (b *Bitmap) FindRun(n int) int {
	if n <= 0 || n > b.width {
		return -1
	}
	run := 0
	for i := 0; i < b.width; i++ {
		if b.Bit(i) {
			run++
			if run == n {
				return i - n + 1
			}
		} else {
			run = 0
		}
	}
	return -1
}

// Hex renders the bitmap MSB-first for the wire.
func (b *Bitmap) Hex() string {
	nibbles := (b.width + 3) / 4
	var sb strings.Builder
	for i := 0; i < nibbles; i++ {
		var nibble uint64
		for bit := 0; bit < 4; bit++ {
			idx := i*4 + bit
			if b.Bit(idx) {
				nibble |= 1 << (3 - bit)
			}
		}
		fmt.Fprintf(&sb, "%x", nibble)
	}
	return sb.String()
}
