// Package workset tracks the buffers the next submission will reference
// and checks that they fit the device aperture together with the command
// buffer.
package workset

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/gogpu/subcore/bo"
	"github.com/gogpu/subcore/internal/logx"
)

// DefaultMaxBuffers bounds the number of distinct buffers in one set.
const DefaultMaxBuffers = 512

// ErrNeedsFlush is returned by Validate when the set does not fit. The
// caller flushes the command buffer and validates again from scratch.
var ErrNeedsFlush = errors.New("workset: aperture exceeded, flush required")

// Set is a bounded set of distinct buffers. It holds one reference to each
// member until Clear.
type Set struct {
	aperture  uint64
	max       int
	log       *slog.Logger
	bufs      []*bo.Buffer
	index     map[bo.ID]struct{}
	footprint uint64
	overflow  bool
}

// New creates an empty set for a device with the given aperture size.
// maxBuffers <= 0 selects DefaultMaxBuffers.
func New(aperture uint64, maxBuffers int, logger *slog.Logger) *Set {
	if maxBuffers <= 0 {
		maxBuffers = DefaultMaxBuffers
	}
	return &Set{
		aperture: aperture,
		max:      maxBuffers,
		log:      logx.OrNop(logger),
		index:    make(map[bo.ID]struct{}),
	}
}

// Add inserts b and, recursively, every buffer b points at through
// relocations. Adding a member again is a no-op. Growing past the bound is
// not an error here; Validate reports it.
func (s *Set) Add(b *bo.Buffer) {
	if b == nil {
		panic("workset: add of nil buffer")
	}
	if _, ok := s.index[b.ID()]; ok {
		return
	}
	if len(s.bufs) >= s.max {
		s.overflow = true
		return
	}
	s.index[b.ID()] = struct{}{}
	s.bufs = append(s.bufs, b.Reference())
	s.footprint += b.Footprint()
	for _, t := range b.Targets() {
		s.Add(t)
	}
}

// Contains reports whether b is a member.
func (s *Set) Contains(b *bo.Buffer) bool {
	_, ok := s.index[b.ID()]
	return ok
}

// Len returns the number of members.
func (s *Set) Len() int { return len(s.bufs) }

// Footprint returns the summed aperture footprint of the members.
func (s *Set) Footprint() uint64 { return s.footprint }

// Aperture returns the limit the set is validated against.
func (s *Set) Aperture() uint64 { return s.aperture }

// Buffers returns the members in insertion order.
func (s *Set) Buffers() []*bo.Buffer { return s.bufs }

// Uncounted returns the footprint of the buffers reachable from b through
// relocations that are not members, b itself excluded. The command buffer
// uses it to account for objects it already points at.
func (s *Set) Uncounted(b *bo.Buffer) uint64 {
	seen := make(map[bo.ID]struct{})
	var walk func(*bo.Buffer) uint64
	walk = func(p *bo.Buffer) uint64 {
		var n uint64
		for _, t := range p.Targets() {
			if _, ok := seen[t.ID()]; ok {
				continue
			}
			seen[t.ID()] = struct{}{}
			if !s.Contains(t) {
				n += t.Footprint()
			}
			n += walk(t)
		}
		return n
	}
	return walk(b)
}

// Validate checks that the members plus batchBytes of commands fit the
// aperture, and that the set did not outgrow its bound.
func (s *Set) Validate(batchBytes uint64) error {
	if s.overflow {
		s.log.Warn("workset: buffer bound exceeded", "max", s.max)
		return fmt.Errorf("%w: more than %d buffers", ErrNeedsFlush, s.max)
	}
	if total := s.footprint + batchBytes; total > s.aperture {
		s.log.Warn("workset: aperture exceeded",
			"buffers", len(s.bufs), "footprint", s.footprint, "batch", batchBytes, "aperture", s.aperture)
		return fmt.Errorf("%w: %d bytes of %d", ErrNeedsFlush, total, s.aperture)
	}
	return nil
}

// Clear drops every member.
func (s *Set) Clear() {
	for _, b := range s.bufs {
		b.Unreference()
	}
	clear(s.bufs)
	s.bufs = s.bufs[:0]
	clear(s.index)
	s.footprint = 0
	s.overflow = false
}
