// Package cache interns immutable hardware-readable objects (compiled
// programs, packed state blocks) by their logical content.
//
// Objects are partitioned by Kind. An entry is identified by its kind, its
// key bytes and its relocation set; two uploads with different content
// never share a buffer, even when their hashes collide.
//
// The cache also derives a "selection changed" signal per kind: whenever a
// search or upload for a kind yields a different buffer than the previous
// one, the configured signal function is called with that kind.
package cache

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"

	"github.com/gogpu/subcore/bo"
	"github.com/gogpu/subcore/internal/logx"
)

// Default configuration constants.
const (
	// DefaultBuckets is the bucket count. Must be a power of 2 for fast
	// modulo via bitwise AND.
	DefaultBuckets = 256

	// EntryAlign is the placement alignment of cached objects.
	EntryAlign = 64
)

// ErrAllocationFailed is returned by Upload when the device cannot back a
// new entry.
var ErrAllocationFailed = errors.New("cache: allocation failed")

// Kind is an object class. Kinds are small integers so a kind can double
// as a bit index in a dirty mask.
type Kind uint8

// MaxKinds bounds the number of registered kinds.
const MaxKinds = 32

// KindInfo describes a kind.
type KindInfo struct {
	Name string
	// KeySize is the fixed key length, or 0 for variable-length keys.
	KeySize int
	// AuxSize is the length of the auxiliary data stored with each entry.
	AuxSize int
}

// Allocator creates buffers for new entries.
type Allocator interface {
	Alloc(name string, size, align uint64) (*bo.Buffer, error)
}

// Reloc is a pointer from a cached object to another buffer. Offset is the
// byte position of the address dword inside the payload.
type Reloc struct {
	Target *bo.Buffer
	Read   bo.Domain
	Write  bo.Domain
	Delta  uint32
	Offset uint32
}

// Entry is one interned object.
type Entry struct {
	Kind   Kind
	Hash   uint32
	Key    []byte
	Relocs []Reloc
	Buffer *bo.Buffer
	Size   int
	Aux    []byte
}

type kindState struct {
	info       KindInfo
	registered bool
	last       bo.ID
}

// Cache is the object cache. It is owned by one driver thread.
type Cache struct {
	alloc   Allocator
	opts    options
	log     *slog.Logger
	buckets [][]*Entry
	mask    uint32
	kinds   [MaxKinds]kindState
	n       int
	bytes   uint64
	stats   Stats
	closed  bool
}

// New creates an empty cache that allocates entries from alloc.
func New(alloc Allocator, opts ...Option) *Cache {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Cache{
		alloc:   alloc,
		opts:    o,
		log:     logx.OrNop(o.logger),
		buckets: make([][]*Entry, o.buckets),
		mask:    uint32(o.buckets - 1),
	}
}

// Register declares a kind. Registering a kind twice panics.
func (c *Cache) Register(k Kind, info KindInfo) {
	if int(k) >= MaxKinds {
		panic(fmt.Sprintf("cache: kind %d out of range", k))
	}
	if c.kinds[k].registered {
		panic(fmt.Sprintf("cache: kind %d (%s) registered twice", k, c.kinds[k].info.Name))
	}
	if info.KeySize < 0 || info.AuxSize < 0 {
		panic(fmt.Sprintf("cache: kind %s has negative sizes", info.Name))
	}
	c.kinds[k] = kindState{info: info, registered: true}
}

// Info returns the registration of k.
func (c *Cache) Info(k Kind) (KindInfo, bool) {
	if int(k) >= MaxKinds || !c.kinds[k].registered {
		return KindInfo{}, false
	}
	return c.kinds[k].info, true
}

func (c *Cache) kind(k Kind, key []byte) *kindState {
	if int(k) >= MaxKinds || !c.kinds[k].registered {
		panic(fmt.Sprintf("cache: unregistered kind %d", k))
	}
	ks := &c.kinds[k]
	if ks.info.KeySize != 0 && len(key) != ks.info.KeySize {
		panic(fmt.Sprintf("cache: %s key is %d bytes, want %d", ks.info.Name, len(key), ks.info.KeySize))
	}
	return ks
}

// hash digests kind, key and relocation set with FNV-1a. Variable-size
// kinds also hash the key length.
func hash(k Kind, fixed bool, key []byte, relocs []Reloc) uint32 {
	h := fnv.New32a()
	var buf [16]byte
	buf[0] = byte(k)
	_, _ = h.Write(buf[:1]) // fnv.Write never returns an error
	if !fixed {
		binary.LittleEndian.PutUint32(buf[:4], uint32(len(key)))
		_, _ = h.Write(buf[:4])
	}
	_, _ = h.Write(key)
	for _, r := range relocs {
		binary.LittleEndian.PutUint64(buf[0:], uint64(r.Target.ID()))
		binary.LittleEndian.PutUint32(buf[8:], r.Delta)
		binary.LittleEndian.PutUint32(buf[12:], r.Offset)
		_, _ = h.Write(buf[:16])
	}
	return h.Sum32()
}

func sameRelocs(a, b []Reloc) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Target.ID() != b[i].Target.ID() ||
			a[i].Delta != b[i].Delta ||
			a[i].Offset != b[i].Offset ||
			a[i].Read != b[i].Read ||
			a[i].Write != b[i].Write {
			return false
		}
	}
	return true
}

// Search looks up an entry. Apart from the selection signal it has no side
// effects and never allocates device memory.
func (c *Cache) Search(k Kind, key []byte, relocs []Reloc) (*Entry, bool) {
	ks := c.kind(k, key)
	h := hash(k, ks.info.KeySize != 0, key, relocs)
	for _, e := range c.buckets[h&c.mask] {
		if e.Hash == h && e.Kind == k && bytes.Equal(e.Key, key) && sameRelocs(e.Relocs, relocs) {
			c.stats.Hits++
			c.selected(k, ks, e)
			return e, true
		}
	}
	c.stats.Misses++
	return nil, false
}

// Upload interns a new object. The payload is copied into a fresh buffer
// with every relocation dword set to its presumed target address, and the
// relocations are recorded on that buffer. aux must have the kind's
// auxiliary size.
func (c *Cache) Upload(k Kind, key []byte, relocs []Reloc, payload, aux []byte) (*Entry, error) {
	if c.closed {
		panic("cache: upload after close")
	}
	ks := c.kind(k, key)
	if len(aux) != ks.info.AuxSize {
		panic(fmt.Sprintf("cache: %s aux data is %d bytes, want %d", ks.info.Name, len(aux), ks.info.AuxSize))
	}

	buf, err := c.alloc.Alloc(ks.info.Name, uint64(len(payload)), EntryAlign)
	if err != nil {
		return nil, fmt.Errorf("%w: %s (%d bytes): %w", ErrAllocationFailed, ks.info.Name, len(payload), err)
	}

	data := bytes.Clone(payload)
	for _, r := range relocs {
		v := buf.EmitReloc(r.Offset, r.Target, r.Read, r.Write, r.Delta)
		binary.LittleEndian.PutUint32(data[r.Offset:], v)
	}
	if err := buf.Subdata(0, data); err != nil {
		buf.Unreference()
		return nil, fmt.Errorf("%w: %s: %w", ErrAllocationFailed, ks.info.Name, err)
	}

	e := &Entry{
		Kind:   k,
		Hash:   hash(k, ks.info.KeySize != 0, key, relocs),
		Key:    bytes.Clone(key),
		Relocs: append([]Reloc(nil), relocs...),
		Buffer: buf,
		Size:   len(payload),
		Aux:    bytes.Clone(aux),
	}
	b := e.Hash & c.mask
	c.buckets[b] = append(c.buckets[b], e)
	c.n++
	c.bytes += uint64(len(payload))
	c.stats.Uploads++
	c.log.Debug("cache: upload", "kind", ks.info.Name, "bytes", len(payload), "relocs", len(relocs), "entries", c.n)

	c.selected(k, ks, e)
	return e, nil
}

func (c *Cache) selected(k Kind, ks *kindState, e *Entry) {
	if ks.last == e.Buffer.ID() {
		return
	}
	ks.last = e.Buffer.ID()
	c.stats.Selections++
	if c.opts.signal != nil {
		c.opts.signal(k)
	}
}

// LastSelected returns the id of the buffer last returned for k.
func (c *Cache) LastSelected(k Kind) bo.ID {
	if int(k) >= MaxKinds {
		return 0
	}
	return c.kinds[k].last
}

// Len returns the number of entries.
func (c *Cache) Len() int { return c.n }

// CheckSize clears the cache when it holds more entries than the
// configured bound. It reports whether a clear happened; callers must
// consider every object selection invalid in that case.
func (c *Cache) CheckSize() bool {
	if c.opts.maxEntries <= 0 || c.n <= c.opts.maxEntries {
		return false
	}
	c.log.Warn("cache: entry bound exceeded, clearing", "entries", c.n, "bound", c.opts.maxEntries)
	c.Clear()
	return true
}

// Clear drops every entry, forgets every selection, and signals every
// registered kind.
func (c *Cache) Clear() {
	c.release()
	c.stats.Clears++
	for k := range c.kinds {
		ks := &c.kinds[k]
		if !ks.registered {
			continue
		}
		ks.last = 0
		if c.opts.signal != nil {
			c.opts.signal(Kind(k))
		}
	}
}

func (c *Cache) release() {
	for i, bucket := range c.buckets {
		for _, e := range bucket {
			e.Buffer.Unreference()
		}
		c.buckets[i] = nil
	}
	c.n = 0
	c.bytes = 0
}

// Close releases every entry. The cache must not be used afterwards.
func (c *Cache) Close() {
	if c.closed {
		return
	}
	c.release()
	c.closed = true
}

// Stats returns cache statistics.
func (c *Cache) Stats() Stats {
	s := c.stats
	s.Entries = c.n
	s.Bytes = c.bytes
	return s
}
