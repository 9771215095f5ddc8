// Package cache holds the latest published analysis for polling clients.
//
// A result and its annotated image are published together as one immutable
// snapshot behind a single atomic pointer. Readers either see the whole
// previous snapshot or the whole new one, never a mix.
package cache

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/menta2k/scene-analyzer/pkg/types"
)

// ErrEmpty is returned before the first publish
var ErrEmpty = errors.New("cache: no analysis published yet")

// Snapshot is one published generation
type Snapshot struct {
	Generation  uint64
	Result      types.AnalysisResult
	Image       []byte
	ImageFormat string
	PublishedAt time.Time
}

type snapshot struct {
	generation  uint64
	result      types.AnalysisResult
	image       []byte
	imageFormat string
	publishedAt time.Time
}

// Stats reports cache activity
type Stats struct {
	Generation uint64
	Publishes  uint64
	Reads      uint64
}

// Cache is safe for one publisher and any number of concurrent readers
type Cache struct {
	mu      sync.Mutex // serializes publishers
	current atomic.Pointer[snapshot]
	reads   atomic.Uint64
	now     func() time.Time
}

// New creates an empty cache
func New() *Cache {
	return &Cache{now: time.Now}
}

// Publish replaces the current snapshot with result and its annotated image
// and returns the new generation number. Both arguments are copied.
func (c *Cache) Publish(result types.AnalysisResult, image []byte, imageFormat string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	var gen uint64 = 1
	if prev := c.current.Load(); prev != nil {
		gen = prev.generation + 1
	}

	next := &snapshot{
		generation:  gen,
		result:      result.Clone(),
		image:       cloneBytes(image),
		imageFormat: imageFormat,
		publishedAt: c.now(),
	}
	c.current.Store(next)
	return gen
}

// GetLatest returns a copy of the current analysis result
func (c *Cache) GetLatest() (types.AnalysisResult, error) {
	s := c.load()
	if s == nil {
		return types.AnalysisResult{}, ErrEmpty
	}
	return s.result.Clone(), nil
}

// GetLatestImage returns a copy of the current annotated image. The slice is
// nil when the current generation has no annotated image.
func (c *Cache) GetLatestImage() ([]byte, error) {
	s := c.load()
	if s == nil {
		return nil, ErrEmpty
	}
	return cloneBytes(s.image), nil
}

// Latest returns result and image from the same generation
func (c *Cache) Latest() (Snapshot, error) {
	s := c.load()
	if s == nil {
		return Snapshot{}, ErrEmpty
	}
	return Snapshot{
		Generation:  s.generation,
		Result:      s.result.Clone(),
		Image:       cloneBytes(s.image),
		ImageFormat: s.imageFormat,
		PublishedAt: s.publishedAt,
	}, nil
}

// Generation returns the current generation, 0 when empty
func (c *Cache) Generation() uint64 {
	if s := c.current.Load(); s != nil {
		return s.generation
	}
	return 0
}

// Stats returns cache counters
func (c *Cache) Stats() Stats {
	gen := c.Generation()
	return Stats{
		Generation: gen,
		Publishes:  gen,
		Reads:      c.reads.Load(),
	}
}

func (c *Cache) load() *snapshot {
	c.reads.Add(1)
	return c.current.Load()
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
