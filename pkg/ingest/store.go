// Package ingest holds the single "current" photo awaiting analysis.
//
// The store has overwrite semantics: StoreImage replaces whatever was there,
// and nothing older than the current image is retained.
package ingest

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/menta2k/scene-analyzer/pkg/processing"
	"github.com/menta2k/scene-analyzer/pkg/types"
)

var (
	// ErrNotFound is returned by GetCurrent before the first image arrives
	ErrNotFound = errors.New("ingest: no current image")
	// ErrInvalidImage is returned for bytes no decoder accepts
	ErrInvalidImage = errors.New("ingest: invalid image")
)

// Meta carries caller supplied information about a captured photo
type Meta struct {
	Source     string
	CapturedAt time.Time
}

// Config holds configuration for the ingest store
type Config struct {
	Quality          int
	MinImageSize     int
	SupportedFormats []string
}

// DefaultConfig returns the default ingest configuration
func DefaultConfig() Config {
	return Config{
		Quality:          90,
		MinImageSize:     16,
		SupportedFormats: []string{"jpeg", "png", "gif", "webp"},
	}
}

// Stats reports store activity
type Stats struct {
	Stored      uint64
	Overwritten uint64
	Rejected    uint64
}

// Store is a single-slot image store safe for concurrent use
type Store struct {
	config    Config
	processor *processing.Processor
	logger    *slog.Logger
	now       func() time.Time

	current atomic.Pointer[types.Image]

	stored      atomic.Uint64
	overwritten atomic.Uint64
	rejected    atomic.Uint64
}

// New creates an empty store
func New(config Config, processor *processing.Processor, logger *slog.Logger) *Store {
	if processor == nil {
		processor = processing.NewProcessor()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		config:    config,
		processor: processor,
		logger:    logger,
		now:       time.Now,
	}
}

// StoreImage validates and normalizes data, then atomically replaces the
// current image. It returns the new image id.
func (s *Store) StoreImage(data []byte, meta Meta) (string, error) {
	img, format, err := s.processor.Decode(data)
	if err != nil {
		s.rejected.Add(1)
		return "", fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	if !s.isFormatSupported(format) {
		s.rejected.Add(1)
		return "", fmt.Errorf("%w: unsupported format %s", ErrInvalidImage, format)
	}

	bounds := img.Bounds()
	if bounds.Dx() < s.config.MinImageSize || bounds.Dy() < s.config.MinImageSize {
		s.rejected.Add(1)
		return "", fmt.Errorf("%w: image too small: %dx%d (minimum: %d)",
			ErrInvalidImage, bounds.Dx(), bounds.Dy(), s.config.MinImageSize)
	}

	normalized, err := s.processor.Encode(img, "jpg", s.config.Quality, false)
	if err != nil {
		s.rejected.Add(1)
		return "", fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}

	capturedAt := meta.CapturedAt
	if capturedAt.IsZero() {
		capturedAt = s.now()
	}

	next := &types.Image{
		ID:         uuid.New().String(),
		Bytes:      normalized,
		Width:      bounds.Dx(),
		Height:     bounds.Dy(),
		Format:     "jpeg",
		CapturedAt: capturedAt,
	}

	if prev := s.current.Swap(next); prev != nil {
		s.overwritten.Add(1)
	}
	s.stored.Add(1)

	s.logger.Info("ingest: image stored",
		"image_id", next.ID,
		"source", meta.Source,
		"width", next.Width,
		"height", next.Height,
		"original_format", format)

	return next.ID, nil
}

// GetCurrent returns the current image. The returned bytes must not be modified.
func (s *Store) GetCurrent() (types.Image, error) {
	img := s.current.Load()
	if img == nil {
		return types.Image{}, ErrNotFound
	}
	return *img, nil
}

// Stats returns a snapshot of the store counters
func (s *Store) Stats() Stats {
	return Stats{
		Stored:      s.stored.Load(),
		Overwritten: s.overwritten.Load(),
		Rejected:    s.rejected.Load(),
	}
}

func (s *Store) isFormatSupported(format string) bool {
	if len(s.config.SupportedFormats) == 0 {
		return true
	}
	for _, supported := range s.config.SupportedFormats {
		if strings.EqualFold(format, supported) {
			return true
		}
	}
	return false
}
