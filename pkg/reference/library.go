// Package reference holds the known-face collections that CompareFaces
// matches against. A collection id maps to a directory of portraits; the
// identity of each portrait is its file name without extension.
package reference

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/menta2k/scene-analyzer/internal/utils"
	"github.com/menta2k/scene-analyzer/pkg/processing"
)

// ErrUnknownCollection is returned for collection ids with no configured directory
var ErrUnknownCollection = errors.New("reference: unknown collection")

// Face is one reference portrait, normalized to JPEG
type Face struct {
	Identity string
	Path     string
	Bytes    []byte
}

// Library loads reference collections lazily and caches them in memory.
// It is safe for concurrent use.
type Library struct {
	processor   *processing.Processor
	maxDim      int
	quality     int
	collections map[string]string

	mu    sync.RWMutex
	faces map[string][]Face
}

// NewLibrary creates a library over collections (id -> directory). Portraits
// are downsized so their long side is at most maxDim pixels.
func NewLibrary(collections map[string]string, processor *processing.Processor, maxDim, quality int) *Library {
	dirs := make(map[string]string, len(collections))
	for id, dir := range collections {
		dirs[id] = dir
	}
	if processor == nil {
		processor = processing.NewProcessor()
	}
	return &Library{
		processor:   processor,
		maxDim:      maxDim,
		quality:     quality,
		collections: dirs,
		faces:       make(map[string][]Face),
	}
}

// Collections returns the configured collection ids in sorted order
func (l *Library) Collections() []string {
	ids := make([]string, 0, len(l.collections))
	for id := range l.collections {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Faces returns the portraits of a collection, loading them on first use.
// Unreadable files are skipped; an empty directory yields no faces.
func (l *Library) Faces(collectionID string) ([]Face, error) {
	l.mu.RLock()
	if faces, ok := l.faces[collectionID]; ok {
		l.mu.RUnlock()
		return faces, nil
	}
	l.mu.RUnlock()

	dir, ok := l.collections[collectionID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCollection, collectionID)
	}

	faces, err := l.load(dir)
	if err != nil {
		return nil, fmt.Errorf("reference: load collection %q: %w", collectionID, err)
	}

	l.mu.Lock()
	l.faces[collectionID] = faces
	l.mu.Unlock()

	return faces, nil
}

// Evict drops a cached collection so the next Faces call reloads it
func (l *Library) Evict(collectionID string) {
	l.mu.Lock()
	delete(l.faces, collectionID)
	l.mu.Unlock()
}

// Clear drops every cached collection
func (l *Library) Clear() {
	l.mu.Lock()
	l.faces = make(map[string][]Face)
	l.mu.Unlock()
}

func (l *Library) load(dir string) ([]Face, error) {
	paths, err := utils.ListImageFiles(dir)
	if err != nil {
		return nil, err
	}

	faces := make([]Face, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		prepared, err := l.processor.PrepareImageForModel(data, "jpg", l.maxDim, l.quality)
		if err != nil {
			continue
		}
		faces = append(faces, Face{
			Identity: utils.FileStem(path),
			Path:     path,
			Bytes:    prepared,
		})
	}
	return faces, nil
}
