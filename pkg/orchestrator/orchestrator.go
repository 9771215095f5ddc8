// Package orchestrator runs analysis cycles: it reads the current image,
// fans out the three vision calls, merges their results, renders the
// annotated image and publishes one immutable result per cycle.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/menta2k/scene-analyzer/pkg/client"
	"github.com/menta2k/scene-analyzer/pkg/render"
	"github.com/menta2k/scene-analyzer/pkg/types"
)

var (
	// ErrBusy rejects a trigger while another cycle is in flight
	ErrBusy = errors.New("orchestrator: cycle already in progress")
	// ErrInputMissing means there is no current image to analyze
	ErrInputMissing = errors.New("orchestrator: no input image")
)

// ImageSource provides the image to analyze
type ImageSource interface {
	GetCurrent() (types.Image, error)
}

// Renderer draws the annotated image
type Renderer interface {
	Render(src []byte, overlays []render.Overlay, legend []string) ([]byte, error)
	Format() string
	Palette() render.Palette
}

// Publisher receives every completed result
type Publisher interface {
	Publish(result types.AnalysisResult, image []byte, imageFormat string) uint64
}

// Recorder optionally persists published results
type Recorder interface {
	Record(ctx context.Context, result types.AnalysisResult) error
}

// Config holds the merge and overlay parameters
type Config struct {
	MatchIoUThreshold   float64
	IdentityConfidence  float64
	TopLabels           int
	ReferenceCollection string
}

// DefaultConfig returns IoU 0.5, identity cutoff 0.8 and five overlay labels
func DefaultConfig() Config {
	return Config{
		MatchIoUThreshold:   0.5,
		IdentityConfidence:  0.8,
		TopLabels:           5,
		ReferenceCollection: "default",
	}
}

// Stats counts trigger outcomes
type Stats struct {
	Cycles       uint64
	Busy         uint64
	InputMissing uint64
	Degraded     uint64
	FullyFailed  uint64
}

// Orchestrator coordinates analysis cycles. At most one cycle runs at a time.
type Orchestrator struct {
	config    Config
	source    ImageSource
	vision    client.VisionClient
	renderer  Renderer
	publisher Publisher
	recorder  Recorder
	logger    *slog.Logger
	now       func() time.Time

	mu sync.Mutex

	cycles       atomic.Uint64
	busy         atomic.Uint64
	inputMissing atomic.Uint64
	degraded     atomic.Uint64
	fullyFailed  atomic.Uint64
}

// Option customizes an Orchestrator
type Option func(*Orchestrator)

// WithRecorder records every published result
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an orchestrator. vision should normally be a *client.Facade so
// that every call is bounded by a timeout.
func New(config Config, source ImageSource, vision client.VisionClient, renderer Renderer, publisher Publisher, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		config:    config,
		source:    source,
		vision:    vision,
		renderer:  renderer,
		publisher: publisher,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// RunCycle performs one analysis cycle and publishes its result.
//
// It returns ErrBusy immediately if a cycle is already running and
// ErrInputMissing if there is no image; in both cases nothing is published.
// Vision and render failures never fail the cycle; they are recorded in the
// published result.
func (o *Orchestrator) RunCycle(ctx context.Context) (types.AnalysisResult, error) {
	if !o.mu.TryLock() {
		o.busy.Add(1)
		return types.AnalysisResult{}, ErrBusy
	}
	defer o.mu.Unlock()

	started := o.now()
	img, err := o.source.GetCurrent()
	if err != nil {
		o.inputMissing.Add(1)
		return types.AnalysisResult{}, fmt.Errorf("%w: %v", ErrInputMissing, err)
	}

	// The trigger caller going away must not degrade a cycle already running
	callCtx := context.WithoutCancel(ctx)

	var (
		wg         sync.WaitGroup
		labels     []types.Label
		details    []types.FaceDetail
		matches    []types.FaceMatch
		labelsErr  error
		facesErr   error
		matchesErr error
	)
	wg.Add(3)
	go func() {
		defer wg.Done()
		labels, labelsErr = o.vision.DetectLabels(callCtx, img)
	}()
	go func() {
		defer wg.Done()
		details, facesErr = o.vision.DetectFaces(callCtx, img)
	}()
	go func() {
		defer wg.Done()
		matches, matchesErr = o.vision.CompareFaces(callCtx, img, o.config.ReferenceCollection)
	}()
	wg.Wait()

	var failures []types.SubCallFailure
	for _, c := range []struct {
		call types.Call
		err  error
	}{
		{types.CallLabels, labelsErr},
		{types.CallFaces, facesErr},
		{types.CallMatches, matchesErr},
	} {
		if c.err == nil {
			continue
		}
		kind := client.KindOf(c.err)
		failures = append(failures, types.SubCallFailure{Call: c.call, Kind: kind})
		o.logger.Warn("orchestrator: vision call failed",
			"image_id", img.ID, "call", c.call, "kind", kind, "error", c.err)
	}
	if labelsErr != nil {
		labels = nil
	}
	if facesErr != nil {
		details = nil
	}
	if matchesErr != nil {
		matches = nil
	}

	var faces []types.CombinedFace
	if facesErr != nil && matchesErr == nil {
		faces = FacesFromMatches(matches)
	} else {
		faces = MergeFaces(details, matches, o.config.MatchIoUThreshold)
	}
	sorted := SortLabels(ConsolidateLabels(labels))
	selected := TopLabels(sorted, o.config.TopLabels)

	result := types.AnalysisResult{
		ID:              uuid.New().String(),
		SourceImageID:   img.ID,
		Labels:          sorted,
		Faces:           faces,
		PartialFailures: failures,
		FullyFailed:     len(failures) == 3,
		StartedAt:       started,
	}
	if result.Labels == nil {
		result.Labels = []types.Label{}
	}
	if result.PartialFailures == nil {
		result.PartialFailures = []types.SubCallFailure{}
	}

	overlays := BuildOverlays(faces, selected, o.renderer.Palette(), o.config.IdentityConfidence)
	annotated, err := o.renderer.Render(img.Bytes, overlays, Legend(selected))
	if err != nil {
		result.RenderError = err.Error()
		annotated = nil
		o.logger.Error("orchestrator: render failed", "image_id", img.ID, "error", err)
	} else {
		result.AnnotatedImageRef = fmt.Sprintf("%s.%s", result.ID, o.renderer.Format())
	}
	result.CompletedAt = o.now()

	gen := o.publisher.Publish(result, annotated, o.renderer.Format())

	o.cycles.Add(1)
	if result.Degraded() {
		o.degraded.Add(1)
	}
	if result.FullyFailed {
		o.fullyFailed.Add(1)
	}

	o.logger.Info("orchestrator: cycle completed",
		"result_id", result.ID,
		"image_id", img.ID,
		"generation", gen,
		"labels", len(result.Labels),
		"faces", len(result.Faces),
		"failures", len(result.PartialFailures),
		"fully_failed", result.FullyFailed,
		"duration", result.CompletedAt.Sub(started))

	if o.recorder != nil {
		if err := o.recorder.Record(callCtx, result); err != nil {
			o.logger.Error("orchestrator: history record failed", "result_id", result.ID, "error", err)
		}
	}

	return result.Clone(), nil
}

// Stats returns trigger counters
func (o *Orchestrator) Stats() Stats {
	return Stats{
		Cycles:       o.cycles.Load(),
		Busy:         o.busy.Load(),
		InputMissing: o.inputMissing.Load(),
		Degraded:     o.degraded.Load(),
		FullyFailed:  o.fullyFailed.Load(),
	}
}
