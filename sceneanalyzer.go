// Package sceneanalyzer analyzes the most recent photo of a scene with a
// remote vision service and publishes an annotated result for polling
// clients.
//
// Basic usage:
//
//	package main
//
//	import (
//		"context"
//		"fmt"
//		"log"
//		"os"
//
//		sceneanalyzer "github.com/menta2k/scene-analyzer"
//		"github.com/menta2k/scene-analyzer/internal/config"
//		"github.com/menta2k/scene-analyzer/pkg/ingest"
//	)
//
//	func main() {
//		ctx := context.Background()
//		engine, err := sceneanalyzer.New(ctx, config.Default())
//		if err != nil {
//			log.Fatal(err)
//		}
//		defer engine.Close()
//
//		data, _ := os.ReadFile("photo.jpg")
//		if _, err := engine.StoreImage(data, ingest.Meta{Source: "camera"}); err != nil {
//			log.Fatal(err)
//		}
//
//		result, err := engine.RunCycle(ctx)
//		if err != nil {
//			log.Fatal(err)
//		}
//		fmt.Printf("%d labels, %d faces\n", len(result.Labels), len(result.Faces))
//	}
//
// The engine is made of five parts:
//
// 1. Ingest store (pkg/ingest): holds the single current photo
// 2. Vision facade (pkg/client): bounds every provider call with a timeout
// 3. Orchestrator (pkg/orchestrator): runs the three vision calls and merges them
// 4. Renderer (pkg/render): draws boxes and the label legend
// 5. Result cache (pkg/cache): serves the latest result to pollers
//
// Providers live in pkg/ollama, pkg/llamacpp (through pkg/detection) and
// pkg/rekognition. Past results can be kept in SQLite (pkg/history).
package sceneanalyzer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/menta2k/scene-analyzer/internal/config"
	"github.com/menta2k/scene-analyzer/internal/server"
	"github.com/menta2k/scene-analyzer/pkg/cache"
	"github.com/menta2k/scene-analyzer/pkg/client"
	"github.com/menta2k/scene-analyzer/pkg/detection"
	"github.com/menta2k/scene-analyzer/pkg/history"
	"github.com/menta2k/scene-analyzer/pkg/ingest"
	"github.com/menta2k/scene-analyzer/pkg/llamacpp"
	"github.com/menta2k/scene-analyzer/pkg/ollama"
	"github.com/menta2k/scene-analyzer/pkg/orchestrator"
	"github.com/menta2k/scene-analyzer/pkg/processing"
	"github.com/menta2k/scene-analyzer/pkg/reference"
	"github.com/menta2k/scene-analyzer/pkg/rekognition"
	"github.com/menta2k/scene-analyzer/pkg/render"
	"github.com/menta2k/scene-analyzer/pkg/types"
)

// Version of the scene analyzer
const Version = "1.0.0"

// Engine wires the ingest store, vision provider, orchestrator, renderer
// and result cache together
type Engine struct {
	config       *config.Config
	logger       *slog.Logger
	ingest       *ingest.Store
	cache        *cache.Cache
	facade       *client.Facade
	orchestrator *orchestrator.Orchestrator
	history      *history.Store
}

// Stats combines the counters of every component
type Stats struct {
	Ingest       ingest.Stats       `json:"ingest"`
	Cache        cache.Stats        `json:"cache"`
	Orchestrator orchestrator.Stats `json:"orchestrator"`
}

type options struct {
	vision client.VisionClient
	logger *slog.Logger
}

// Option customizes New
type Option func(*options)

// WithVisionClient replaces the provider selected by vision.backend
func WithVisionClient(vc client.VisionClient) Option {
	return func(o *options) { o.vision = vc }
}

// WithLogger sets the logger used by every component
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// New validates cfg and builds an engine
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Engine, error) {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	palette, err := render.ParsePalette(cfg.Render.Palette)
	if err != nil {
		return nil, err
	}

	processor := processing.NewProcessor()
	library := reference.NewLibrary(cfg.Analysis.Collections, processor, cfg.Vision.SendSize, cfg.Vision.SendQuality)

	provider := o.vision
	if provider == nil {
		provider, err = NewProvider(ctx, cfg, library, o.logger)
		if err != nil {
			return nil, err
		}
	}

	e := &Engine{
		config: cfg,
		logger: o.logger,
		ingest: ingest.New(ingest.Config{Quality: cfg.Ingest.Quality, MinImageSize: cfg.Ingest.MinImageSize, SupportedFormats: cfg.Ingest.SupportedFormats}, processor, o.logger),
		cache:  cache.New(),
		facade: client.NewFacade(provider, cfg.Vision.Timeout.Duration),
	}

	orchOpts := []orchestrator.Option{orchestrator.WithLogger(o.logger)}
	if cfg.History.Enabled {
		e.history, err = history.Open(cfg.History.Path, o.logger)
		if err != nil {
			return nil, err
		}
		orchOpts = append(orchOpts, orchestrator.WithRecorder(&prunedRecorder{store: e.history, keep: cfg.History.Keep}))
	}

	renderer := render.New(render.Config{
		Format:   cfg.Render.Format,
		Quality:  cfg.Render.Quality,
		Lossless: cfg.Render.Lossless,
		Stroke:   cfg.Render.Stroke,
		Palette:  palette,
	})

	e.orchestrator = orchestrator.New(orchestrator.Config{
		MatchIoUThreshold:   cfg.Analysis.MatchIoUThreshold,
		IdentityConfidence:  cfg.Analysis.IdentityConfidence,
		TopLabels:           cfg.Analysis.TopLabels,
		ReferenceCollection: cfg.Analysis.ReferenceCollection,
	}, e.ingest, e.facade, renderer, e.cache, orchOpts...)

	o.logger.Info("engine: initialized",
		"version", Version,
		"backend", backendName(cfg, o.vision),
		"timeout", cfg.Vision.Timeout.Duration,
		"history", cfg.History.Enabled)

	return e, nil
}

func backendName(cfg *config.Config, injected client.VisionClient) string {
	if injected != nil {
		return "custom"
	}
	return cfg.Vision.Backend
}

// NewProvider builds the vision provider named by cfg.Vision.Backend
func NewProvider(ctx context.Context, cfg *config.Config, library *reference.Library, logger *slog.Logger) (client.VisionClient, error) {
	detCfg := detection.Config{
		Model:               cfg.Vision.Model,
		SendSize:            cfg.Vision.SendSize,
		SendQuality:         cfg.Vision.SendQuality,
		MinLabelConfidence:  cfg.Vision.MinLabelConfidence,
		SimilarityThreshold: cfg.Vision.SimilarityThreshold,
	}

	switch cfg.Vision.Backend {
	case "ollama":
		backend, err := ollama.NewClient(cfg.Vision.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to create ollama client: %w", err)
		}
		return detection.NewDetector(backend, library, detCfg, logger), nil
	case "llamacpp":
		backend, err := llamacpp.NewClient(cfg.Vision.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to create llama.cpp client: %w", err)
		}
		return detection.NewDetector(backend, library, detCfg, logger), nil
	case "rekognition":
		return rekognition.New(ctx, rekognition.Config{
			Region:              cfg.Vision.Region,
			Profile:             cfg.Vision.Profile,
			MaxLabels:           int32(cfg.Vision.MaxLabels),
			MinLabelConfidence:  cfg.Vision.MinLabelConfidence,
			SimilarityThreshold: cfg.Vision.SimilarityThreshold,
		}, library, logger)
	default:
		return nil, fmt.Errorf("unknown vision backend %q", cfg.Vision.Backend)
	}
}

// StoreImage replaces the current photo
func (e *Engine) StoreImage(data []byte, meta ingest.Meta) (string, error) {
	return e.ingest.StoreImage(data, meta)
}

// RunCycle analyzes the current photo and publishes the result
func (e *Engine) RunCycle(ctx context.Context) (types.AnalysisResult, error) {
	return e.orchestrator.RunCycle(ctx)
}

// GetLatest returns the latest published result
func (e *Engine) GetLatest() (types.AnalysisResult, error) {
	return e.cache.GetLatest()
}

// GetLatestImage returns the annotated image of the latest result
func (e *Engine) GetLatestImage() ([]byte, error) {
	return e.cache.GetLatestImage()
}

// Latest returns the latest published snapshot
func (e *Engine) Latest() (cache.Snapshot, error) {
	return e.cache.Latest()
}

// History returns the result history, or nil when it is disabled
func (e *Engine) History() *history.Store {
	return e.history
}

// Stats returns the counters of every component
func (e *Engine) Stats() Stats {
	return Stats{
		Ingest:       e.ingest.Stats(),
		Cache:        e.cache.Stats(),
		Orchestrator: e.orchestrator.Stats(),
	}
}

// Handler returns the HTTP API
func (e *Engine) Handler() http.Handler {
	var hist server.History
	if e.history != nil {
		hist = e.history
	}
	srv := server.NewServer(e.ingest, e.orchestrator, e.cache, hist, server.Config{
		MaxUploadBytes: e.config.Server.MaxUploadBytes,
		HistoryLimit:   e.config.Server.HistoryLimit,
	}, e.logger)
	return srv.ServeMux()
}

// RunPeriodic triggers a cycle every interval until ctx is done. Busy and
// missing-input triggers are skipped quietly.
func (e *Engine) RunPeriodic(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("interval must be positive, got %s", interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.logger.Info("engine: periodic trigger started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("engine: periodic trigger stopped")
			return ctx.Err()
		case <-ticker.C:
			_, err := e.orchestrator.RunCycle(ctx)
			switch {
			case err == nil:
			case errors.Is(err, orchestrator.ErrBusy), errors.Is(err, orchestrator.ErrInputMissing):
				e.logger.Debug("engine: trigger skipped", "reason", err)
			default:
				e.logger.Error("engine: cycle failed", "error", err)
			}
		}
	}
}

// Close releases the history database
func (e *Engine) Close() error {
	if e.history != nil {
		return e.history.Close()
	}
	return nil
}

// prunedRecorder records results and keeps the history bounded
type prunedRecorder struct {
	store *history.Store
	keep  int
}

func (p *prunedRecorder) Record(ctx context.Context, result types.AnalysisResult) error {
	if err := p.store.Record(ctx, result); err != nil {
		return err
	}
	if p.keep > 0 {
		if _, err := p.store.Prune(ctx, p.keep); err != nil {
			return err
		}
	}
	return nil
}
