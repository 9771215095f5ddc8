package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	sceneanalyzer "github.com/menta2k/scene-analyzer"
	"github.com/menta2k/scene-analyzer/internal/config"
	"github.com/menta2k/scene-analyzer/internal/utils"
	"github.com/menta2k/scene-analyzer/pkg/ingest"
	"github.com/menta2k/scene-analyzer/pkg/processing"
)

func main() {
	var configPath, addr, in, outDir, backend, url, model string
	var logFormat, logLevel string
	var interval time.Duration
	var serve, showVersion, writeConfig bool

	flag.StringVar(&configPath, "config", "", "configuration file (default "+config.GetConfigPath()+" when present)")
	flag.BoolVar(&serve, "serve", false, "run the HTTP API and periodic trigger")
	flag.StringVar(&addr, "addr", "", "listen address, overrides server.addr")
	flag.DurationVar(&interval, "interval", -1, "periodic trigger interval, 0 disables, overrides schedule.interval")

	flag.StringVar(&in, "in", "", "one-shot mode: input image path, URL or directory")
	flag.StringVar(&outDir, "out", "out", "one-shot mode: output directory")

	flag.StringVar(&backend, "backend", "", "vision backend: ollama|llamacpp|rekognition")
	flag.StringVar(&url, "url", "", "vision server URL")
	flag.StringVar(&model, "model", "", "vision model name")

	flag.StringVar(&logFormat, "log-format", "text", "log format: text|json")
	flag.StringVar(&logLevel, "log-level", "info", "log level: debug|info|warn|error")
	flag.BoolVar(&writeConfig, "write-config", false, "write the effective configuration to -config and exit")
	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println("scene-analyzer", sceneanalyzer.Version)
		return
	}

	logger := newLogger(logFormat, logLevel)
	slog.SetDefault(logger)

	cfg, err := loadConfig(configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if backend != "" {
		cfg.Vision.Backend = backend
	}
	if url != "" {
		cfg.Vision.URL = url
	}
	if model != "" {
		cfg.Vision.Model = model
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}
	if interval >= 0 {
		cfg.Schedule.Interval = config.Duration{Duration: interval}
	}

	if writeConfig {
		path := configPath
		if path == "" {
			path = config.GetConfigPath()
		}
		if err := cfg.SaveToFile(path); err != nil {
			log.Fatal(err)
		}
		log.Printf("wrote %s", path)
		return
	}

	if !serve && in == "" {
		log.Fatalf("usage: %s -serve [-config file] [-addr :8090] | -in input.jpg|URL|dir [-out outdir] [-backend ollama|llamacpp|rekognition]", filepath.Base(os.Args[0]))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine, err := sceneanalyzer.New(ctx, cfg, sceneanalyzer.WithLogger(logger))
	if err != nil {
		log.Fatalf("Failed to create engine: %v", err)
	}

	work := func(ctx context.Context, e *sceneanalyzer.Engine) error {
		return runOnce(ctx, e, in, outDir)
	}
	if serve {
		work = func(ctx context.Context, e *sceneanalyzer.Engine) error {
			return runServer(ctx, e, cfg, logger)
		}
	}
	if err := runAndClose(ctx, engine, work); err != nil {
		log.Fatal(err)
	}
}

// runAndClose runs work and always closes the engine afterwards; callers
// exit through log.Fatal, which skips deferred calls.
func runAndClose(ctx context.Context, engine *sceneanalyzer.Engine, work func(context.Context, *sceneanalyzer.Engine) error) error {
	err := work(ctx, engine)
	if cerr := engine.Close(); cerr != nil {
		slog.Error("failed to close engine", "error", cerr)
		if err == nil {
			err = cerr
		}
	}
	return err
}

func newLogger(format, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	if def := config.GetConfigPath(); fileExists(def) {
		return config.LoadFromFile(def)
	}
	return config.Default(), nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func runServer(ctx context.Context, engine *sceneanalyzer.Engine, cfg *config.Config, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      engine.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server: listening", "addr", cfg.Server.Addr)
		errCh <- srv.ListenAndServe()
	}()

	if cfg.Schedule.Interval.Duration > 0 {
		go func() {
			_ = engine.RunPeriodic(ctx, cfg.Schedule.Interval.Duration)
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("server: shutting down")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// runOnce analyzes each input in turn and writes <stem>.json plus the
// annotated image into outDir.
func runOnce(ctx context.Context, engine *sceneanalyzer.Engine, in, outDir string) error {
	if err := utils.EnsureDir(outDir); err != nil {
		return err
	}

	inputs := []string{in}
	if utils.DirExists(in) {
		files, err := utils.ListImageFiles(in)
		if err != nil {
			return err
		}
		if len(files) == 0 {
			return fmt.Errorf("no image files in %s", in)
		}
		inputs = files
	}

	processor := processing.NewProcessor()
	for _, input := range inputs {
		data, err := processor.LoadImageSmart(input)
		if err != nil {
			return err
		}
		if _, err := engine.StoreImage(data, ingest.Meta{Source: input}); err != nil {
			return fmt.Errorf("%s: %w", input, err)
		}

		result, err := engine.RunCycle(ctx)
		if err != nil {
			return fmt.Errorf("%s: %w", input, err)
		}

		log.Printf("%s: labels=%d faces=%d failures=%d", input, len(result.Labels), len(result.Faces), len(result.PartialFailures))
		for _, f := range result.PartialFailures {
			log.Printf("  %s failed: %s", f.Call, f.Kind)
		}

		stem := utils.FileStem(input)
		jsonPath := utils.OutputPath(outDir, stem, "json")
		data, err = json.MarshalIndent(result, "", "  ")
		if err != nil {
			return err
		}
		if err := os.WriteFile(jsonPath, data, 0o644); err != nil {
			return err
		}
		log.Printf("wrote %s", jsonPath)

		snap, err := engine.Latest()
		if err != nil {
			return err
		}
		if len(snap.Image) == 0 {
			log.Printf("no annotated image: %s", result.RenderError)
			continue
		}
		imgPath := utils.OutputPath(outDir, stem+"_annotated", snap.ImageFormat)
		if err := os.WriteFile(imgPath, snap.Image, 0o644); err != nil {
			return err
		}
		log.Printf("wrote %s", imgPath)
	}
	return nil
}
