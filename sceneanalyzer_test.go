package sceneanalyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/scene-analyzer/internal/config"
	"github.com/menta2k/scene-analyzer/pkg/detection"
	"github.com/menta2k/scene-analyzer/pkg/ingest"
	"github.com/menta2k/scene-analyzer/pkg/orchestrator"
	"github.com/menta2k/scene-analyzer/pkg/reference"
	"github.com/menta2k/scene-analyzer/pkg/types"
)

type fakeVision struct {
	labels  []types.Label
	faces   []types.FaceDetail
	matches []types.FaceMatch
	block   bool
}

func (f *fakeVision) DetectLabels(context.Context, types.Image) ([]types.Label, error) {
	return f.labels, nil
}

func (f *fakeVision) DetectFaces(context.Context, types.Image) ([]types.FaceDetail, error) {
	return f.faces, nil
}

func (f *fakeVision) CompareFaces(ctx context.Context, _ types.Image, _ string) ([]types.FaceMatch, error) {
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.matches, nil
}

var aliceBox = types.Box{Left: 0.3, Top: 0.2, Width: 0.25, Height: 0.4}

func sceneVision() *fakeVision {
	return &fakeVision{
		labels: []types.Label{
			{Name: "Indoors", Confidence: 0.91},
			{Name: "Person", Confidence: 0.992},
		},
		faces:   []types.FaceDetail{{Box: aliceBox, Confidence: 0.99}},
		matches: []types.FaceMatch{{Box: aliceBox, IdentityID: "alice", Similarity: 0.95}},
	}
}

func photo(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 200, 150))
	for y := 0; y < 150; y++ {
		for x := 0; x < 200; x++ {
			img.Set(x, y, color.NRGBA{uint8(x), uint8(y), 120, 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newTestEngine(t *testing.T, cfg *config.Config, vision *fakeVision) *Engine {
	t.Helper()
	e, err := New(context.Background(), cfg, WithVisionClient(vision))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestEngineCycle(t *testing.T) {
	e := newTestEngine(t, config.Default(), sceneVision())

	_, err := e.RunCycle(context.Background())
	assert.ErrorIs(t, err, orchestrator.ErrInputMissing)

	imageID, err := e.StoreImage(photo(t), ingest.Meta{Source: "test"})
	require.NoError(t, err)

	result, err := e.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, imageID, result.SourceImageID)
	assert.False(t, result.Degraded())
	require.Len(t, result.Labels, 2)
	assert.Equal(t, "Person", result.Labels[0].Name)
	require.Len(t, result.Faces, 1)
	require.NotNil(t, result.Faces[0].Identity)
	assert.Equal(t, "alice", result.Faces[0].Identity.ID)
	assert.Equal(t, result.ID+".png", result.AnnotatedImageRef)

	latest, err := e.GetLatest()
	require.NoError(t, err)
	assert.Equal(t, result.ID, latest.ID)

	annotated, err := e.GetLatestImage()
	require.NoError(t, err)
	img, format, err := image.Decode(bytes.NewReader(annotated))
	require.NoError(t, err)
	assert.Equal(t, "png", format)
	assert.Equal(t, 200, img.Bounds().Dx())

	stats := e.Stats()
	assert.Equal(t, uint64(1), stats.Ingest.Stored)
	assert.Equal(t, uint64(1), stats.Orchestrator.Cycles)
	assert.Equal(t, uint64(1), stats.Orchestrator.InputMissing)
}

func TestEngineTimeoutDegradesCycle(t *testing.T) {
	cfg := config.Default()
	cfg.Vision.Timeout = config.Duration{Duration: 30 * time.Millisecond}
	vision := sceneVision()
	vision.block = true
	e := newTestEngine(t, cfg, vision)

	_, err := e.StoreImage(photo(t), ingest.Meta{})
	require.NoError(t, err)

	start := time.Now()
	result, err := e.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)

	assert.Equal(t, []types.SubCallFailure{{Call: types.CallMatches, Kind: types.KindTimeout}}, result.PartialFailures)
	assert.False(t, result.FullyFailed)
	require.Len(t, result.Faces, 1)
	assert.Nil(t, result.Faces[0].Identity)
	assert.NotEmpty(t, result.AnnotatedImageRef)
}

func TestEngineHistory(t *testing.T) {
	cfg := config.Default()
	cfg.History.Enabled = true
	cfg.History.Path = filepath.Join(t.TempDir(), "history.db")
	cfg.History.Keep = 2
	e := newTestEngine(t, cfg, sceneVision())
	require.NotNil(t, e.History())

	_, err := e.StoreImage(photo(t), ingest.Meta{})
	require.NoError(t, err)
	var last types.AnalysisResult
	for i := 0; i < 3; i++ {
		last, err = e.RunCycle(context.Background())
		require.NoError(t, err)
	}

	n, err := e.History().Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	srv := httptest.NewServer(e.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/analysis/history")
	require.NoError(t, err)
	defer resp.Body.Close()
	var results []types.AnalysisResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&results))
	require.Len(t, results, 2)
	assert.Equal(t, last.ID, results[0].ID)
}

func TestEngineHandler(t *testing.T) {
	e := newTestEngine(t, config.Default(), sceneVision())
	srv := httptest.NewServer(e.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/analysis/history")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "history disabled")

	resp, err = http.Post(srv.URL+"/upload/image", "image/png", bytes.NewReader(photo(t)))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/analyze", "", nil)
	require.NoError(t, err)
	var result types.AnalysisResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/analysis/latest/image?ref=" + result.AnnotatedImageRef)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
}

func TestRunPeriodic(t *testing.T) {
	e := newTestEngine(t, config.Default(), sceneVision())
	assert.Error(t, e.RunPeriodic(context.Background(), 0))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.RunPeriodic(ctx, 10*time.Millisecond) }()

	require.Eventually(t, func() bool { return e.Stats().Orchestrator.InputMissing > 0 }, time.Second, 5*time.Millisecond)

	_, err := e.StoreImage(photo(t), ingest.Meta{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return e.Stats().Cache.Generation > 0 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("RunPeriodic did not stop")
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Analysis.MatchIoUThreshold = 2
	_, err := New(context.Background(), cfg, WithVisionClient(sceneVision()))
	assert.Error(t, err)
}

func TestNewProvider(t *testing.T) {
	library := reference.NewLibrary(nil, nil, 0, 0)

	for _, backend := range []string{"ollama", "llamacpp"} {
		cfg := config.Default()
		cfg.Vision.Backend = backend
		provider, err := NewProvider(context.Background(), cfg, library, nil)
		require.NoError(t, err, backend)
		assert.IsType(t, &detection.Detector{}, provider)
	}

	cfg := config.Default()
	cfg.Vision.Backend = "clip"
	_, err := NewProvider(context.Background(), cfg, library, nil)
	assert.Error(t, err)

	cfg = config.Default()
	cfg.Vision.URL = "localhost"
	_, err = NewProvider(context.Background(), cfg, library, nil)
	assert.Error(t, err)
}
