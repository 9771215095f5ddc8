package server

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/scene-analyzer/pkg/cache"
	"github.com/menta2k/scene-analyzer/pkg/history"
	"github.com/menta2k/scene-analyzer/pkg/ingest"
	"github.com/menta2k/scene-analyzer/pkg/orchestrator"
	"github.com/menta2k/scene-analyzer/pkg/types"
)

type fakeTrigger struct {
	result types.AnalysisResult
	err    error
}

func (f *fakeTrigger) RunCycle(context.Context) (types.AnalysisResult, error) {
	return f.result, f.err
}

type fakeHistory struct {
	results   []types.AnalysisResult
	sightings []history.Sighting
	lastLimit int
}

func (f *fakeHistory) Recent(_ context.Context, n int) ([]types.AnalysisResult, error) {
	f.lastLimit = n
	if n < len(f.results) {
		return f.results[:n], nil
	}
	return f.results, nil
}

func (f *fakeHistory) Sightings(_ context.Context, identity string, n int) ([]history.Sighting, error) {
	f.lastLimit = n
	var out []history.Sighting
	for _, s := range f.sightings {
		if s.IdentityID == identity {
			out = append(out, s)
		}
	}
	return out, nil
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{uint8(x), uint8(y), 0, 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type testEnv struct {
	server  *httptest.Server
	store   *ingest.Store
	cache   *cache.Cache
	trigger *fakeTrigger
	history *fakeHistory
}

func newTestEnv(t *testing.T, withHistory bool) *testEnv {
	t.Helper()
	env := &testEnv{
		store:   ingest.New(ingest.DefaultConfig(), nil, nil),
		cache:   cache.New(),
		trigger: &fakeTrigger{},
		history: &fakeHistory{},
	}
	var hist History
	if withHistory {
		hist = env.history
	}
	srv := NewServer(env.store, env.trigger, env.cache, hist, Config{MaxUploadBytes: 64 << 10, HistoryLimit: 3}, nil)
	env.server = httptest.NewServer(srv.ServeMux())
	t.Cleanup(env.server.Close)
	return env
}

func (e *testEnv) url(path string) string {
	return e.server.URL + path
}

func decodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, false)

	resp, err := http.Get(env.url("/health"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]any
	decodeJSON(t, resp, &body)
	assert.Equal(t, "ok", body["status"])
	assert.NotContains(t, body, "generation")

	env.cache.Publish(types.AnalysisResult{ID: "r1"}, nil, "png")
	resp, err = http.Get(env.url("/health"))
	require.NoError(t, err)
	decodeJSON(t, resp, &body)
	assert.Equal(t, float64(1), body["generation"])
}

func TestUploadRawBody(t *testing.T) {
	env := newTestEnv(t, false)

	resp, err := http.Post(env.url("/upload/image?source=cam1&captured_at=2026-03-01T10:00:00Z"), "image/png", bytes.NewReader(pngBytes(t, 40, 30)))
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	var body map[string]string
	decodeJSON(t, resp, &body)

	img, err := env.store.GetCurrent()
	require.NoError(t, err)
	assert.Equal(t, body["image_id"], img.ID)
	assert.Equal(t, 40, img.Width)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), img.CapturedAt.UTC())
}

func TestUploadMultipart(t *testing.T) {
	env := newTestEnv(t, false)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("image", "photo.png")
	require.NoError(t, err)
	_, err = fw.Write(pngBytes(t, 32, 32))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err := http.Post(env.url("/upload/image"), mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	_, err = env.store.GetCurrent()
	assert.NoError(t, err)
}

func TestUploadRejects(t *testing.T) {
	env := newTestEnv(t, false)

	tests := []struct {
		name   string
		path   string
		body   []byte
		status int
	}{
		{"garbage", "/upload/image", []byte("not an image"), http.StatusUnprocessableEntity},
		{"empty", "/upload/image", nil, http.StatusBadRequest},
		{"too large", "/upload/image", make([]byte, 65<<10), http.StatusRequestEntityTooLarge},
		{"bad timestamp", "/upload/image?captured_at=yesterday", pngBytes(t, 20, 20), http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(env.url(tt.path), "application/octet-stream", bytes.NewReader(tt.body))
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}

	_, err := env.store.GetCurrent()
	assert.ErrorIs(t, err, ingest.ErrNotFound)
}

func TestAnalyzeStatusCodes(t *testing.T) {
	env := newTestEnv(t, false)

	tests := []struct {
		err    error
		status int
	}{
		{nil, http.StatusOK},
		{orchestrator.ErrBusy, http.StatusConflict},
		{orchestrator.ErrInputMissing, http.StatusNotFound},
		{context.Canceled, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		env.trigger.err = tt.err
		env.trigger.result = types.AnalysisResult{ID: "res"}
		resp, err := http.Post(env.url("/analyze"), "", nil)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, tt.status, resp.StatusCode, "%v", tt.err)
	}

	resp, err := http.Get(env.url("/analyze"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestLatest(t *testing.T) {
	env := newTestEnv(t, false)

	resp, err := http.Get(env.url("/analysis/latest"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	env.cache.Publish(types.AnalysisResult{
		ID:              "r1",
		Labels:          []types.Label{{Name: "Person", Confidence: 0.992}},
		Faces:           []types.CombinedFace{},
		PartialFailures: []types.SubCallFailure{{Call: types.CallMatches, Kind: types.KindTimeout}},
	}, []byte("png"), "png")

	resp, err = http.Get(env.url("/analysis/latest"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `"1"`, resp.Header.Get("ETag"))
	var body latestResponse
	decodeJSON(t, resp, &body)
	assert.Equal(t, uint64(1), body.Generation)
	assert.Equal(t, "r1", body.Result.ID)
	assert.Equal(t, []types.SubCallFailure{{Call: types.CallMatches, Kind: types.KindTimeout}}, body.Result.PartialFailures)

	req, _ := http.NewRequest(http.MethodGet, env.url("/analysis/latest"), nil)
	req.Header.Set("If-None-Match", `"1"`)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotModified, resp.StatusCode)
}

func TestLatestImage(t *testing.T) {
	env := newTestEnv(t, false)
	annotated := pngBytes(t, 10, 10)
	env.cache.Publish(types.AnalysisResult{ID: "r1", AnnotatedImageRef: "r1.png"}, annotated, "png")

	resp, err := http.Get(env.url("/analysis/latest/image?ref=r1.png"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	var got bytes.Buffer
	_, err = got.ReadFrom(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, annotated, got.Bytes())

	env.cache.Publish(types.AnalysisResult{ID: "r2", AnnotatedImageRef: "r2.png"}, annotated, "png")
	resp, err = http.Get(env.url("/analysis/latest/image?ref=r1.png"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	env.cache.Publish(types.AnalysisResult{ID: "r3", RenderError: "render: boom"}, nil, "png")
	resp, err = http.Get(env.url("/analysis/latest/image"))
	require.NoError(t, err)
	var body map[string]string
	decodeJSON(t, resp, &body)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, body["error"], "render: boom")
}

func TestHistory(t *testing.T) {
	env := newTestEnv(t, true)
	env.history.results = []types.AnalysisResult{{ID: "a"}, {ID: "b"}, {ID: "c"}, {ID: "d"}}
	env.history.sightings = []history.Sighting{{ResultID: "a", IdentityID: "alice", Confidence: 0.9}}

	resp, err := http.Get(env.url("/analysis/history?limit=2"))
	require.NoError(t, err)
	var results []types.AnalysisResult
	decodeJSON(t, resp, &results)
	assert.Len(t, results, 2)

	resp, err = http.Get(env.url("/analysis/history?limit=100"))
	require.NoError(t, err)
	decodeJSON(t, resp, &results)
	assert.Len(t, results, 3, "limit is capped")

	resp, err = http.Get(env.url("/analysis/history?identity=alice"))
	require.NoError(t, err)
	var sightings []history.Sighting
	decodeJSON(t, resp, &sightings)
	require.Len(t, sightings, 1)
	assert.Equal(t, "a", sightings[0].ResultID)

	resp, err = http.Get(env.url("/analysis/history?limit=zero"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHistoryDisabled(t *testing.T) {
	env := newTestEnv(t, false)
	resp, err := http.Get(env.url("/analysis/history"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
