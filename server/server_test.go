package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/pipecount/pkg/imgx"
	"github.com/cyclopcam/pipecount/pkg/nn"
	"github.com/cyclopcam/pipecount/pkg/perfstats"
	"github.com/cyclopcam/pipecount/server/history"
	"github.com/cyclopcam/pipecount/server/storage"
	"github.com/stretchr/testify/require"
)

// stubDetector finds one 20x20 pipe in the top-left corner of every tile
type stubDetector struct {
	err    error
	delay  time.Duration
	closed bool
}

func (d *stubDetector) Close() {
	d.closed = true
}

func (d *stubDetector) Config() *nn.ModelConfig {
	return &nn.ModelConfig{Architecture: "stub", Width: 64, Height: 64, Classes: []string{"pipe"}}
}

func (d *stubDetector) DetectObjects(ctx context.Context, img image.Image, params *nn.DetectionParams) ([]nn.ObjectDetection, error) {
	if d.delay != 0 {
		select {
		case <-time.After(d.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.err != nil {
		return nil, d.err
	}
	return []nn.ObjectDetection{
		{Class: 0, Confidence: 0.9, Box: nn.MakeBox(10, 10, 30, 30)},
	}, nil
}

type failingStorage struct {
	storage.Storage
}

func (f *failingStorage) WriteFile(ctx context.Context, name string) (io.WriteCloser, error) {
	return nil, errors.New("bucket unavailable")
}

func testConfig(t *testing.T) *Config {
	cfg := DefaultConfig()
	cfg.DB = dbh.MakeSqliteConfig(filepath.Join(t.TempDir(), "history.sqlite"))
	cfg.Storage.Memory = true
	cfg.Persist.Mode = PersistSync
	cfg.RateLimit.Requests = 0
	require.NoError(t, cfg.Validate())
	return cfg
}

func newTestServer(t *testing.T, cfg *Config, detector nn.ObjectDetector) *Server {
	s, err := NewServerWithDetector(logs.NewTestingLog(t), cfg, detector)
	require.NoError(t, err)
	t.Cleanup(s.Shutdown)
	return s
}

func testImagePNG(t *testing.T, width, height int) []byte {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{uint8(x), uint8(y), 100, 255})
		}
	}
	b, err := imgx.EncodePNG(img)
	require.NoError(t, err)
	return b
}

// Build a multipart upload. If imageField is empty, no image is attached.
func detectRequest(t *testing.T, path, imageField string, img []byte, fields map[string]string) *http.Request {
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if imageField != "" {
		fw, err := mw.CreateFormFile(imageField, "pipes.png")
		require.NoError(t, err)
		_, err = fw.Write(img)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	r := httptest.NewRequest("POST", path, body)
	r.Header.Set("Content-Type", mw.FormDataContentType())
	return r
}

func serve(s *Server, r *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, r)
	return w
}

func decodeDetect(t *testing.T, w *httptest.ResponseRecorder) *detectResponseJSON {
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := &detectResponseJSON{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), resp))
	return resp
}

func TestMisc(t *testing.T) {
	s := newTestServer(t, testConfig(t), &stubDetector{})

	w := serve(s, httptest.NewRequest("GET", "/", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "Hello, world!", w.Body.String())

	w = serve(s, httptest.NewRequest("GET", "/api/ping", nil))
	require.Equal(t, http.StatusOK, w.Code)
	ping := map[string]int64{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ping))
	require.InDelta(t, time.Now().Unix(), ping["time"], 5)
}

func TestDetectJSON(t *testing.T) {
	s := newTestServer(t, testConfig(t), &stubDetector{})
	img := testImagePNG(t, 200, 100)

	for _, path := range []string{"/api/detect", "/predict"} {
		for _, field := range imageFields {
			resp := decodeDetect(t, serve(s, detectRequest(t, path, field, img, nil)))
			require.Equal(t, 4, resp.PipeCount)
			require.Len(t, resp.Detections, 4)
			require.Equal(t, 4, resp.PoolSize)
			require.Len(t, resp.Tiles, 4)
			require.Equal(t, 200, resp.ImageWidth)
			require.Equal(t, 100, resp.ImageHeight)
			require.Zero(t, resp.RecordID)

			png, err := base64.StdEncoding.DecodeString(resp.AnnotatedImage)
			require.NoError(t, err)
			annotated, err := imgx.Decode(png)
			require.NoError(t, err)
			require.Equal(t, image.Rect(0, 0, 200, 100), annotated.Bounds())
		}
	}

	// A 1x3 grid over the same image still finds one pipe per tile
	resp := decodeDetect(t, serve(s, detectRequest(t, "/api/detect", "file", img, map[string]string{"rows": "1", "cols": "3"})))
	require.Equal(t, 3, resp.PipeCount)
	require.Len(t, resp.Tiles, 3)
}

func TestStats(t *testing.T) {
	s := newTestServer(t, testConfig(t), &stubDetector{})
	img := testImagePNG(t, 200, 100)
	decodeDetect(t, serve(s, detectRequest(t, "/api/detect", "file", img, nil)))
	decodeDetect(t, serve(s, detectRequest(t, "/api/detect", "file", img, map[string]string{"rows": "1", "cols": "1"})))

	w := serve(s, httptest.NewRequest("GET", "/api/stats", nil))
	require.Equal(t, http.StatusOK, w.Code)
	stats := perfstats.DetectStatsJSON{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	require.Equal(t, int64(2), stats.Requests)
	require.Equal(t, int64(5), stats.TotalPipesCounted)
	require.Equal(t, 2.5, stats.AvgTiles)
}

func TestDetectPNG(t *testing.T) {
	s := newTestServer(t, testConfig(t), &stubDetector{})
	w := serve(s, detectRequest(t, "/api/detect", "file", testImagePNG(t, 200, 100), map[string]string{"format": "png"}))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Equal(t, "image/png", w.Header().Get("Content-Type"))
	require.Equal(t, "4", w.Header().Get("X-Pipe-Count"))
	annotated, err := imgx.Decode(w.Body.Bytes())
	require.NoError(t, err)
	require.Equal(t, 200, annotated.Bounds().Dx())
}

func TestDetectBadRequest(t *testing.T) {
	s := newTestServer(t, testConfig(t), &stubDetector{})
	img := testImagePNG(t, 200, 100)

	cases := []struct {
		name string
		r    *http.Request
	}{
		{"missing file", detectRequest(t, "/api/detect", "", nil, map[string]string{"rows": "2"})},
		{"wrong field", detectRequest(t, "/api/detect", "photo", img, nil)},
		{"not multipart", httptest.NewRequest("POST", "/api/detect", bytes.NewReader(img))},
		{"not an image", detectRequest(t, "/api/detect", "file", []byte("not an image"), nil)},
		{"zero rows", detectRequest(t, "/api/detect", "file", img, map[string]string{"rows": "0"})},
		{"rows not a number", detectRequest(t, "/api/detect", "file", img, map[string]string{"rows": "two"})},
		{"conf out of range", detectRequest(t, "/api/detect", "file", img, map[string]string{"conf": "1.5"})},
		{"bad tiling", detectRequest(t, "/api/detect", "file", img, map[string]string{"tiling": "spiral"})},
		{"bad format", detectRequest(t, "/api/detect", "file", img, map[string]string{"format": "gif"})},
		{"bad user", detectRequest(t, "/api/detect", "file", img, map[string]string{"userId": "../x"})},
	}
	for _, c := range cases {
		w := serve(s, c.r)
		require.Equal(t, http.StatusBadRequest, w.Code, c.name)
		require.Equal(t, "application/json", w.Header().Get("Content-Type"), c.name)
		e := errorJSON{}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &e), c.name)
		require.NotEmpty(t, e.Error, c.name)
	}
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder, code int) string {
	require.Equal(t, code, w.Code, w.Body.String())
	require.Equal(t, "application/json", w.Header().Get("Content-Type"))
	e := errorJSON{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &e))
	return e.Error
}

func TestDetectErrorJSON(t *testing.T) {
	s := newTestServer(t, testConfig(t), &stubDetector{})
	img := testImagePNG(t, 200, 100)

	msg := decodeError(t, serve(s, detectRequest(t, "/predict", "", nil, nil)), http.StatusBadRequest)
	require.Contains(t, msg, "No image uploaded")

	msg = decodeError(t, serve(s, detectRequest(t, "/api/detect", "file", img, map[string]string{"rows": "0"})), http.StatusBadRequest)
	require.Contains(t, msg, "rows and cols must be positive")
}

func TestDetectFinerThanImage(t *testing.T) {
	// More rows than pixels is legal: the leading rows are empty, the last row is the whole image
	s := newTestServer(t, testConfig(t), &stubDetector{})
	resp := decodeDetect(t, serve(s, detectRequest(t, "/api/detect", "file", testImagePNG(t, 3, 3), map[string]string{"rows": "4", "cols": "1"})))
	require.Equal(t, 1, resp.PipeCount)
	require.Len(t, resp.Tiles, 4)
}

func TestCORS(t *testing.T) {
	s := newTestServer(t, testConfig(t), &stubDetector{})

	r := httptest.NewRequest("OPTIONS", "/api/detect", nil)
	r.Header.Set("Origin", "http://localhost:3000")
	r.Header.Set("Access-Control-Request-Method", "POST")
	w := serve(s, r)
	require.Equal(t, http.StatusNoContent, w.Code)
	require.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	require.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "POST")

	// Normal responses carry the header too, and expose the count header of PNG responses
	w = serve(s, detectRequest(t, "/api/detect", "file", testImagePNG(t, 50, 50), map[string]string{"format": "png"}))
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	require.Contains(t, w.Header().Get("Access-Control-Expose-Headers"), "X-Pipe-Count")

	// Disabled
	cfg := testConfig(t)
	cfg.CorsOrigin = ""
	s = newTestServer(t, cfg, &stubDetector{})
	w = serve(s, httptest.NewRequest("GET", "/api/ping", nil))
	require.Equal(t, "", w.Header().Get("Access-Control-Allow-Origin"))

	// A specific origin
	cfg = testConfig(t)
	cfg.CorsOrigin = "https://pipes.example.com"
	s = newTestServer(t, cfg, &stubDetector{})
	w = serve(s, httptest.NewRequest("GET", "/api/ping", nil))
	require.Equal(t, "https://pipes.example.com", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestDetectFailure(t *testing.T) {
	s := newTestServer(t, testConfig(t), &stubDetector{err: errors.New("model exploded")})
	w := serve(s, detectRequest(t, "/api/detect", "file", testImagePNG(t, 200, 100), nil))
	require.Contains(t, decodeError(t, w, http.StatusInternalServerError), "model exploded")
}

func TestDetectTimeout(t *testing.T) {
	cfg := testConfig(t)
	cfg.Detect.TimeoutSeconds = 0.05
	s := newTestServer(t, cfg, &stubDetector{delay: 10 * time.Second})
	w := serve(s, detectRequest(t, "/api/detect", "file", testImagePNG(t, 200, 100), nil))
	require.Contains(t, decodeError(t, w, http.StatusGatewayTimeout), "timed out")
}

func TestPersistFailure(t *testing.T) {
	s := newTestServer(t, testConfig(t), &stubDetector{})
	broken, err := history.Open(s.Log, dbh.MakeSqliteConfig(filepath.Join(t.TempDir(), "broken.sqlite")), &failingStorage{storage.NewStorageMem()})
	require.NoError(t, err)
	s.history.Close()
	s.history = broken

	resp := decodeDetect(t, serve(s, detectRequest(t, "/api/detect", "file", testImagePNG(t, 200, 100), map[string]string{"userId": "alice"})))
	require.Equal(t, 4, resp.PipeCount)
	require.NotEmpty(t, resp.AnnotatedImage)
	require.Zero(t, resp.RecordID)
	require.Contains(t, resp.PersistError, "bucket unavailable")
}

func TestHistory(t *testing.T) {
	s := newTestServer(t, testConfig(t), &stubDetector{})
	img := testImagePNG(t, 200, 100)

	ids := []int64{}
	for _, rows := range []string{"1", "2", "4"} {
		resp := decodeDetect(t, serve(s, detectRequest(t, "/api/detect", "file", img, map[string]string{"userId": "alice", "rows": rows, "cols": "1"})))
		require.NotZero(t, resp.RecordID)
		require.Empty(t, resp.PersistError)
		ids = append(ids, resp.RecordID)
	}
	w := serve(s, detectRequest(t, "/api/detect", "file", img, map[string]string{"userId": "alice", "format": "png"}))
	require.Equal(t, http.StatusOK, w.Code)
	pngID, err := strconv.ParseInt(w.Header().Get("X-Record-Id"), 10, 64)
	require.NoError(t, err)
	ids = append(ids, pngID)

	list := func(userID string) []recordJSON {
		w := serve(s, httptest.NewRequest("GET", "/api/history/"+userID, nil))
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		records := []recordJSON{}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &records))
		return records
	}

	// Newest first
	records := list("alice")
	require.Len(t, records, 4)
	for i, rec := range records {
		require.Equal(t, ids[len(ids)-1-i], rec.ID)
		require.Equal(t, "alice", rec.UserID)
	}
	require.Equal(t, 4, records[0].PipeCount)
	require.Equal(t, 4, records[1].PipeCount)
	require.Equal(t, 2, records[2].PipeCount)
	require.Equal(t, 1, records[3].PipeCount)
	require.Len(t, records[2].Detections, 2)

	require.Len(t, list("bob"), 0)

	first := fmt.Sprintf("/api/history/alice/%v", ids[0])
	w = serve(s, httptest.NewRequest("GET", first+"/image", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "image/png", w.Header().Get("Content-Type"))
	annotated, err := imgx.Decode(w.Body.Bytes())
	require.NoError(t, err)
	require.Equal(t, 200, annotated.Bounds().Dx())

	w = serve(s, httptest.NewRequest("GET", first+"/thumbnail", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "image/jpeg", w.Header().Get("Content-Type"))
	thumb, err := imgx.Decode(w.Body.Bytes())
	require.NoError(t, err)
	require.LessOrEqual(t, thumb.Bounds().Dx(), 320)

	// Records are private to their user
	decodeError(t, serve(s, httptest.NewRequest("GET", fmt.Sprintf("/api/history/bob/%v/image", ids[0]), nil)), http.StatusNotFound)
	w = serve(s, httptest.NewRequest("DELETE", fmt.Sprintf("/api/history/bob/%v", ids[0]), nil))
	require.Equal(t, http.StatusNotFound, w.Code)

	w = serve(s, httptest.NewRequest("DELETE", first, nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, list("alice"), 3)
	w = serve(s, httptest.NewRequest("GET", first+"/image", nil))
	require.Equal(t, http.StatusNotFound, w.Code)
	w = serve(s, httptest.NewRequest("DELETE", first, nil))
	require.Equal(t, http.StatusNotFound, w.Code)

	msg := decodeError(t, serve(s, httptest.NewRequest("GET", "/api/history/alice/notanumber/image", nil)), http.StatusBadRequest)
	require.Contains(t, msg, "notanumber")
}

func TestAsyncPersist(t *testing.T) {
	cfg := testConfig(t)
	cfg.Persist.Mode = PersistAsync
	s := newTestServer(t, cfg, &stubDetector{})

	resp := decodeDetect(t, serve(s, detectRequest(t, "/api/detect", "file", testImagePNG(t, 200, 100), map[string]string{"userId": "carol"})))
	require.Equal(t, 4, resp.PipeCount)
	require.Zero(t, resp.RecordID)

	s.persistWG.Wait()
	records, err := s.history.List("carol", 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, 4, records[0].PipeCount)
}

func TestHistoryDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimit.Requests = 0
	s := newTestServer(t, cfg, &stubDetector{})

	// userId is accepted, but nothing is stored
	resp := decodeDetect(t, serve(s, detectRequest(t, "/api/detect", "file", testImagePNG(t, 200, 100), map[string]string{"userId": "alice"})))
	require.Equal(t, 4, resp.PipeCount)
	require.Zero(t, resp.RecordID)

	w := serve(s, httptest.NewRequest("GET", "/api/history/alice", nil))
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig(t)
	cfg.RateLimit.Requests = 2
	cfg.RateLimit.WindowSeconds = 60
	s := newTestServer(t, cfg, &stubDetector{})
	img := testImagePNG(t, 50, 50)

	codes := []int{}
	for i := 0; i < 3; i++ {
		codes = append(codes, serve(s, detectRequest(t, "/api/detect", "file", img, nil)).Code)
	}
	require.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
	decodeError(t, serve(s, detectRequest(t, "/api/detect", "file", img, nil)), http.StatusTooManyRequests)
}

func TestShutdownClosesDetector(t *testing.T) {
	detector := &stubDetector{}
	s, err := NewServerWithDetector(logs.NewTestingLog(t), testConfig(t), detector)
	require.NoError(t, err)
	s.Shutdown()
	s.Shutdown()
	require.True(t, detector.closed)
}

func TestLoadConfig(t *testing.T) {
	cfgFile := filepath.Join(t.TempDir(), "pipecount.json")
	raw := `{
		"listen": ":9000",
		"detect": {"rows": 3, "cols": 4, "conf": 0.25},
		"merge": {"iou": 0.6, "classAware": true},
		"persist": {"mode": "sync"},
		"model": {"backend": "remote", "inferenceUrl": "http://model:8000"}
	}`
	require.NoError(t, os.WriteFile(cfgFile, []byte(raw), 0644))
	t.Setenv("PIPECOUNT_INFERENCE_URL", "http://override:8000")

	cfg, err := LoadConfig(cfgFile)
	require.NoError(t, err)
	require.Equal(t, ":9000", cfg.Listen)
	require.Equal(t, "http://override:8000", cfg.Model.InferenceURL)
	require.Equal(t, PersistSync, cfg.Persist.Mode)
	require.False(t, cfg.HistoryEnabled())

	p := cfg.DefaultTiledParams()
	require.Equal(t, 3, p.Rows)
	require.Equal(t, 4, p.Cols)
	require.Equal(t, float32(0.25), p.Detection.ProbabilityThreshold)
	require.Equal(t, float32(nn.DefaultNmsIouThreshold), p.Detection.NmsIouThreshold)
	require.Equal(t, float32(0.6), p.MergeIouThreshold)
	require.True(t, p.ClassAware)
	require.Equal(t, "#00ff00", cfg.Annotate.BoxColor)

	require.NoError(t, os.WriteFile(cfgFile, []byte(`{"persist": {"mode": "later"}}`), 0644))
	_, err = LoadConfig(cfgFile)
	require.Error(t, err)

	require.NoError(t, os.WriteFile(cfgFile, []byte(`{"feedBacklog": -1}`), 0644))
	_, err = LoadConfig(cfgFile)
	require.Error(t, err)

	// A backlog of zero still keeps the latest event
	require.NoError(t, os.WriteFile(cfgFile, []byte(`{"feedBacklog": 0}`), 0644))
	cfg, err = LoadConfig(cfgFile)
	require.NoError(t, err)
	s := newTestServer(t, cfg, &stubDetector{})
	decodeDetect(t, serve(s, detectRequest(t, "/api/detect", "file", testImagePNG(t, 50, 50), nil)))
	require.Len(t, s.feed.Backlog(), 1)

	// History without blob storage
	require.NoError(t, os.WriteFile(cfgFile, []byte(`{"db": {"driver": "sqlite3", "database": "x.sqlite"}}`), 0644))
	_, err = LoadConfig(cfgFile)
	require.Error(t, err)
}
