package nn

import (
	"context"
	"errors"
	"image"
	"image/color"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chewxy/math32"
	"github.com/stretchr/testify/require"
)

// Create an image where each pixel's red and green channels hold its X and Y coordinate,
// so that a fake detector can tell which tile it has been handed.
func makeCoordImage(width, height int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x), G: uint8(y), A: 255})
		}
	}
	return img
}

func tileOrigin(img image.Image) image.Point {
	c := color.NRGBAModel.Convert(img.At(img.Bounds().Min.X, img.Bounds().Min.Y)).(color.NRGBA)
	return image.Point{X: int(c.R), Y: int(c.G)}
}

// scriptedDetector returns canned tile-local detections, keyed by the origin of the tile
type scriptedDetector struct {
	byOrigin map[image.Point][]ObjectDetection
	fail     map[image.Point]error
	maxDelay time.Duration
	calls    atomic.Int32
	config   ModelConfig

	lock   sync.Mutex
	params []DetectionParams
}

func newScriptedDetector() *scriptedDetector {
	return &scriptedDetector{
		byOrigin: map[image.Point][]ObjectDetection{},
		fail:     map[image.Point]error{},
		config:   ModelConfig{Architecture: "test", Width: 64, Height: 64, Classes: []string{"pipe"}},
	}
}

func (d *scriptedDetector) Close() {}

func (d *scriptedDetector) Config() *ModelConfig {
	return &d.config
}

func (d *scriptedDetector) DetectObjects(ctx context.Context, img image.Image, params *DetectionParams) ([]ObjectDetection, error) {
	d.calls.Add(1)
	d.lock.Lock()
	d.params = append(d.params, *params)
	d.lock.Unlock()
	if d.maxDelay != 0 {
		select {
		case <-time.After(time.Duration(rand.Int63n(int64(d.maxDelay)))):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	origin := tileOrigin(img)
	if err := d.fail[origin]; err != nil {
		return nil, err
	}
	// Return a copy, so that remapping can't modify our script
	return append([]ObjectDetection{}, d.byOrigin[origin]...), nil
}

func gridParams(rows, cols int) *TiledParams {
	p := NewTiledParams()
	p.Rows = rows
	p.Cols = cols
	return p
}

func TestTiledOnePerTile(t *testing.T) {
	img := makeCoordImage(100, 100)
	model := newScriptedDetector()
	model.maxDelay = 5 * time.Millisecond
	model.byOrigin[image.Pt(0, 0)] = []ObjectDetection{det(0.9, 10, 10, 20, 20)}
	model.byOrigin[image.Pt(50, 0)] = []ObjectDetection{det(0.8, 10, 10, 20, 20)}
	model.byOrigin[image.Pt(0, 50)] = []ObjectDetection{det(0.7, 10, 10, 20, 20)}
	model.byOrigin[image.Pt(50, 50)] = []ObjectDetection{det(0.6, 10, 10, 20, 20)}

	// Completion order varies between runs, but the result must not
	for i := 0; i < 10; i++ {
		result, err := TiledInference(context.Background(), model, img, gridParams(2, 2))
		require.NoError(t, err)
		require.Equal(t, 4, result.Count())
		require.Equal(t, 4, result.PoolSize)
		require.Equal(t, 4, len(result.Tiles))
		require.Equal(t, 100, result.ImageWidth)
		require.Equal(t, []ObjectDetection{
			det(0.9, 10, 10, 20, 20),
			det(0.8, 60, 10, 70, 20),
			det(0.7, 10, 60, 20, 70),
			det(0.6, 60, 60, 70, 70),
		}, result.Objects)
	}
}

func TestTiledBoundaryDuplicate(t *testing.T) {
	img := makeCoordImage(100, 100)
	model := newScriptedDetector()
	model.byOrigin[image.Pt(0, 0)] = []ObjectDetection{det(0.9, 10, 10, 20, 20)}
	// The same pipe, seen from both sides of the vertical tile edge at x=50
	model.byOrigin[image.Pt(0, 50)] = []ObjectDetection{det(0.8, 40, 10, 52, 22)}
	model.byOrigin[image.Pt(50, 50)] = []ObjectDetection{det(0.7, -9, 11, 2, 22)}
	model.byOrigin[image.Pt(50, 0)] = []ObjectDetection{det(0.6, 20, 20, 30, 30)}

	result, err := TiledInference(context.Background(), model, img, gridParams(2, 2))
	require.NoError(t, err)
	require.Equal(t, 4, result.PoolSize)
	require.Equal(t, 3, result.Count())
	require.Equal(t, []ObjectDetection{
		det(0.9, 10, 10, 20, 20),
		det(0.8, 40, 60, 52, 72),
		det(0.6, 70, 20, 80, 30),
	}, result.Objects)

	// A strict enough threshold keeps both halves
	p := gridParams(2, 2)
	p.MergeIouThreshold = 0.9
	result, err = TiledInference(context.Background(), model, img, p)
	require.NoError(t, err)
	require.Equal(t, 4, result.Count())
}

func TestTiledParamsPassedThrough(t *testing.T) {
	img := makeCoordImage(10, 10)
	model := newScriptedDetector()
	p := gridParams(1, 2)
	p.Detection.ProbabilityThreshold = 0.25
	p.Detection.NmsIouThreshold = 0.45
	_, err := TiledInference(context.Background(), model, img, p)
	require.NoError(t, err)
	require.Equal(t, int32(2), model.calls.Load())
	for _, dp := range model.params {
		require.Equal(t, DetectionParams{ProbabilityThreshold: 0.25, NmsIouThreshold: 0.45}, dp)
	}
}

func TestTiledNoDetections(t *testing.T) {
	result, err := TiledInference(context.Background(), newScriptedDetector(), makeCoordImage(40, 30), gridParams(3, 3))
	require.NoError(t, err)
	require.Equal(t, 0, result.Count())
	require.NotNil(t, result.Objects)
}

func TestTiledInvalidInput(t *testing.T) {
	model := newScriptedDetector()
	img := makeCoordImage(20, 20)

	_, err := TiledInference(context.Background(), model, img, gridParams(0, 2))
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = TiledInference(context.Background(), model, nil, gridParams(2, 2))
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = TiledInference(context.Background(), model, image.NewNRGBA(image.Rect(0, 0, 0, 0)), gridParams(1, 1))
	require.ErrorIs(t, err, ErrInvalidInput)

	p := gridParams(2, 2)
	p.MergeIouThreshold = 1.5
	_, err = TiledInference(context.Background(), model, img, p)
	require.ErrorIs(t, err, ErrInvalidInput)

	p = gridParams(2, 2)
	p.Detection.ProbabilityThreshold = math32.NaN()
	_, err = TiledInference(context.Background(), model, img, p)
	require.ErrorIs(t, err, ErrInvalidInput)

	// The detector must not have been touched
	require.Equal(t, int32(0), model.calls.Load())
}

func TestTiledFinerThanImage(t *testing.T) {
	// 21 rows on a 20 pixel high image: rows 0..19 are empty, the last row is the whole image
	img := makeCoordImage(20, 20)
	model := newScriptedDetector()
	model.byOrigin[image.Point{}] = []ObjectDetection{{Confidence: 0.9, Box: MakeBox(2, 2, 8, 8)}}
	result, err := TiledInference(context.Background(), model, img, gridParams(21, 1))
	require.NoError(t, err)
	require.Equal(t, 21, len(result.Tiles))
	require.Equal(t, int32(1), model.calls.Load())
	require.Equal(t, 1, result.Count())
	require.Equal(t, MakeBox(2, 2, 8, 8), result.Objects[0].Box)
}

func TestTiledDetectorFailure(t *testing.T) {
	img := makeCoordImage(100, 100)
	model := newScriptedDetector()
	boom := errors.New("boom")
	model.fail[image.Pt(50, 50)] = boom

	_, err := TiledInference(context.Background(), model, img, gridParams(2, 2))
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrInvalidInput)
	var detErr *DetectionError
	require.ErrorAs(t, err, &detErr)
	require.Equal(t, 3, detErr.Tile)
	require.ErrorIs(t, err, boom)
}

func TestTiledMalformedDetections(t *testing.T) {
	img := makeCoordImage(100, 100)
	for _, bad := range []ObjectDetection{
		det(math32.NaN(), 0, 0, 10, 10),
		det(0.5, 0, 0, math32.Inf(1), 10),
		det(1.2, 0, 0, 10, 10),
	} {
		model := newScriptedDetector()
		model.byOrigin[image.Pt(50, 0)] = []ObjectDetection{det(0.9, 0, 0, 10, 10), bad}
		_, err := TiledInference(context.Background(), model, img, gridParams(2, 2))
		var detErr *DetectionError
		require.ErrorAs(t, err, &detErr)
		require.Equal(t, 1, detErr.Tile)
	}
}

func TestTiledCancel(t *testing.T) {
	img := makeCoordImage(100, 100)
	model := newScriptedDetector()
	model.maxDelay = 10 * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := TiledInference(ctx, model, img, gridParams(4, 4))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestTiledAuto(t *testing.T) {
	img := makeCoordImage(200, 100)
	model := newScriptedDetector()
	p := NewTiledParams()
	p.Auto = true
	p.MinPadding = 8
	result, err := TiledInference(context.Background(), model, img, p)
	require.NoError(t, err)
	require.Greater(t, len(result.Tiles), 1)
	require.Equal(t, int32(len(result.Tiles)), model.calls.Load())
	for _, tile := range result.Tiles {
		require.LessOrEqual(t, tile.Width, 64)
		require.LessOrEqual(t, tile.Height, 64)
	}
}

func TestDetectPipes(t *testing.T) {
	img := makeCoordImage(100, 100)
	model := newScriptedDetector()
	model.byOrigin[image.Pt(0, 0)] = []ObjectDetection{det(0.9, 10, 10, 20, 20), det(0.8, 11, 11, 21, 21)}
	n, objects, err := DetectPipes(context.Background(), model, img, 2, 2, 0.5, 0.5)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 1, len(objects))
}
