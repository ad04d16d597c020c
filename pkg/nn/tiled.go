package nn

import (
	"context"
	"fmt"
	"image"
	"runtime"

	"github.com/chewxy/math32"
	"golang.org/x/sync/errgroup"
)

// TiledParams controls how TiledInference splits, detects and merges
type TiledParams struct {
	Rows int // Grid rows. Ignored if Auto is true.
	Cols int // Grid columns. Ignored if Auto is true.

	// If true, tile size follows the model input size (overlapping tiles) instead of a fixed grid
	Auto       bool
	MinPadding int // Minimum overlap between model-sized tiles. Zero uses 32.

	Detection         DetectionParams // Passed to the detector for every tile
	MergeIouThreshold float32         // IOU above which two global detections are considered the same object
	ClassAware        bool            // Only merge detections of the same class

	Threads int // Maximum number of tiles in flight. Zero means runtime.NumCPU().
}

// Create a default TiledParams object (2x2 grid)
func NewTiledParams() *TiledParams {
	return &TiledParams{
		Rows:              DefaultRows,
		Cols:              DefaultCols,
		Detection:         *NewDetectionParams(),
		MergeIouThreshold: DefaultMergeIouThreshold,
	}
}

// TiledResult is the outcome of TiledInference
type TiledResult struct {
	ImageWidth  int               `json:"imageWidth"`
	ImageHeight int               `json:"imageHeight"`
	Tiles       []Tile            `json:"tiles"`
	PoolSize    int               `json:"poolSize"` // Number of detections before cross-tile merging
	Objects     []ObjectDetection `json:"objects"`  // Survivors of cross-tile NMS, highest confidence first
}

// Count is the number of distinct objects found
func (r *TiledResult) Count() int {
	return len(r.Objects)
}

func validateThreshold(name string, v float32) error {
	if math32.IsNaN(v) || v < 0 || v > 1 {
		return fmt.Errorf("%w: %v must be between 0 and 1 (got %v)", ErrInvalidInput, name, v)
	}
	return nil
}

// Validate the parameters, without looking at an image
func (p *TiledParams) Validate() error {
	if !p.Auto && (p.Rows < 1 || p.Cols < 1) {
		return fmt.Errorf("%w: rows and cols must be positive (rows=%v, cols=%v)", ErrInvalidInput, p.Rows, p.Cols)
	}
	if err := validateThreshold("confidence", p.Detection.ProbabilityThreshold); err != nil {
		return err
	}
	if err := validateThreshold("iou", p.Detection.NmsIouThreshold); err != nil {
		return err
	}
	return validateThreshold("merge iou", p.MergeIouThreshold)
}

// Run tiled inference on the image.
// The image is split into tiles (a rows x cols grid, or model-sized tiles when params.Auto is set),
// and each tile is run through the model on its own goroutine. Each tile's detections are moved into
// image coordinates, pooled in row-major tile order, and finally merged with a global NMS pass, so that
// an object which straddles a tile edge (and was therefore found twice) is only counted once.
// The first tile failure cancels the remaining tiles.
func TiledInference(ctx context.Context, model ObjectDetector, img image.Image, params *TiledParams) (*TiledResult, error) {
	if img == nil {
		return nil, fmt.Errorf("%w: no image", ErrInvalidInput)
	}
	if params == nil {
		params = NewTiledParams()
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	width := img.Bounds().Dx()
	height := img.Bounds().Dy()

	var tiles []Tile
	var err error
	if params.Auto {
		config := model.Config()
		minPadding := params.MinPadding
		if minPadding == 0 {
			minPadding = 32
		}
		tiles, err = SplitModelSized(width, height, config.Width, config.Height, minPadding)
	} else {
		tiles, err = SplitGrid(width, height, params.Rows, params.Cols)
	}
	if err != nil {
		return nil, err
	}

	detectionParams := params.Detection

	nThreads := params.Threads
	if nThreads <= 0 {
		nThreads = runtime.NumCPU()
	}

	// Each tile writes only to its own slot
	perTile := make([][]ObjectDetection, len(tiles))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(nThreads)
	for i := range tiles {
		group.Go(func() error {
			if err := groupCtx.Err(); err != nil {
				return err
			}
			objects, err := detectTile(groupCtx, model, &detectionParams, img, tiles[i])
			if err != nil {
				return err
			}
			perTile[i] = objects
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	pool := []ObjectDetection{}
	for _, objects := range perTile {
		pool = append(pool, objects...)
	}

	merged := NMS(pool, params.MergeIouThreshold, &MergeOptions{ClassAware: params.ClassAware})

	return &TiledResult{
		ImageWidth:  width,
		ImageHeight: height,
		Tiles:       tiles,
		PoolSize:    len(pool),
		Objects:     merged,
	}, nil
}

// Run the detector on a single tile, and return validated detections in image coordinates
func detectTile(ctx context.Context, model ObjectDetector, params *DetectionParams, img image.Image, tile Tile) ([]ObjectDetection, error) {
	if tile.Empty() {
		return nil, nil
	}
	crop := CropTile(img, tile)
	objects, err := model.DetectObjects(ctx, crop, params)
	if err != nil {
		if ctx.Err() != nil {
			// Cancelled because a sibling tile failed or the request timed out
			return nil, ctx.Err()
		}
		return nil, &DetectionError{Tile: tile.Index, Err: err}
	}
	for i := range objects {
		if err := objects[i].Validate(); err != nil {
			return nil, &DetectionError{Tile: tile.Index, Err: err}
		}
	}
	return RemapToGlobal(objects, tile), nil
}

// DetectPipes splits img into a rows x cols grid, detects on every tile, and returns the
// number of distinct objects along with the merged detections.
func DetectPipes(ctx context.Context, model ObjectDetector, img image.Image, rows, cols int, confidenceThreshold, iouThreshold float32) (int, []ObjectDetection, error) {
	params := NewTiledParams()
	params.Rows = rows
	params.Cols = cols
	params.Detection.ProbabilityThreshold = confidenceThreshold
	params.MergeIouThreshold = iouThreshold
	result, err := TiledInference(ctx, model, img, params)
	if err != nil {
		return 0, nil, err
	}
	return result.Count(), result.Objects, nil
}
