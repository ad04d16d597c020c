package nn

import (
	"fmt"
	"image"

	"github.com/bmharper/tiledinference"
	"github.com/disintegration/imaging"
)

// Tile is a rectangular region of an image that is sent to the detector on its own.
// X,Y is the offset of the tile inside the source image.
type Tile struct {
	Index  int `json:"index"` // Row-major position in the tiling
	Row    int `json:"row"`
	Col    int `json:"col"`
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Empty tiles occur when the grid has more rows or columns than the image has pixels
func (t Tile) Empty() bool {
	return t.Width <= 0 || t.Height <= 0
}

func (t Tile) Rect() image.Rectangle {
	return image.Rect(t.X, t.Y, t.X+t.Width, t.Y+t.Height)
}

// SplitGrid partitions a width x height image into rows x cols tiles.
// Tiles do not overlap and cover every pixel. All tiles are floor(H/rows) by floor(W/cols),
// except that the last row and last column absorb the remainder of the division.
// When rows > height (or cols > width), the leading rows (or columns) are empty, and the
// last one covers the whole image. Tiles are returned in row-major order.
func SplitGrid(width, height, rows, cols int) ([]Tile, error) {
	if rows < 1 || cols < 1 {
		return nil, fmt.Errorf("%w: rows and cols must be positive (rows=%v, cols=%v)", ErrInvalidInput, rows, cols)
	}
	if width < 1 || height < 1 {
		return nil, fmt.Errorf("%w: image is empty (%v x %v)", ErrInvalidInput, width, height)
	}
	tileH := height / rows
	tileW := width / cols
	tiles := make([]Tile, 0, rows*cols)
	for r := 0; r < rows; r++ {
		y1 := r * tileH
		y2 := (r + 1) * tileH
		if r == rows-1 {
			y2 = height
		}
		for c := 0; c < cols; c++ {
			x1 := c * tileW
			x2 := (c + 1) * tileW
			if c == cols-1 {
				x2 = width
			}
			tiles = append(tiles, Tile{
				Index:  r*cols + c,
				Row:    r,
				Col:    c,
				X:      x1,
				Y:      y1,
				Width:  x2 - x1,
				Height: y2 - y1,
			})
		}
	}
	return tiles, nil
}

// SplitModelSized covers the image with overlapping tiles that match the input size
// of the neural network, so that nothing gets downscaled before inference.
// Interior tile edges get at least minPadding pixels of overlap.
// If the image fits inside the network, a single tile is returned.
func SplitModelSized(width, height, nnWidth, nnHeight, minPadding int) ([]Tile, error) {
	if width < 1 || height < 1 {
		return nil, fmt.Errorf("%w: image is empty (%v x %v)", ErrInvalidInput, width, height)
	}
	if nnWidth < 1 || nnHeight < 1 {
		return nil, fmt.Errorf("%w: model size unknown (%v x %v)", ErrInvalidInput, nnWidth, nnHeight)
	}
	// tiledinference panics on this
	if minPadding >= nnWidth/2 || minPadding >= nnHeight/2 {
		return nil, fmt.Errorf("%w: padding %v too large for %v x %v model", ErrInvalidInput, minPadding, nnWidth, nnHeight)
	}
	tiling := tiledinference.MakeTiling(width, height, nnWidth, nnHeight, minPadding)
	tiles := make([]Tile, 0, tiling.NumX*tiling.NumY)
	for ty := 0; ty < tiling.NumY; ty++ {
		for tx := 0; tx < tiling.NumX; tx++ {
			r := tiling.TileRect(tx, ty)
			tiles = append(tiles, Tile{
				Index:  tiling.MakeTileIndex(tx, ty),
				Row:    ty,
				Col:    tx,
				X:      int(r.X1),
				Y:      int(r.Y1),
				Width:  r.Width(),
				Height: r.Height(),
			})
		}
	}
	return tiles, nil
}

// CropTile returns the pixels of the tile as a new image with origin (0,0).
// Tile coordinates are relative to img.Bounds().Min.
func CropTile(img image.Image, t Tile) image.Image {
	b := img.Bounds()
	return imaging.Crop(img, t.Rect().Add(b.Min))
}

// RemapToGlobal moves tile-local detections into image coordinates (in place)
func RemapToGlobal(objects []ObjectDetection, t Tile) []ObjectDetection {
	for i := range objects {
		objects[i].Box = objects[i].Box.ToGlobal(t.X, t.Y)
	}
	return objects
}
