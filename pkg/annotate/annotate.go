// Package annotate draws detections onto an image
package annotate

import (
	"fmt"
	"image"

	"github.com/cyclopcam/pipecount/pkg/imgx"
	"github.com/cyclopcam/pipecount/pkg/nn"
	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"
	"github.com/lucasb-eyer/go-colorful"
)

const DefaultThumbnailSize = 320

// Style controls the appearance of the annotations
type Style struct {
	BoxColor    string  `json:"boxColor"`    // Hex, eg "#00ff00"
	LabelColor  string  `json:"labelColor"`  // Hex. Defaults to BoxColor.
	LineWidth   float64 `json:"lineWidth"`   // Box outline width in pixels
	ShowLabels  bool    `json:"showLabels"`  // Draw "Pipe <class>" above each box
	ShowConf    bool    `json:"showConf"`    // Append the confidence to each label
	ShowCount   bool    `json:"showCount"`   // Draw the total count in the top-left corner
	LabelOffset float64 `json:"labelOffset"` // Distance of the label above the box
}

// DefaultStyle draws green boxes, 2 pixels wide, with a label above each one
func DefaultStyle() *Style {
	return &Style{
		BoxColor:    "#00ff00",
		LineWidth:   2,
		ShowLabels:  true,
		ShowCount:   true,
		LabelOffset: 10,
	}
}

func parseColor(hex, fallback string) (colorful.Color, error) {
	if hex == "" {
		hex = fallback
	}
	c, err := colorful.Hex(hex)
	if err != nil {
		return colorful.Color{}, fmt.Errorf("Invalid color '%v': %w", hex, err)
	}
	return c, nil
}

// Label returns the text drawn next to a detection
func (s *Style) Label(obj *nn.ObjectDetection) string {
	if s.ShowConf {
		return fmt.Sprintf("Pipe %v %.2f", obj.Class, obj.Confidence)
	}
	return fmt.Sprintf("Pipe %v", obj.Class)
}

// Render draws the detections onto a copy of img. img itself is not modified.
// Boxes are expected in the coordinate space of img, with (0,0) at img.Bounds().Min.
func Render(img image.Image, objects []nn.ObjectDetection, style *Style) (image.Image, error) {
	if style == nil {
		style = DefaultStyle()
	}
	boxColor, err := parseColor(style.BoxColor, "#00ff00")
	if err != nil {
		return nil, err
	}
	labelColor, err := parseColor(style.LabelColor, boxColor.Hex())
	if err != nil {
		return nil, err
	}
	lineWidth := style.LineWidth
	if lineWidth <= 0 {
		lineWidth = 2
	}

	dc := gg.NewContextForImage(imaging.Clone(img))
	dc.SetLineWidth(lineWidth)
	for i := range objects {
		b := objects[i].Box
		dc.SetColor(boxColor)
		dc.DrawRectangle(float64(b.X1), float64(b.Y1), float64(b.Width()), float64(b.Height()))
		dc.Stroke()
		if style.ShowLabels {
			dc.SetColor(labelColor)
			dc.DrawString(style.Label(&objects[i]), float64(b.X1), float64(b.Y1)-style.LabelOffset)
		}
	}

	if style.ShowCount {
		text := fmt.Sprintf("Count: %v", len(objects))
		w, h := dc.MeasureString(text)
		dc.SetRGBA(0, 0, 0, 0.6)
		dc.DrawRectangle(0, 0, w+12, h+12)
		dc.Fill()
		dc.SetColor(labelColor)
		dc.DrawStringAnchored(text, 6, 6, 0, 1)
	}

	return dc.Image(), nil
}

// RenderPNG draws the detections and returns the PNG encoded result
func RenderPNG(img image.Image, objects []nn.ObjectDetection, style *Style) ([]byte, error) {
	out, err := Render(img, objects, style)
	if err != nil {
		return nil, err
	}
	return imgx.EncodePNG(out)
}

// Thumbnail returns a JPEG that fits inside a maxSize x maxSize square
func Thumbnail(img image.Image, maxSize, quality int) ([]byte, error) {
	if maxSize <= 0 {
		maxSize = DefaultThumbnailSize
	}
	small := imaging.Fit(img, maxSize, maxSize, imaging.Lanczos)
	return imgx.EncodeJPEG(small, quality)
}
