package nn

import (
	"context"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
)

type InferenceOptions struct {
	MinSize        int  // Minimum size of object, in pixels. If max(width, height) >= MinSize, then use the object
	StdOutProgress bool // Emit progress to stdout
}

// Load an image from disk, applying any EXIF orientation so that boxes line up with what a viewer shows
func LoadImageFile(filename string) (image.Image, error) {
	img, err := imaging.Open(filename, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("Failed to load image %v: %w", filename, err)
	}
	return img, nil
}

// RunInferenceOnImageFile loads an image and runs tiled inference over it
func RunInferenceOnImageFile(ctx context.Context, model ObjectDetector, inputFile string, params *TiledParams, options InferenceOptions) (image.Image, *ImageLabels, error) {
	img, err := LoadImageFile(inputFile)
	if err != nil {
		return nil, nil, err
	}
	result, err := TiledInference(ctx, model, img, params)
	if err != nil {
		return nil, nil, err
	}
	labels := &ImageLabels{
		Filename: inputFile,
		Width:    result.ImageWidth,
		Height:   result.ImageHeight,
		Classes:  model.Config().Classes,
		Objects:  []ObjectDetection{},
	}
	minSize := float32(options.MinSize)
	for _, obj := range result.Objects {
		if obj.Box.Width() >= minSize || obj.Box.Height() >= minSize {
			labels.Objects = append(labels.Objects, obj)
		}
	}
	labels.Count = len(labels.Objects)
	if options.StdOutProgress {
		fmt.Printf("%v: %v tiles, %v raw detections, %v after merge\n", inputFile, len(result.Tiles), result.PoolSize, labels.Count)
	}
	return img, labels, nil
}
