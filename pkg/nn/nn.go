package nn

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"os"
	"strings"
)

// Package nn is the detection layer of pipecount.
// It splits an image into tiles, runs an ObjectDetector over each tile, maps the
// results back into image coordinates, and merges duplicates across tile edges.
// To load a concrete detector, use the nnload package.

const DefaultProbabilityThreshold = 0.5
const DefaultNmsIouThreshold = 0.3   // Handed to the detector for its own per-tile NMS
const DefaultMergeIouThreshold = 0.5 // Cross-tile NMS after remapping
const DefaultRows = 2
const DefaultCols = 2

// ErrInvalidInput is returned (wrapped) when the caller's image or parameters are unusable.
// Nothing has been sent to the detector when this error is returned.
var ErrInvalidInput = errors.New("Invalid input")

// DetectionError is a failure inside the detection stage: the detector returned an error,
// or it returned values that cannot be merged (NaN, Inf, confidence outside [0,1]).
type DetectionError struct {
	Tile int // Row-major index of the tile that failed
	Err  error
}

func (e *DetectionError) Error() string {
	return fmt.Sprintf("Detection failed on tile %v: %v", e.Tile, e.Err)
}

func (e *DetectionError) Unwrap() error {
	return e.Err
}

// ObjectDetection is an object that a neural network has found in an image.
// Depending on where it is in the pipeline, Box is relative to a tile, or to the whole image.
type ObjectDetection struct {
	Class      int     `json:"class"`
	Confidence float32 `json:"confidence"`
	Box        Box     `json:"box"`
}

// Validate returns an error if the detection cannot safely take part in IOU arithmetic
func (o *ObjectDetection) Validate() error {
	if !o.Box.IsFinite() {
		return fmt.Errorf("Non-finite box %v,%v,%v,%v", o.Box.X1, o.Box.Y1, o.Box.X2, o.Box.Y2)
	}
	if !isFinite(o.Confidence) || o.Confidence < 0 || o.Confidence > 1 {
		return fmt.Errorf("Invalid confidence %v", o.Confidence)
	}
	if o.Class < 0 {
		return fmt.Errorf("Invalid class %v", o.Class)
	}
	return nil
}

// NN object detection parameters, passed through to the detector for each tile
type DetectionParams struct {
	ProbabilityThreshold float32 // Value between 0 and 1. Lower values will find more objects.
	NmsIouThreshold      float32 // Value between 0 and 1. Lower values will merge more objects together into one.
}

// Create a default DetectionParams object
func NewDetectionParams() *DetectionParams {
	return &DetectionParams{
		ProbabilityThreshold: DefaultProbabilityThreshold,
		NmsIouThreshold:      DefaultNmsIouThreshold,
	}
}

// ObjectDetector is given an image, and returns zero or more detected objects.
// Implementations must be safe for concurrent calls to DetectObjects, because tiles
// of one request (and tiles of concurrent requests) share a single detector.
type ObjectDetector interface {
	// Close releases the model. Call it once, when the process no longer needs the detector.
	Close()

	// DetectObjects returns the objects found in img, with boxes relative to img.Bounds().Min.
	DetectObjects(ctx context.Context, img image.Image, params *DetectionParams) ([]ObjectDetection, error)

	// Model Config.
	// Callers assume that ModelConfig will remain constant, so don't change it
	// once the detector has been created.
	Config() *ModelConfig
}

// ModelConfig is saved in a JSON file along with the weights of the NN model
type ModelConfig struct {
	Architecture string   `json:"architecture"` // eg "yolov8"
	Width        int      `json:"width"`        // eg 640
	Height       int      `json:"height"`       // eg 640
	Classes      []string `json:"classes"`      // eg ["pipe"]
}

// ClassName returns a printable name for a class index
func (c *ModelConfig) ClassName(class int) string {
	if c != nil && class >= 0 && class < len(c.Classes) {
		return c.Classes[class]
	}
	return fmt.Sprintf("class %v", class)
}

// Load model config from a JSON file
func LoadModelConfig(filename string) (*ModelConfig, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	config := &ModelConfig{}
	err = json.Unmarshal(b, config)
	if err != nil {
		return nil, err
	}
	return config, nil
}

// Load a text file with class names on each line
func LoadClassFile(filename string) ([]string, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	classes := []string{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			classes = append(classes, line)
		}
	}
	return classes, scanner.Err()
}
