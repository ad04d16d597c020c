//go:build gocv

package cvnn

import (
	"context"
	"fmt"
	"image"
	"sync"

	"github.com/cyclopcam/pipecount/pkg/nn"
	"gocv.io/x/gocv"
)

// Detector wraps a gocv.Net. OpenCV networks are not safe for concurrent use,
// so calls to DetectObjects are serialized.
type Detector struct {
	config nn.ModelConfig
	lock   sync.Mutex
	net    gocv.Net
}

func NewDetector(config *nn.ModelConfig, modelFile string) (nn.ObjectDetector, error) {
	if config.Width <= 0 || config.Height <= 0 {
		return nil, fmt.Errorf("Invalid model size %v x %v", config.Width, config.Height)
	}
	net := gocv.ReadNetFromONNX(modelFile)
	if net.Empty() {
		return nil, fmt.Errorf("Failed to load ONNX model %v", modelFile)
	}
	if err := net.SetPreferableBackend(gocv.NetBackendDefault); err != nil {
		net.Close()
		return nil, err
	}
	if err := net.SetPreferableTarget(gocv.NetTargetCPU); err != nil {
		net.Close()
		return nil, err
	}
	return &Detector{
		config: *config,
		net:    net,
	}, nil
}

func (d *Detector) Close() {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.net.Close()
}

func (d *Detector) Config() *nn.ModelConfig {
	return &d.config
}

func (d *Detector) DetectObjects(ctx context.Context, img image.Image, params *nn.DetectionParams) ([]nn.ObjectDetection, error) {
	if params == nil {
		params = nn.NewDetectionParams()
	}
	p := *params

	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return nil, fmt.Errorf("Failed to convert image: %w", err)
	}
	defer mat.Close()

	// The image is stretched to the network size, so scale X and Y independently on the way back
	scaleX := float32(mat.Cols()) / float32(d.config.Width)
	scaleY := float32(mat.Rows()) / float32(d.config.Height)

	// ImageToMatRGB gives us BGR order, and ultralytics models expect RGB
	blob := gocv.BlobFromImage(mat, 1.0/255.0, image.Pt(d.config.Width, d.config.Height), gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.lock.Lock()
	d.net.SetInput(blob, "")
	output := d.net.Forward("")
	d.lock.Unlock()
	defer output.Close()

	// YOLOv8 output is [1, 4 + numClasses, numAnchors]. Each column is cx,cy,w,h followed by class scores.
	dims := output.Size()
	if len(dims) != 3 || dims[1] < 5 {
		return nil, fmt.Errorf("Unexpected output shape %v", dims)
	}
	numRows := dims[1]
	numAnchors := dims[2]
	out := output.Reshape(1, numRows)
	defer out.Close()

	boxes := []image.Rectangle{}
	scores := []float32{}
	classes := []int{}
	for i := 0; i < numAnchors; i++ {
		bestClass := 0
		bestScore := float32(0)
		for c := 4; c < numRows; c++ {
			if s := out.GetFloatAt(c, i); s > bestScore {
				bestScore = s
				bestClass = c - 4
			}
		}
		if bestScore < p.ProbabilityThreshold {
			continue
		}
		cx := out.GetFloatAt(0, i) * scaleX
		cy := out.GetFloatAt(1, i) * scaleY
		hw := out.GetFloatAt(2, i) * scaleX / 2
		hh := out.GetFloatAt(3, i) * scaleY / 2
		boxes = append(boxes, image.Rect(int(cx-hw), int(cy-hh), int(cx+hw), int(cy+hh)))
		scores = append(scores, bestScore)
		classes = append(classes, bestClass)
	}

	objects := []nn.ObjectDetection{}
	if len(boxes) == 0 {
		return objects, nil
	}
	for _, idx := range gocv.NMSBoxes(boxes, scores, p.ProbabilityThreshold, p.NmsIouThreshold) {
		r := boxes[idx]
		objects = append(objects, nn.ObjectDetection{
			Class:      classes[idx],
			Confidence: scores[idx],
			Box:        nn.MakeBox(float32(r.Min.X), float32(r.Min.Y), float32(r.Max.X), float32(r.Max.Y)),
		})
	}
	return objects, nil
}
