// Package remotenn is an nn.ObjectDetector that runs inference on a separate HTTP service,
// such as an ultralytics YOLO model served from Python.
package remotenn

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cyclopcam/pipecount/pkg/imgx"
	"github.com/cyclopcam/pipecount/pkg/nn"
)

// Detector sends each image to an inference service, as a JPEG
type Detector struct {
	inferenceURL string
	config       nn.ModelConfig
	client       *http.Client
	jpegQuality  int
}

// Options for NewDetector. Zero values are replaced with defaults.
type Options struct {
	Timeout     time.Duration // Per-request timeout. Default 60 seconds.
	JPEGQuality int           // Default imgx.DefaultJPEGQuality
	Client      *http.Client  // Overrides Timeout
}

// A single detection, as returned by the inference service
type prediction struct {
	Box        []float32 `json:"box"` // x1,y1,x2,y2
	Confidence float32   `json:"confidence"`
	Class      int       `json:"class"`
}

type predictResponse struct {
	Predictions []prediction `json:"predictions"`
	Detections  []prediction `json:"detections"`
}

// NewDetector creates a detector that POSTs images to inferenceURL
func NewDetector(inferenceURL string, config nn.ModelConfig, options *Options) (*Detector, error) {
	if inferenceURL == "" {
		return nil, fmt.Errorf("No inference URL")
	}
	opt := Options{}
	if options != nil {
		opt = *options
	}
	if opt.Timeout == 0 {
		opt.Timeout = 60 * time.Second
	}
	if opt.JPEGQuality == 0 {
		opt.JPEGQuality = imgx.DefaultJPEGQuality
	}
	client := opt.Client
	if client == nil {
		client = &http.Client{Timeout: opt.Timeout}
	}
	return &Detector{
		inferenceURL: strings.TrimSuffix(inferenceURL, "/"),
		config:       config,
		client:       client,
		jpegQuality:  opt.JPEGQuality,
	}, nil
}

func (d *Detector) Close() {
	d.client.CloseIdleConnections()
}

func (d *Detector) Config() *nn.ModelConfig {
	return &d.config
}

func (d *Detector) DetectObjects(ctx context.Context, img image.Image, params *nn.DetectionParams) ([]nn.ObjectDetection, error) {
	if params == nil {
		params = nn.NewDetectionParams()
	}
	p := *params

	jpg, err := imgx.EncodeJPEG(img, d.jpegQuality)
	if err != nil {
		return nil, fmt.Errorf("Failed to encode image: %w", err)
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", "image.jpg")
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(jpg); err != nil {
		return nil, err
	}
	writer.WriteField("conf", strconv.FormatFloat(float64(p.ProbabilityThreshold), 'f', -1, 32))
	writer.WriteField("iou", strconv.FormatFloat(float64(p.NmsIouThreshold), 'f', -1, 32))
	if err := writer.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", d.inferenceURL+"/predict", body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("Inference request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return nil, fmt.Errorf("Inference service returned %v: %v", resp.Status, strings.TrimSpace(string(msg)))
	}

	result := predictResponse{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("Failed to decode inference response: %w", err)
	}
	preds := result.Predictions
	if preds == nil {
		preds = result.Detections
	}

	objects := make([]nn.ObjectDetection, 0, len(preds))
	for i, pr := range preds {
		if len(pr.Box) != 4 {
			return nil, fmt.Errorf("Prediction %v has %v box coordinates instead of 4", i, len(pr.Box))
		}
		objects = append(objects, nn.ObjectDetection{
			Class:      pr.Class,
			Confidence: pr.Confidence,
			Box:        nn.MakeBox(pr.Box[0], pr.Box[1], pr.Box[2], pr.Box[3]),
		})
	}
	return objects, nil
}

// Health returns nil if the inference service answers its health check
func (d *Detector) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", d.inferenceURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("Inference service unhealthy: %v", resp.Status)
	}
	return nil
}
