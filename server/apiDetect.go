package server

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cyclopcam/pipecount/pkg/annotate"
	"github.com/cyclopcam/pipecount/pkg/imgx"
	"github.com/cyclopcam/pipecount/pkg/nn"
	"github.com/cyclopcam/pipecount/pkg/remotenn"
	"github.com/cyclopcam/pipecount/server/feed"
	"github.com/cyclopcam/pipecount/server/history"
	"github.com/cyclopcam/www"
	"github.com/julienschmidt/httprouter"
)

// Multipart field names that may hold the image. "file" is what existing clients send.
var imageFields = []string{"file", "image"}

type detectResponseJSON struct {
	PipeCount      int                  `json:"pipeCount"`
	AnnotatedImage string               `json:"annotatedImage"` // base64 PNG
	Detections     []nn.ObjectDetection `json:"detections"`
	ImageWidth     int                  `json:"imageWidth"`
	ImageHeight    int                  `json:"imageHeight"`
	Tiles          []nn.Tile            `json:"tiles"`
	PoolSize       int                  `json:"poolSize"` // Detections before cross-tile merging
	RecordID       int64                `json:"recordId,omitempty"`
	PersistError   string               `json:"persistError,omitempty"`
}

func formInt(r *http.Request, key string, def int) int {
	v := r.FormValue(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		www.PanicBadRequestf("Invalid %v '%v': must be an integer", key, v)
	}
	return i
}

func formFloat32(r *http.Request, key string, def float32) float32 {
	v := r.FormValue(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 32)
	if err != nil {
		www.PanicBadRequestf("Invalid %v '%v': must be a number", key, v)
	}
	return float32(f)
}

// Read the uploaded image bytes out of the multipart form
func readUpload(r *http.Request) []byte {
	for _, field := range imageFields {
		file, _, err := r.FormFile(field)
		if errors.Is(err, http.ErrMissingFile) {
			continue
		}
		www.CheckClient(err)
		defer file.Close()
		raw, err := io.ReadAll(file)
		www.CheckClient(err)
		if len(raw) == 0 {
			www.PanicBadRequestf("Uploaded image '%v' is empty", field)
		}
		return raw
	}
	www.PanicBadRequestf("No image uploaded. Send the image in the multipart field 'file'")
	return nil
}

// Build the tiled inference parameters from the config defaults and the request overrides
func (s *Server) requestParams(r *http.Request) *nn.TiledParams {
	p := s.Config.DefaultTiledParams()
	p.Rows = formInt(r, "rows", p.Rows)
	p.Cols = formInt(r, "cols", p.Cols)
	p.Detection.ProbabilityThreshold = formFloat32(r, "conf", p.Detection.ProbabilityThreshold)
	p.Detection.NmsIouThreshold = formFloat32(r, "iou", p.Detection.NmsIouThreshold)
	p.MergeIouThreshold = formFloat32(r, "mergeIou", p.MergeIouThreshold)
	switch tiling := strings.ToLower(r.FormValue("tiling")); tiling {
	case "":
	case TilingGrid:
		p.Auto = false
	case TilingAuto:
		p.Auto = true
	default:
		www.PanicBadRequestf("Invalid tiling '%v'. Must be '%v' or '%v'", tiling, TilingGrid, TilingAuto)
	}
	return p
}

// POST /api/detect
func (s *Server) httpDetect(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	start := time.Now()
	maxBytes := int64(max(s.Config.Detect.MaxUploadMB, 1)) * 1024 * 1024
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	if err := r.ParseMultipartForm(maxBytes); err != nil {
		www.PanicBadRequestf("Invalid upload: %v", err)
	}

	format := strings.ToLower(r.FormValue("format"))
	if format != "" && format != "json" && format != "png" {
		www.PanicBadRequestf("Invalid format '%v'. Must be 'json' or 'png'", format)
	}
	userID := strings.TrimSpace(r.FormValue("userId"))
	if userID != "" && !history.ValidUserID(userID) {
		www.PanicBadRequestf("Invalid userId '%v'", userID)
	}
	tiledParams := s.requestParams(r)
	www.CheckClient(tiledParams.Validate())

	img, err := imgx.Decode(readUpload(r))
	if err != nil {
		www.PanicBadRequestf("Invalid image: %v", err)
	}

	ctx := r.Context()
	if s.Config.Detect.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(s.Config.Detect.TimeoutSeconds*float64(time.Second)))
		defer cancel()
	}
	result, err := nn.TiledInference(ctx, s.detector, img, tiledParams)
	if err != nil {
		s.sendDetectError(w, r, err)
		return
	}

	annotated, err := annotate.Render(img, result.Objects, &s.Config.Annotate)
	www.Check(err)
	annotatedPNG, err := imgx.EncodePNG(annotated)
	www.Check(err)

	resp := &detectResponseJSON{
		PipeCount:   result.Count(),
		Detections:  result.Objects,
		ImageWidth:  result.ImageWidth,
		ImageHeight: result.ImageHeight,
		Tiles:       result.Tiles,
		PoolSize:    result.PoolSize,
	}

	event := &feed.Event{
		Time:       time.Now().UnixMilli(),
		UserID:     userID,
		PipeCount:  result.Count(),
		Width:      result.ImageWidth,
		Height:     result.ImageHeight,
		Tiles:      len(result.Tiles),
		PoolSize:   result.PoolSize,
		DurationMS: time.Since(start).Milliseconds(),
	}

	if userID != "" && s.history != nil {
		nr := &history.NewRecord{
			UserID:       userID,
			PipeCount:    result.Count(),
			ImageWidth:   result.ImageWidth,
			ImageHeight:  result.ImageHeight,
			Detections:   result.Objects,
			Annotated:    annotated,
			AnnotatedPNG: annotatedPNG,
		}
		if s.Config.Persist.Mode == PersistSync {
			rec, err := s.history.Save(r.Context(), nr)
			if err != nil {
				s.Log.Warnf("Failed to save history for user %v: %v", userID, err)
				resp.PersistError = err.Error()
			} else {
				resp.RecordID = rec.ID
				event.RecordID = rec.ID
			}
		} else {
			s.persistAsync(nr)
		}
	}
	s.feed.Publish(event)
	s.stats.AddSuccess(time.Since(start), result.Count(), len(result.Tiles), result.PoolSize)

	s.Log.Infof("Detected %v pipes in %vx%v image (%v tiles, %v raw detections) in %v ms",
		result.Count(), result.ImageWidth, result.ImageHeight, len(result.Tiles), result.PoolSize, event.DurationMS)

	if format == "png" {
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("X-Pipe-Count", strconv.Itoa(result.Count()))
		if resp.RecordID != 0 {
			w.Header().Set("X-Record-Id", strconv.FormatInt(resp.RecordID, 10))
		}
		w.Write(annotatedPNG)
		return
	}
	resp.AnnotatedImage = base64.StdEncoding.EncodeToString(annotatedPNG)
	www.SendJSON(w, resp)
}

// Save the record after the response has been sent. Failures are only logged.
func (s *Server) persistAsync(nr *history.NewRecord) {
	s.persistWG.Add(1)
	go func() {
		defer s.persistWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		rec, err := s.history.Save(ctx, nr)
		if err != nil {
			s.Log.Warnf("Failed to save history for user %v: %v", nr.UserID, err)
			return
		}
		s.Log.Debugf("Saved history record %v for user %v", rec.ID, nr.UserID)
	}()
}

// Map a TiledInference failure onto an HTTP status code
func (s *Server) sendDetectError(w http.ResponseWriter, r *http.Request, err error) {
	s.stats.AddFailure()
	var detErr *nn.DetectionError
	switch {
	case errors.Is(err, nn.ErrInvalidInput):
		www.PanicBadRequestf("%v", err)
	case errors.Is(err, context.DeadlineExceeded):
		s.Log.Warnf("Detection timed out: %v", err)
		sendJSONError(w, fmt.Sprintf("Detection timed out: %v", err), http.StatusGatewayTimeout)
	case r.Context().Err() != nil:
		// Client went away. Nobody is listening for a response.
		s.Log.Infof("Detection abandoned: %v", err)
	case errors.As(err, &detErr):
		code := http.StatusInternalServerError
		if _, isRemote := s.detector.(*remotenn.Detector); isRemote {
			code = http.StatusBadGateway
		}
		s.Log.Errorf("Detection failed: %v", err)
		sendJSONError(w, err.Error(), code)
	default:
		www.Check(err)
	}
}
