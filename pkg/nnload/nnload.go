package nnload

// Package nnload wraps up our 'nn' interface layer, and has concrete references to our
// detector implementations (remote HTTP and OpenCV), so that you can just call one function
// to load a model, and not need to know about the implementation details.

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/pipecount/pkg/cvnn"
	"github.com/cyclopcam/pipecount/pkg/nn"
	"github.com/cyclopcam/pipecount/pkg/remotenn"
)

const (
	BackendRemote = "remote" // Inference runs in a separate HTTP service
	BackendONNX   = "onnx"   // Inference runs in-process via OpenCV
)

// ModelConfig describes where a detector comes from
type ModelConfig struct {
	Backend      string `json:"backend"`      // "remote" or "onnx"
	InferenceURL string `json:"inferenceUrl"` // Base URL of the inference service (remote backend)
	ModelDir     string `json:"modelDir"`     // Directory where model files are cached
	ModelName    string `json:"modelName"`    // eg "pipes_yolov8n". Files are <ModelName>.onnx and <ModelName>.json
	ModelURL     string `json:"modelUrl"`     // Base URL from which missing model files are downloaded
	Timeout      int    `json:"timeout"`      // Seconds per remote inference request
}

// DefaultModelConfig is used when no <ModelName>.json is available.
// It matches the single-class pipe model.
func DefaultModelConfig() *nn.ModelConfig {
	return &nn.ModelConfig{
		Architecture: "yolov8",
		Width:        640,
		Height:       640,
		Classes:      []string{"pipe"},
	}
}

var downloadLocks sync.Map // target filename -> *sync.Mutex

func downloadFile(srcUrl, targetFile string) error {
	tempFile := targetFile + ".tmp"
	if err := os.MkdirAll(filepath.Dir(targetFile), 0755); err != nil {
		return err
	}
	resp, err := http.DefaultClient.Get(srcUrl)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return fmt.Errorf("HTTP error %v", resp.Status)
	}
	file, err := os.Create(tempFile)
	if err != nil {
		return err
	}
	defer file.Close()
	_, err = io.Copy(file, resp.Body)
	if err != nil {
		os.Remove(tempFile)
		return err
	}
	if err := file.Close(); err != nil {
		os.Remove(tempFile)
		return err
	}
	return os.Rename(tempFile, targetFile)
}

// If the file is not yet downloaded, then download it now.
// Returns immediately if the file already exists.
// Concurrent calls for the same file are serialized, so the file is only fetched once.
func DownloadModel(log logs.Log, srcUrl, targetFile string) error {
	lock, _ := downloadLocks.LoadOrStore(targetFile, &sync.Mutex{})
	lock.(*sync.Mutex).Lock()
	defer lock.(*sync.Mutex).Unlock()

	if _, err := os.Stat(targetFile); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}
	if srcUrl == "" {
		return fmt.Errorf("%v does not exist, and no download URL is configured", targetFile)
	}
	log.Infof("Downloading %v to %v", srcUrl, targetFile)
	start := time.Now()
	if err := downloadFile(srcUrl, targetFile); err != nil {
		return fmt.Errorf("Download of %v failed: %w", srcUrl, err)
	}
	log.Infof("Downloaded %v in %.1f seconds", filepath.Base(targetFile), time.Since(start).Seconds())
	return nil
}

// Load <ModelName>.json if it exists (downloading it if possible), otherwise fall back to the default config
func loadModelConfig(log logs.Log, cfg *ModelConfig) (*nn.ModelConfig, error) {
	if cfg.ModelName == "" || cfg.ModelDir == "" {
		return DefaultModelConfig(), nil
	}
	jsonFile := filepath.Join(cfg.ModelDir, cfg.ModelName+".json")
	if cfg.ModelURL != "" {
		if err := DownloadModel(log, modelFileURL(cfg, ".json"), jsonFile); err != nil {
			log.Warnf("Model config not available: %v", err)
		}
	}
	if _, err := os.Stat(jsonFile); os.IsNotExist(err) {
		log.Infof("No model config at %v, using defaults", jsonFile)
		return DefaultModelConfig(), nil
	}
	config, err := nn.LoadModelConfig(jsonFile)
	if err != nil {
		return nil, fmt.Errorf("Failed to load model config %v: %w", jsonFile, err)
	}
	if len(config.Classes) == 0 {
		config.Classes = DefaultModelConfig().Classes
	}
	return config, nil
}

func modelFileURL(cfg *ModelConfig, ext string) string {
	if cfg.ModelURL == "" {
		return ""
	}
	return strings.TrimSuffix(cfg.ModelURL, "/") + "/" + cfg.ModelName + ext
}

// LoadModel creates the detector described by cfg.
// For the onnx backend, the model is downloaded first if it is not already on disk.
func LoadModel(log logs.Log, cfg *ModelConfig) (nn.ObjectDetector, error) {
	config, err := loadModelConfig(log, cfg)
	if err != nil {
		return nil, err
	}

	switch cfg.Backend {
	case BackendRemote, "":
		log.Infof("Using remote inference service at %v", cfg.InferenceURL)
		detector, err := remotenn.NewDetector(cfg.InferenceURL, *config, &remotenn.Options{
			Timeout: time.Duration(cfg.Timeout) * time.Second,
		})
		if err != nil {
			return nil, err
		}
		return detector, nil
	case BackendONNX:
		if cfg.ModelName == "" || cfg.ModelDir == "" {
			return nil, fmt.Errorf("modelName and modelDir are required for the onnx backend")
		}
		modelFile := filepath.Join(cfg.ModelDir, cfg.ModelName+".onnx")
		if err := DownloadModel(log, modelFileURL(cfg, ".onnx"), modelFile); err != nil {
			return nil, err
		}
		log.Infof("Loading ONNX model %v (%v x %v)", modelFile, config.Width, config.Height)
		return cvnn.NewDetector(config, modelFile)
	default:
		return nil, fmt.Errorf("Unknown NN backend '%v'", cfg.Backend)
	}
}
