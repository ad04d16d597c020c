package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/pipecount/pkg/annotate"
	"github.com/cyclopcam/pipecount/pkg/nn"
	"github.com/cyclopcam/pipecount/pkg/nnload"
	"github.com/joho/godotenv"
)

const (
	PersistAsync = "async" // Persist in the background. Failures are only logged.
	PersistSync  = "sync"  // Persist before responding. Failures are reported in the response.

	TilingGrid = "grid"
	TilingAuto = "auto"
)

type Config struct {
	Listen      string             `json:"listen"`      // eg ":8080"
	DB          dbh.DBConfig       `json:"db"`          // History DB. If Driver is empty, history is disabled.
	Storage     StorageConfig      `json:"storage"`     // Blob storage for history images
	Cache       string             `json:"cache"`       // Path to the blob cache directory
	CacheMaxMB  int                `json:"cacheMaxMB"`  // Size limit of the blob cache
	Model       nnload.ModelConfig `json:"model"`       // Where the detector comes from
	Detect      DetectConfig       `json:"detect"`      // Default detection parameters
	Merge       MergeConfig        `json:"merge"`       // Cross-tile merging
	Persist     PersistConfig      `json:"persist"`     // History persistence
	RateLimit   RateLimitConfig    `json:"rateLimit"`   // Per-IP limit on the detect endpoint
	Annotate    annotate.Style     `json:"annotate"`    // Appearance of the annotated image
	FeedBacklog int                `json:"feedBacklog"` // Number of recent events replayed to new feed listeners
	CorsOrigin  string             `json:"corsOrigin"`  // Access-Control-Allow-Origin for browser clients. Empty disables CORS headers.
}

// One of the storage options must be configured (i.e. either 'filesystem', 'gcs' or 'memory')
type StorageConfig struct {
	Filesystem *StorageConfigFS  `json:"filesystem"`
	GCS        *StorageConfigGCS `json:"gcs"`
	Memory     bool              `json:"memory"` // Blobs are lost on restart. Intended for tests and demos.
}

type StorageConfigFS struct {
	Root string `json:"root"` // Path to the root of the filesystem
}

type StorageConfigGCS struct {
	Bucket string `json:"bucket"` // Name of the GCS bucket
	Public bool   `json:"public"` // Whether the bucket is public. This allows us to give clients direct URLs into GCS, instead of passing the data through our service
}

type DetectConfig struct {
	Rows           int     `json:"rows"`
	Cols           int     `json:"cols"`
	Tiling         string  `json:"tiling"`     // "grid" or "auto"
	MinPadding     int     `json:"minPadding"` // Overlap between model-sized tiles, for "auto" tiling
	Confidence     float32 `json:"conf"`
	Iou            float32 `json:"iou"`            // Per-tile NMS inside the detector
	Threads        int     `json:"threads"`        // Tiles in flight per request. Zero means NumCPU.
	TimeoutSeconds float64 `json:"timeoutSeconds"` // Per-request detection deadline
	MaxUploadMB    int     `json:"maxUploadMB"`
}

type MergeConfig struct {
	Iou        float32 `json:"iou"`
	ClassAware bool    `json:"classAware"`
}

type PersistConfig struct {
	Mode string `json:"mode"` // "async" or "sync"
}

type RateLimitConfig struct {
	Requests      int `json:"requests"` // Zero disables rate limiting
	WindowSeconds int `json:"windowSeconds"`
}

func DefaultConfig() *Config {
	return &Config{
		Listen:     ":8080",
		CacheMaxMB: 256,
		Model: nnload.ModelConfig{
			Backend:      nnload.BackendRemote,
			InferenceURL: "http://localhost:8000",
		},
		Detect: DetectConfig{
			Rows:           nn.DefaultRows,
			Cols:           nn.DefaultCols,
			Tiling:         TilingGrid,
			Confidence:     nn.DefaultProbabilityThreshold,
			Iou:            nn.DefaultNmsIouThreshold,
			TimeoutSeconds: 120,
			MaxUploadMB:    32,
		},
		Merge: MergeConfig{
			Iou: nn.DefaultMergeIouThreshold,
		},
		Persist: PersistConfig{
			Mode: PersistAsync,
		},
		RateLimit: RateLimitConfig{
			Requests:      60,
			WindowSeconds: 60,
		},
		Annotate:    *annotate.DefaultStyle(),
		FeedBacklog: 16,
		CorsOrigin:  "*",
	}
}

// LoadConfig reads the JSON config file on top of DefaultConfig, and then applies
// environment overrides. An empty filename means "defaults only".
// Variables from a .env file in the working directory are loaded first, if the file exists.
func LoadConfig(filename string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("Error loading .env: %w", err)
	}
	cfg := DefaultConfig()
	if filename != "" {
		raw, err := os.ReadFile(filename)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("Error parsing config file %v: %w", filename, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PIPECOUNT_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("PIPECOUNT_MODEL_URL"); v != "" {
		c.Model.ModelURL = v
	}
	if v := os.Getenv("PIPECOUNT_INFERENCE_URL"); v != "" {
		c.Model.InferenceURL = v
	}
}

func (c *Config) Validate() error {
	switch c.Persist.Mode {
	case "":
		c.Persist.Mode = PersistAsync
	case PersistAsync, PersistSync:
	default:
		return fmt.Errorf("Invalid persist mode '%v'. Must be '%v' or '%v'", c.Persist.Mode, PersistAsync, PersistSync)
	}
	switch strings.ToLower(c.Detect.Tiling) {
	case "":
		c.Detect.Tiling = TilingGrid
	case TilingGrid, TilingAuto:
	default:
		return fmt.Errorf("Invalid tiling '%v'. Must be '%v' or '%v'", c.Detect.Tiling, TilingGrid, TilingAuto)
	}
	if c.FeedBacklog < 0 {
		return fmt.Errorf("Invalid feedBacklog %v. Must be zero or more", c.FeedBacklog)
	}
	if c.HistoryEnabled() && c.Storage.Filesystem == nil && c.Storage.GCS == nil && !c.Storage.Memory {
		return fmt.Errorf("History is enabled, so one of the storage options must be configured (i.e. either 'filesystem', 'gcs' or 'memory')")
	}
	return c.DefaultTiledParams().Validate()
}

func (c *Config) HistoryEnabled() bool {
	return c.DB.Driver != ""
}

// DefaultTiledParams is the starting point for every detection request
func (c *Config) DefaultTiledParams() *nn.TiledParams {
	p := nn.NewTiledParams()
	p.Rows = c.Detect.Rows
	p.Cols = c.Detect.Cols
	p.Auto = strings.ToLower(c.Detect.Tiling) == TilingAuto
	p.MinPadding = c.Detect.MinPadding
	p.Detection.ProbabilityThreshold = c.Detect.Confidence
	p.Detection.NmsIouThreshold = c.Detect.Iou
	p.MergeIouThreshold = c.Merge.Iou
	p.ClassAware = c.Merge.ClassAware
	p.Threads = c.Detect.Threads
	return p
}
