// Package server is the pipe counting HTTP service
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/pipecount/pkg/nn"
	"github.com/cyclopcam/pipecount/pkg/nnload"
	"github.com/cyclopcam/pipecount/pkg/perfstats"
	"github.com/cyclopcam/pipecount/server/feed"
	"github.com/cyclopcam/pipecount/server/history"
	"github.com/cyclopcam/pipecount/server/storage"
	"github.com/cyclopcam/pipecount/server/storagecache"
	"github.com/julienschmidt/httprouter"
)

type Server struct {
	Log    logs.Log
	Config *Config

	signalIn     chan os.Signal
	httpServer   *http.Server
	httpRouter   *httprouter.Router
	httpHandler  http.Handler // httpRouter, wrapped in CORS headers
	detector     nn.ObjectDetector
	history      *history.Store // nil if history is disabled
	storage      storage.Storage
	storageCache *storagecache.StorageCache
	feed         *feed.Feed
	stats        *perfstats.DetectStats
	persistWG    sync.WaitGroup // Background history writes
	shutdownOnce sync.Once
}

// NewServer loads the detector described by cfg.Model, and opens history storage
func NewServer(logger logs.Log, cfg *Config) (*Server, error) {
	detector, err := nnload.LoadModel(logger, &cfg.Model)
	if err != nil {
		return nil, fmt.Errorf("Failed to load detector: %w", err)
	}
	s, err := NewServerWithDetector(logger, cfg, detector)
	if err != nil {
		detector.Close()
		return nil, err
	}
	return s, nil
}

// NewServerWithDetector is NewServer with an already constructed detector.
// The server takes ownership of the detector, and closes it on Shutdown.
func NewServerWithDetector(logger logs.Log, cfg *Config, detector nn.ObjectDetector) (*Server, error) {
	s := &Server{
		Log:      logger,
		Config:   cfg,
		detector: detector,
		feed:     feed.NewFeed(logger, cfg.FeedBacklog),
		stats:    perfstats.NewDetectStats(),
	}
	if cfg.HistoryEnabled() {
		if err := s.openHistory(); err != nil {
			return nil, err
		}
	}
	if err := s.setupHttpRoutes(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Server) openHistory() error {
	cfg := s.Config
	var err error
	// Open blob store
	if cfg.Storage.GCS != nil {
		// Google Cloud Storage
		s.storage, err = storage.NewStorageGCS(context.Background(), s.Log, cfg.Storage.GCS.Bucket, cfg.Storage.GCS.Public)
	} else if cfg.Storage.Filesystem != nil {
		// Filesystem
		s.storage, err = storage.NewStorageFS(s.Log, cfg.Storage.Filesystem.Root)
	} else if cfg.Storage.Memory {
		s.storage = storage.NewStorageMem()
	} else {
		err = fmt.Errorf("One of the storage options must be configured (i.e. either 'filesystem', 'gcs' or 'memory')")
	}
	if err != nil {
		return err
	}

	// A remote blob store is a PITA to seek, so images are served out of a local cache
	if cfg.Storage.GCS != nil && cfg.Cache != "" {
		s.storageCache, err = storagecache.NewStorageCache(s.Log, s.storage, cfg.Cache, int64(cfg.CacheMaxMB)*1024*1024)
		if err != nil {
			return err
		}
	}

	s.history, err = history.Open(s.Log, cfg.DB, s.storage)
	return err
}

// Router is exposed for tests
func (s *Server) Router() http.Handler {
	return s.httpHandler
}

// addr example: ":8080"
func (s *Server) ListenHTTP(addr string) error {
	s.Log.Infof("Listening on %v", addr)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.httpHandler,
	}
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) ListenForKillSignals() {
	s.Log.Infof("ListenForKillSignals starting")
	s.signalIn = make(chan os.Signal, 1)
	signal.Notify(s.signalIn, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig, ok := <-s.signalIn
		if ok {
			s.Log.Infof("Received OS signal '%v'. ListenForKillSignals will exit after shutdown", sig.String())
			s.Shutdown()
		} else {
			// This path gets hit when Shutdown() is called by something other than ourselves, and Shutdown() closes the signalIn channel.
			s.Log.Infof("signalIn closed. ListenForKillSignals will exit now")
		}
	}()
}

// Shutdown stops the HTTP server, waits for background history writes, and releases the detector.
// Safe to call more than once.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(s.shutdown)
}

func (s *Server) shutdown() {
	s.Log.Infof("Shutdown")
	if s.signalIn != nil {
		signal.Stop(s.signalIn)
		close(s.signalIn)
	}
	if s.httpServer != nil {
		s.Log.Infof("Closing HTTP server")
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := s.httpServer.Shutdown(ctx)
		cancel()
		if err != nil {
			s.Log.Warnf("HTTP server shutdown error: %v", err)
		}
	}
	s.feed.Close()
	s.Log.Infof("Waiting for history writes")
	s.persistWG.Wait()
	if s.history != nil {
		s.history.Close()
	}
	if closer, ok := s.storage.(interface{ Close() error }); ok {
		closer.Close()
	}
	s.detector.Close()
	s.Log.Infof("Shutdown complete")
}
