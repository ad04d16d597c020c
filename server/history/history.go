// Package history stores the results of pipe counts, per user.
// Record metadata lives in the DB, and the annotated image plus its thumbnail live in blob storage.
package history

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/pipecount/pkg/annotate"
	"github.com/cyclopcam/pipecount/pkg/nn"
	"github.com/cyclopcam/pipecount/server/storage"
	"gorm.io/gorm"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 1000
)

var ErrNotFound = errors.New("History record not found")
var ErrInvalidUserID = errors.New("Invalid user ID")

// User IDs end up in blob names, so they're restricted to a safe alphabet
var validUserID = regexp.MustCompile(`^[A-Za-z0-9_\-@.]{1,64}$`)

func ValidUserID(userID string) bool {
	return validUserID.MatchString(userID) && userID != "." && userID != ".."
}

// NewRecord is the input to Store.Save
type NewRecord struct {
	UserID       string
	PipeCount    int
	ImageWidth   int
	ImageHeight  int
	Detections   []nn.ObjectDetection
	Annotated    image.Image // Source for the thumbnail
	AnnotatedPNG []byte
}

type Store struct {
	log              logs.Log
	db               *gorm.DB
	blobs            storage.Storage
	ThumbnailSize    int
	ThumbnailQuality int
}

// Open the history DB, running migrations if necessary
func Open(log logs.Log, dbc dbh.DBConfig, blobs storage.Storage) (*Store, error) {
	if dbc.Driver == dbh.DriverSqlite {
		os.MkdirAll(filepath.Dir(dbc.Database), 0755)
	}
	log.Infof("Opening history DB (%v)", dbc.LogSafeDescription())
	db, err := dbh.OpenDB(log, dbc, Migrations(log, dbc.Driver), 0)
	if err != nil {
		return nil, fmt.Errorf("Failed to open history database: %w", err)
	}
	return NewStore(log, db, blobs), nil
}

func NewStore(log logs.Log, db *gorm.DB, blobs storage.Storage) *Store {
	return &Store{
		log:              log,
		db:               db,
		blobs:            blobs,
		ThumbnailSize:    annotate.DefaultThumbnailSize,
		ThumbnailQuality: 85,
	}
}

func (s *Store) Close() {
	if sqlDB, err := s.db.DB(); err == nil {
		sqlDB.Close()
	}
}

func (s *Store) Blobs() storage.Storage {
	return s.blobs
}

// Save a new record. If the blobs cannot be written, the DB row is removed again,
// so a failed save leaves nothing behind.
func (s *Store) Save(ctx context.Context, nr *NewRecord) (*Record, error) {
	if !ValidUserID(nr.UserID) {
		return nil, fmt.Errorf("%w: '%v'", ErrInvalidUserID, nr.UserID)
	}
	if len(nr.AnnotatedPNG) == 0 {
		return nil, fmt.Errorf("Annotated image is empty")
	}
	var thumb []byte
	if nr.Annotated != nil {
		var err error
		if thumb, err = annotate.Thumbnail(nr.Annotated, s.ThumbnailSize, s.ThumbnailQuality); err != nil {
			return nil, fmt.Errorf("Failed to create thumbnail: %w", err)
		}
	}

	objects := nr.Detections
	if objects == nil {
		objects = []nn.ObjectDetection{}
	}
	rec := &Record{
		UserID:      nr.UserID,
		PipeCount:   nr.PipeCount,
		ImageWidth:  nr.ImageWidth,
		ImageHeight: nr.ImageHeight,
		CreatedAt:   dbh.MakeIntTime(time.Now()),
		Detections:  &dbh.JSONField[[]nn.ObjectDetection]{Data: objects},
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return nil, err
	}

	err := storage.WriteFile(ctx, s.blobs, rec.AnnotatedBlob(), bytes.NewReader(nr.AnnotatedPNG))
	if err == nil && thumb != nil {
		err = storage.WriteFile(ctx, s.blobs, rec.ThumbnailBlob(), bytes.NewReader(thumb))
	}
	if err != nil {
		s.log.Warnf("Failed to write blobs of history record %v: %v", rec.ID, err)
		s.deleteBlobs(rec)
		if errDel := s.db.Delete(rec).Error; errDel != nil {
			s.log.Errorf("Failed to remove orphaned history record %v: %v", rec.ID, errDel)
		}
		return nil, err
	}
	return rec, nil
}

// List returns the user's records, newest first.
// Records with equal timestamps are ordered by descending ID.
func (s *Store) List(userID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	limit = min(limit, MaxListLimit)
	records := []Record{}
	err := s.db.Where("user_id = ?", userID).Order("created_at DESC, id DESC").Limit(limit).Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (s *Store) Get(userID string, id int64) (*Record, error) {
	rec := Record{}
	err := s.db.Where("user_id = ? AND id = ?", userID, id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Delete the record and its blobs. Returns the deleted record.
func (s *Store) Delete(ctx context.Context, userID string, id int64) (*Record, error) {
	rec, err := s.Get(userID, id)
	if err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Delete(rec).Error; err != nil {
		return nil, err
	}
	s.deleteBlobs(rec)
	return rec, nil
}

func (s *Store) deleteBlobs(rec *Record) {
	// Cleanup must run even if the request was cancelled
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, name := range []string{rec.AnnotatedBlob(), rec.ThumbnailBlob()} {
		if err := s.blobs.DeleteFile(ctx, name); err != nil {
			s.log.Warnf("Failed to delete blob %v: %v", name, err)
		}
	}
}
