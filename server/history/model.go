package history

import (
	"fmt"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/pipecount/pkg/nn"
)

// BaseModel is our base class for a GORM model.
// The default GORM Model uses int, but we prefer int64
type BaseModel struct {
	ID int64 `gorm:"primaryKey" json:"id"`
}

// Record is one completed pipe count
type Record struct {
	BaseModel
	UserID      string                               `json:"userId"`
	PipeCount   int                                  `json:"pipeCount"`
	ImageWidth  int                                  `json:"imageWidth"`
	ImageHeight int                                  `json:"imageHeight"`
	CreatedAt   dbh.IntTime                          `json:"createdAt"` // unix milliseconds
	Detections  *dbh.JSONField[[]nn.ObjectDetection] `json:"-"`
}

func (Record) TableName() string {
	return "record"
}

func (r *Record) Objects() []nn.ObjectDetection {
	if r.Detections == nil {
		return nil
	}
	return r.Detections.Data
}

func (r *Record) blobDir() string {
	return fmt.Sprintf("history/%v/%v", r.UserID, r.ID)
}

// Blob name of the annotated PNG
func (r *Record) AnnotatedBlob() string {
	return r.blobDir() + "/annotated.png"
}

// Blob name of the JPEG thumbnail
func (r *Record) ThumbnailBlob() string {
	return r.blobDir() + "/thumb.jpg"
}
