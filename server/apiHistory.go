package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/cyclopcam/pipecount/pkg/nn"
	"github.com/cyclopcam/pipecount/server/history"
	"github.com/cyclopcam/pipecount/server/storage"
	"github.com/cyclopcam/www"
	"github.com/julienschmidt/httprouter"
)

type recordJSON struct {
	ID          int64                `json:"id"`
	UserID      string               `json:"userId"`
	PipeCount   int                  `json:"pipeCount"`
	ImageWidth  int                  `json:"imageWidth"`
	ImageHeight int                  `json:"imageHeight"`
	CreatedAt   int64                `json:"createdAt"` // Unix milliseconds
	Detections  []nn.ObjectDetection `json:"detections"`
}

func makeRecordJSON(rec *history.Record) *recordJSON {
	objects := rec.Objects()
	if objects == nil {
		objects = []nn.ObjectDetection{}
	}
	return &recordJSON{
		ID:          rec.ID,
		UserID:      rec.UserID,
		PipeCount:   rec.PipeCount,
		ImageWidth:  rec.ImageWidth,
		ImageHeight: rec.ImageHeight,
		CreatedAt:   int64(rec.CreatedAt),
		Detections:  objects,
	}
}

// Returns false (after sending an error) if history is not available
func (s *Server) historyUser(w http.ResponseWriter, params httprouter.Params) (string, bool) {
	if s.history == nil {
		sendJSONError(w, "History is not enabled on this server", http.StatusNotFound)
		return "", false
	}
	userID := params.ByName("userid")
	if !history.ValidUserID(userID) {
		www.PanicBadRequestf("Invalid user ID '%v'", userID)
	}
	return userID, true
}

func (s *Server) getRecord(w http.ResponseWriter, params httprouter.Params) *history.Record {
	userID, ok := s.historyUser(w, params)
	if !ok {
		return nil
	}
	id := www.ParseID(params.ByName("id"))
	if id == 0 {
		www.PanicBadRequestf("Invalid record ID '%v'", params.ByName("id"))
	}
	rec, err := s.history.Get(userID, id)
	if errors.Is(err, history.ErrNotFound) {
		sendJSONError(w, err.Error(), http.StatusNotFound)
		return nil
	}
	www.Check(err)
	return rec
}

func (s *Server) httpHistoryList(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	userID, ok := s.historyUser(w, params)
	if !ok {
		return
	}
	records, err := s.history.List(userID, www.QueryInt(r, "limit"))
	www.Check(err)
	out := make([]*recordJSON, 0, len(records))
	for i := range records {
		out = append(out, makeRecordJSON(&records[i]))
	}
	www.SendJSON(w, out)
}

func (s *Server) httpHistoryImage(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	if rec := s.getRecord(w, params); rec != nil {
		s.serveBlob(w, r, rec, rec.AnnotatedBlob(), "image/png")
	}
}

func (s *Server) httpHistoryThumbnail(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	if rec := s.getRecord(w, params); rec != nil {
		s.serveBlob(w, r, rec, rec.ThumbnailBlob(), "image/jpeg")
	}
}

func (s *Server) serveBlob(w http.ResponseWriter, r *http.Request, rec *history.Record, name, contentType string) {
	// Public buckets can serve the blob directly
	if url, err := s.storage.URL(name); err == nil {
		http.Redirect(w, r, url, http.StatusFound)
		return
	}

	var reader io.ReadCloser
	if s.storageCache != nil {
		file, err := s.storageCache.Open(r.Context(), name)
		if errors.Is(err, storage.ErrNotFound) {
			sendJSONError(w, "Image not found", http.StatusNotFound)
			return
		}
		www.Check(err)
		reader = file
	} else {
		file, err := s.storage.ReadFile(r.Context(), name)
		if errors.Is(err, storage.ErrNotFound) {
			sendJSONError(w, "Image not found", http.StatusNotFound)
			return
		}
		www.Check(err)
		reader = file.Reader
	}
	defer reader.Close()
	w.Header().Set("Content-Type", contentType)
	if seeker, ok := reader.(io.ReadSeeker); ok {
		http.ServeContent(w, r, "", rec.CreatedAt.Get(), seeker)
	} else {
		io.Copy(w, reader)
	}
}

func (s *Server) httpHistoryDelete(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	rec := s.getRecord(w, params)
	if rec == nil {
		return
	}
	_, err := s.history.Delete(r.Context(), rec.UserID, rec.ID)
	if errors.Is(err, history.ErrNotFound) {
		sendJSONError(w, err.Error(), http.StatusNotFound)
		return
	}
	www.Check(err)
	if s.storageCache != nil {
		s.storageCache.Invalidate(rec.AnnotatedBlob())
		s.storageCache.Invalidate(rec.ThumbnailBlob())
	}
	s.Log.Infof("Deleted history record %v of user %v", rec.ID, rec.UserID)
	www.SendOK(w)
}
