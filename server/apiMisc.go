package server

import (
	"net/http"
	"time"

	"github.com/cyclopcam/www"
	"github.com/julienschmidt/httprouter"
)

func (s *Server) httpIndex(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	www.SendText(w, "Hello, world!")
}

func (s *Server) httpPing(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	type pingJSON struct {
		Time int64 `json:"time"`
	}
	ping := &pingJSON{
		Time: time.Now().Unix(),
	}
	www.SendJSON(w, ping)
}

func (s *Server) httpFeed(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	s.feed.ServeWS(w, r)
}

func (s *Server) httpStats(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	www.SendJSON(w, s.stats.Snapshot())
}
