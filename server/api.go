package server

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/cyclopcam/www"
	"github.com/go-chi/httprate"
	"github.com/julienschmidt/httprouter"
)

func (s *Server) setupHttpRoutes() error {
	logEveryRequest := false
	router := httprouter.New()

	handle := func(method, route string, handle httprouter.Handle) {
		www.Handle(s.Log, router, method, route, func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
			if logEveryRequest {
				s.Log.Infof("HTTP %v %v", method, r.URL.Path)
			}
			handle(w, r, params)
		})
	}

	// Inference is expensive, so each client IP gets a budget
	ratelimited := func(method, route string, handle httprouter.Handle) {
		cfg := s.Config.RateLimit
		if cfg.Requests <= 0 {
			www.Handle(s.Log, router, method, route, handle)
			return
		}
		window := time.Duration(max(cfg.WindowSeconds, 1)) * time.Second
		limited := httprate.Limit(cfg.Requests, window,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
				sendJSONError(w, "Too many requests. Try again later.", http.StatusTooManyRequests)
			}))
		www.Handle(s.Log, router, method, route, func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
			limited(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				handle(w, r, params)
			})).ServeHTTP(w, r)
		})
	}

	handle("GET", "/", s.httpIndex)
	handle("GET", "/api/ping", s.httpPing)
	handle("GET", "/api/feed", s.httpFeed)
	handle("GET", "/api/stats", s.httpStats)

	ratelimited("POST", "/api/detect", s.jsonErrors(s.httpDetect))
	ratelimited("POST", "/predict", s.jsonErrors(s.httpDetect))

	handle("GET", "/api/history/:userid", s.jsonErrors(s.httpHistoryList))
	handle("GET", "/api/history/:userid/:id/image", s.jsonErrors(s.httpHistoryImage))
	handle("GET", "/api/history/:userid/:id/thumbnail", s.jsonErrors(s.httpHistoryThumbnail))
	handle("DELETE", "/api/history/:userid/:id", s.jsonErrors(s.httpHistoryDelete))

	s.httpRouter = router
	s.httpHandler = router
	if s.Config.CorsOrigin != "" {
		s.httpHandler = corsMiddleware(s.Config.CorsOrigin, router)
	}
	return nil
}

// Browser front ends are served from a different origin
func corsMiddleware(origin string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Access-Control-Expose-Headers", "X-Pipe-Count, X-Record-Id")
		if origin != "*" {
			w.Header().Add("Vary", "Origin")
		}
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type errorJSON struct {
	Error string `json:"error"`
}

func sendJSONError(w http.ResponseWriter, message string, code int) {
	b, _ := json.Marshal(&errorJSON{Error: message})
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(code)
	w.Write(b)
}

// jsonErrors sends failures of handle as {"error": "..."}.
// Runtime panics are passed on to www.Handle, which logs the stack trace.
func (s *Server) jsonErrors(handle httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			switch e := rec.(type) {
			case www.HTTPError:
				s.Log.Infof("Failed request %v: %v %v", r.URL.Path, e.Code, e.Message)
				sendJSONError(w, e.Message, e.Code)
			case *www.HTTPError:
				s.Log.Infof("Failed request %v: %v %v", r.URL.Path, e.Code, e.Message)
				sendJSONError(w, e.Message, e.Code)
			case runtime.Error:
				panic(rec)
			case error:
				s.Log.Errorf("Failed request %v: %v", r.URL.Path, e)
				sendJSONError(w, e.Error(), http.StatusInternalServerError)
			default:
				panic(rec)
			}
		}()
		handle(w, r, params)
	}
}
