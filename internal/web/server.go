// Package web is the admission and status HTTP API: queue join/leave, match
// lifecycle actions and a few read-only status endpoints for operators.
package web

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"golang.org/x/time/rate"

	"nydus/internal/back"
	"nydus/internal/util"
	"nydus/internal/wal"
	"nydus/internal/worker"
)

type Server struct {
	http *http.Server
	back *back.Back
	pool *worker.Pool

	// enqueueLimiter throttles queue admission globally: joining the
	// queue is the only write an anonymous client can spam.
	enqueueLimiter *rate.Limiter
}

func NewServer(b *back.Back, pool *worker.Pool, addr string) *Server {
	s := &Server{
		back:           b,
		pool:           pool,
		enqueueLimiter: rate.NewLimiter(rate.Limit(10), 20),
	}

	s.http = &http.Server{
		Addr:        addr,
		ReadTimeout: 30 * time.Second,
		// Replay uploads hold the connection through decoding and
		// verification.
		WriteTimeout: 3 * time.Minute,
		IdleTimeout:  10 * time.Second,
		Handler:      s.setupRouter(),
	}

	return s
}

func (s *Server) setupRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)

	r.Route("/api", func(r chi.Router) {
		r.Post("/queue/{playerID}", s.postQueue)
		r.Delete("/queue/{playerID}", s.deleteQueue)
		r.Get("/queue", s.getQueueStats)

		r.Route("/match/{matchID}", func(r chi.Router) {
			r.Post("/confirm", s.postConfirm)
			r.Post("/report", s.postReport)
			r.Post("/replay", s.postReplay)
			r.Post("/abort", s.postAbort)
			r.Post("/ack", s.postAck)
		})

		r.Get("/wal", s.getWALStats)
		r.Get("/workers", s.getWorkerHealth)
	})

	return r
}

func (s *Server) Serve(wg *sync.WaitGroup, done <-chan struct{}) {
	log.Println("info: starting HTTP server")
	wg.Add(1)
	defer wg.Done()

	go func() {
		err := s.http.ListenAndServe()
		if err == http.ErrServerClosed {
			log.Println("info: HTTP server closed")
			return
		}

		log.Fatalf("webserver crashed: %s", err)
	}()

	<-done
	if err := s.http.Close(); err != nil {
		log.Printf("warning: unable to close webserver: %s", err)
	}
}

func (s *Server) response(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")

	response, err := json.Marshal(data)
	if err != nil {
		log.Printf("error: unable to marshal response: %s", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.WriteHeader(code)

	if _, err := w.Write(response); err != nil {
		log.Printf("error: unable to send response: %s", err)
	}
}

// error sends public errors back with their message and hides everything
// else behind a bare status code.
func (s *Server) error(w http.ResponseWriter, err error) {
	var public util.ErrPublic
	if errors.As(err, &public) {
		s.response(w, http.StatusUnprocessableEntity, map[string]string{
			"error": public.Error(),
		})
		return
	}

	log.Printf("error: %s", err)
	w.WriteHeader(http.StatusInternalServerError)
}

func (s *Server) getWALStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.back.WAL().Stats()
	if err != nil {
		s.error(w, err)
		return
	}

	s.response(w, http.StatusOK, map[string]int{
		"pending":   stats[wal.StatusPending],
		"completed": stats[wal.StatusCompleted],
		"failed":    stats[wal.StatusFailed],
	})
}

func (s *Server) getWorkerHealth(w http.ResponseWriter, r *http.Request) {
	if s.pool == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	s.response(w, http.StatusOK, s.pool.Health())
}

func (s *Server) getQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.back.QueueStats()
	if err != nil {
		s.error(w, err)
		return
	}

	s.response(w, http.StatusOK, stats)
}
