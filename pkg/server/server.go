/*
	Package server exposes viewer sessions over HTTP: a form that sets the
	window half-width, neuroglancer precomputed sources for the original and
	projected volumes, and the viewer state that ties them together.
*/
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/rs/cors"
	"github.com/sirupsen/logrus"
	"github.com/zenazn/goji/web"
	"github.com/zenazn/goji/web/middleware"

	"zprojector/pkg/precomputed"
)

const (
	// DefaultAddress matches the port the trigger form was served on
	DefaultAddress = "127.0.0.1:8081"

	shutdownTimeout = 5 * time.Second
)

// Options configures the HTTP surface.
type Options struct {
	Address         string
	NeuroglancerURL string
	CORSOrigins     []string
	ReadTimeout     time.Duration

	// VoxelSize (x, y, z) and Units describe the coordinate space; Units
	// must be one precomputed.Nanometers converts
	VoxelSize [3]float64
	Units     string

	// ChunkSize (x, y, z) is advertised to the viewer
	ChunkSize [3]int
}

// Server routes requests to the sessions of a Manager.
type Server struct {
	opts    Options
	manager *Manager

	// resolution is VoxelSize in nanometers
	resolution [3]float64

	log     *logrus.Logger
	handler http.Handler
}

// New builds the router. Every route runs behind request-id, logging and
// panic recovery middleware, and the whole mux behind CORS so a viewer served
// from another origin can fetch chunks.
func New(manager *Manager, opts Options, log *logrus.Logger) (*Server, error) {
	if opts.Address == "" {
		opts.Address = DefaultAddress
	}
	if opts.ChunkSize == [3]int{} {
		opts.ChunkSize = [3]int{64, 64, 64}
	}
	resolution, err := precomputed.Nanometers(opts.VoxelSize, opts.Units)
	if err != nil {
		return nil, err
	}
	s := &Server{opts: opts, manager: manager, log: log, resolution: resolution}

	mux := web.New()
	mux.Use(middleware.RequestID)
	mux.Use(s.logRequests)
	mux.Use(s.recoverPanics)

	mux.Get("/", s.indexHandler)
	mux.Post("/submit", s.submitHandler)
	mux.Post("/sessions/:id/submit", s.submitHandler)
	mux.Get("/sessions/:id/state", s.stateHandler)
	mux.Get("/sessions/:id/stats", s.statsHandler)
	mux.Delete("/sessions/:id", s.deleteHandler)
	mux.Get("/sessions/:id/:layer/info", s.infoHandler)
	mux.Get("/sessions/:id/:layer/:scale/:chunk", s.chunkHandler)
	mux.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, fmt.Sprintf("no route for %s %s", r.Method, r.URL.Path), http.StatusNotFound)
	})

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders: []string{"*"},
	})
	s.handler = c.Handler(mux)
	return s, nil
}

// Handler returns the root handler, for embedding or tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Serve listens on the configured address until ctx is canceled, then shuts
// down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	src := &http.Server{
		Addr:        s.opts.Address,
		Handler:     s.handler,
		ReadTimeout: s.opts.ReadTimeout,
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := src.Shutdown(sctx); err != nil {
			s.log.WithError(err).Warn("HTTP shutdown did not complete")
		}
	}()

	s.log.WithField("address", s.opts.Address).Info("Web server listening")
	err := src.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		<-done
		return nil
	}
	return err
}

func (s *Server) logRequests(c *web.C, h http.Handler) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		h.ServeHTTP(w, r)
		s.log.WithFields(logrus.Fields{
			"reqID":    middleware.GetReqID(*c),
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start).String(),
		}).Debug("Handled request")
	}
	return http.HandlerFunc(fn)
}

// recoverPanics keeps a failing handler from taking the server down.
func (s *Server) recoverPanics(c *web.C, h http.Handler) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if e := recover(); e != nil {
				s.log.WithFields(logrus.Fields{
					"reqID": middleware.GetReqID(*c),
					"path":  r.URL.Path,
					"panic": fmt.Sprint(e),
				}).Errorf("Panic serving request:\n%s", debug.Stack())
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		h.ServeHTTP(w, r)
	}
	return http.HandlerFunc(fn)
}
