// Package webui serves the live MJPEG feed and the anomaly browsing API.
// It is a thin consumer of the core: every viewer is just one more hub
// subscription, and the anomaly endpoints read the snapshot namespace
// directly; the file system is the database.
package webui

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hazyhaar/veilcam/hub"
)

// EncodeFunc turns a raw frame into JPEG bytes. Production wires
// capture.EncodeJPEG; tests substitute a stub.
type EncodeFunc func(f *hub.Frame) ([]byte, error)

// Config tunes the HTTP surface.
type Config struct {
	// Addr is the listen address. Default: ":5000".
	Addr string
	// SnapshotDir is the snapshot namespace served read-only.
	SnapshotDir string
	// StreamWait is how long a viewer waits when no new frame is
	// available before polling again. Default: 50ms.
	StreamWait time.Duration
	// PerPage is the default page size for /get_anomalies. Default: 20.
	PerPage int
}

func (c *Config) defaults() {
	if c.Addr == "" {
		c.Addr = ":5000"
	}
	if c.StreamWait <= 0 {
		c.StreamWait = 50 * time.Millisecond
	}
	if c.PerPage <= 0 {
		c.PerPage = 20
	}
}

// Server is the HTTP boundary of the pipeline.
type Server struct {
	cfg    Config
	hub    *hub.Hub
	encode EncodeFunc
	creds  *Credentials
	logger *slog.Logger
}

// New creates a Server. creds may be nil to disable authentication (tests,
// trusted networks).
func New(cfg Config, h *hub.Hub, encode EncodeFunc, creds *Credentials, logger *slog.Logger) *Server {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, hub: h, encode: encode, creds: creds, logger: logger}
}

// Router builds the chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleIndex)
	r.NotFound(s.handleNotFound)

	protected := func(h http.HandlerFunc) http.HandlerFunc {
		if s.creds == nil {
			return h
		}
		return func(w http.ResponseWriter, r *http.Request) {
			s.creds.BasicAuth(h).ServeHTTP(w, r)
		}
	}

	r.Get("/camera", protected(s.handleCamera))
	r.Get("/video_feed", protected(s.handleVideoFeed))
	r.Get("/anomalies/{filename}", protected(s.handleAnomalyImage))
	r.Get("/get_anomalies", protected(s.handleListAnomalies))

	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully. Streaming
// viewers are cut by the shutdown context; each detaches its subscription
// on the way out.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:        s.cfg.Addr,
		Handler:     s.Router(),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("webui: listening", "addr", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			srv.Close()
		}
		s.logger.Info("webui: stopped")
		return nil
	}
}
