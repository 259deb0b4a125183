// Package server exposes the resolver over HTTP.
package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"hlsgrab/internal/cookies"
	"hlsgrab/internal/download"
	"hlsgrab/internal/resolve"
)

// maxBodySize caps JSON request bodies.
const maxBodySize = 4 << 20

// Resolver is the orchestrator behind the endpoints.
type Resolver interface {
	Extract(ctx context.Context, req resolve.Request) (*resolve.Extraction, error)
	ExtractPCloud(ctx context.Context, req resolve.PCloudRequest) (*resolve.PCloudExtraction, error)
	Formats(ctx context.Context, req resolve.FormatsRequest) (*resolve.FormatList, error)
	Info(ctx context.Context, req resolve.Request) (*resolve.Info, error)
	Download(ctx context.Context, req resolve.DownloadRequest) (*download.Result, error)
	SupportedSites(ctx context.Context) (*resolve.Sites, error)
}

// CookieStore manages uploaded cookie jars.
type CookieStore interface {
	Save(originalName string, r io.Reader) (cookies.StoredJar, error)
	List() ([]cookies.StoredJar, error)
	Delete(id string) error
}

// Server is the HTTP surface.
type Server struct {
	svc    Resolver
	store  CookieStore
	router *mux.Router
}

// New returns a Server with its routes registered.
func New(svc Resolver, store CookieStore) *Server {
	s := &Server{svc: svc, store: store, router: mux.NewRouter()}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.HandleFunc("/", s.Home).Methods(http.MethodGet)
	r.HandleFunc("/health", s.Health).Methods(http.MethodGet)

	r.HandleFunc("/extract", s.Extract).Methods(http.MethodPost)
	r.HandleFunc("/extract-pcloud", s.ExtractPCloud).Methods(http.MethodPost)
	r.HandleFunc("/formats", s.Formats).Methods(http.MethodPost)
	r.HandleFunc("/info", s.Info).Methods(http.MethodPost)
	r.HandleFunc("/download", s.Download).Methods(http.MethodPost)
	r.HandleFunc("/supported-sites", s.SupportedSites).Methods(http.MethodGet)

	r.HandleFunc("/upload-cookies", s.UploadCookies).Methods(http.MethodPost)
	r.HandleFunc("/cookies", s.ListCookies).Methods(http.MethodGet)
	r.HandleFunc("/cookies/{id}", s.DeleteCookies).Methods(http.MethodDelete)
}

// Handler returns the router wrapped in the request middleware. The
// middleware sits outside the router so preflight requests, which match
// no route, still receive CORS headers.
func (s *Server) Handler() http.Handler {
	return withRequestID(withCORS(s.router))
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      0, // downloads can run long
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", addr).Info("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	log.Info("shutdown complete")
	return nil
}
