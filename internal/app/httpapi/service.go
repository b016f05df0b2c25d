package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/preciousoreva/oiat/internal/app/dispatch"
	"github.com/preciousoreva/oiat/internal/app/metrics"
	"github.com/preciousoreva/oiat/internal/app/storage"
	"github.com/preciousoreva/oiat/pkg/logger"
)

// Service exposes the HTTP API and fits the portal's service lifecycle.
type Service struct {
	addr    string
	server  *http.Server
	handler http.Handler
	log     *logger.Logger
}

// NewService assembles the portal HTTP stack.
func NewService(store storage.Store, dispatcher *dispatch.Service, addr string, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("http")
	}
	auth := NewAuth(store, log)
	handler := NewHandler(store, dispatcher, auth, log)
	handler = metrics.InstrumentHandler(handler)
	return &Service{
		addr:    addr,
		handler: handler,
		log:     log,
	}
}

// Handler returns the assembled stack; tests mount it directly.
func (s *Service) Handler() http.Handler { return s.handler }

func (s *Service) Name() string { return "http" }

func (s *Service) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Errorf("http server error: %v", err)
		}
	}()
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
