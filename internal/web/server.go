package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vitos/option_price_monitor/internal/usecase"
)

type Server struct {
	router  *http.ServeMux
	server  *http.Server
	service *usecase.MonitorService
	logger  *zap.Logger
}

func NewServer(port int, service *usecase.MonitorService, logger *zap.Logger) *Server {
	s := &Server{
		router:  http.NewServeMux(),
		service: service,
		logger:  logger,
	}
	s.routes()
	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: s.withRequestID(s.router),
	}
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("POST /api/monitor/create", s.handleCreateTask)
	s.router.HandleFunc("GET /api/monitor/tasks", s.handleListTasks)
	s.router.HandleFunc("GET /api/monitor/{task_id}", s.handleGetTask)
	s.router.HandleFunc("DELETE /api/monitor/{task_id}", s.handleDeleteTask)
	s.router.HandleFunc("GET /health", s.handleHealth)
}

// withRequestID tags every request with a uuid for log correlation.
func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.NewString()
		w.Header().Set("X-Request-ID", requestID)

		start := time.Now()
		next.ServeHTTP(w, r)

		s.logger.Debug("Request handled",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("took", time.Since(start)))
	})
}

func (s *Server) Start() error {
	s.logger.Info("Starting web server", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
