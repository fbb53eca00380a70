// Package api serves the resilience contract over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vietddude/lifeline/internal/core/domain"
	"github.com/vietddude/lifeline/internal/core/failure"
	"github.com/vietddude/lifeline/internal/infra/storage"
	"github.com/vietddude/lifeline/internal/resilience"
	"github.com/vietddude/lifeline/internal/sync/executor"
	"github.com/vietddude/lifeline/internal/sync/queue"
)

// Resilience is the contract the server exposes.
type Resilience interface {
	Snapshot() resilience.Snapshot
	Subscribe(fn func(resilience.Snapshot)) func()
	QueueAction(ctx context.Context, req queue.QueueRequest) (string, error)
	RetryAll(ctx context.Context) error
	RetryAction(ctx context.Context, id string) error
	DiscardAction(ctx context.Context, id string) error
	RetryNow(ctx context.Context) queue.SyncResult
	DismissDegraded()
	ReportIssue(ctx context.Context, report domain.SupportReport) (domain.ReportOutcome, error)
}

// Connectivity accepts manual online/offline signals.
type Connectivity interface {
	Set(online bool)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const (
	streamBuffer = 8
	pingInterval = 30 * time.Second
	writeTimeout = 10 * time.Second
)

// Server provides HTTP endpoints for the resilience state and the queue.
type Server struct {
	res    Resilience
	conn   Connectivity
	server *http.Server
	logger *slog.Logger
}

// NewServer creates a new server on port. Port 0 picks a free port on Start.
func NewServer(res Resilience, conn Connectivity, port int, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		res:    res,
		conn:   conn,
		logger: logger.With("component", "api"),
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
	s.server.Handler = s.Handler()
	return s
}

// Handler returns the routed mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/state", s.handleState)
	mux.HandleFunc("GET /v1/state/stream", s.handleStream)
	mux.HandleFunc("GET /v1/receipts", s.handleReceipts)
	mux.HandleFunc("POST /v1/actions", s.handleQueue)
	mux.HandleFunc("DELETE /v1/actions/{id}", s.handleDiscard)
	mux.HandleFunc("POST /v1/retry", s.handleRetryAll)
	mux.HandleFunc("POST /v1/retry/{id}", s.handleRetry)
	mux.HandleFunc("POST /v1/sync", s.handleSync)
	mux.HandleFunc("POST /v1/dismiss", s.handleDismiss)
	mux.HandleFunc("POST /v1/online", s.handleConnectivity(true))
	mux.HandleFunc("POST /v1/offline", s.handleConnectivity(false))
	mux.HandleFunc("POST /v1/report", s.handleReport)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// Start serves until Stop. It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}
	s.logger.Info("API server listening", "addr", ln.Addr().String())
	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.res.Snapshot()
	code := http.StatusOK
	if snap.State == domain.StateOffline || snap.State == domain.StateOutage {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":      string(snap.State),
		"queue_count": snap.QueueCount,
	})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.res.Snapshot())
}

func (s *Server) handleReceipts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.res.Snapshot().Receipts)
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	var req queue.QueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, failure.Invalid("body", err.Error()), "queue this action")
		return
	}
	id, err := s.res.QueueAction(r.Context(), req)
	if err != nil {
		s.writeError(w, err, "queue this action")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (s *Server) handleDiscard(w http.ResponseWriter, r *http.Request) {
	if err := s.res.DiscardAction(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err, "discard this action")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRetryAll(w http.ResponseWriter, r *http.Request) {
	if err := s.res.RetryAll(r.Context()); err != nil {
		s.writeError(w, err, "retry failed actions")
		return
	}
	writeJSON(w, http.StatusOK, s.res.Snapshot())
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	if err := s.res.RetryAction(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err, "retry this action")
		return
	}
	writeJSON(w, http.StatusOK, s.res.Snapshot())
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.res.RetryNow(r.Context()))
}

func (s *Server) handleDismiss(w http.ResponseWriter, r *http.Request) {
	s.res.DismissDegraded()
	writeJSON(w, http.StatusOK, s.res.Snapshot())
}

func (s *Server) handleConnectivity(online bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.conn.Set(online)
		writeJSON(w, http.StatusOK, s.res.Snapshot())
	}
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	var report domain.SupportReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		s.writeError(w, failure.Invalid("body", err.Error()), "send your report")
		return
	}
	out, err := s.res.ReportIssue(r.Context(), report)
	if err != nil {
		s.writeError(w, err, "send your report")
		return
	}
	code := http.StatusOK
	if out.Queued {
		code = http.StatusAccepted
	}
	writeJSON(w, code, out)
}

// handleStream pushes every snapshot to a websocket client. Slow clients
// miss intermediate snapshots, never the latest.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Websocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	updates := make(chan resilience.Snapshot, streamBuffer)
	push := func(snap resilience.Snapshot) {
		select {
		case updates <- snap:
		default:
			select {
			case <-updates:
			default:
			}
			select {
			case updates <- snap:
			default:
			}
		}
	}
	unsubscribe := s.res.Subscribe(push)
	defer unsubscribe()
	push(s.res.Snapshot())

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case snap := <-updates:
			_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := ws.WriteJSON(snap); err != nil {
				s.logger.Debug("Websocket write failed", "error", err)
				return
			}
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

// writeError maps err onto a status code. The body carries the raw error and
// a message fit to show the user attempting action.
func (s *Server) writeError(w http.ResponseWriter, err error, action string) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrActionNotFound):
		code = http.StatusNotFound
	case errors.Is(err, queue.ErrIllegalTransition):
		code = http.StatusConflict
	case errors.Is(err, executor.ErrUnknownActionKind), errors.Is(err, queue.ErrUnknownVerb):
		code = http.StatusBadRequest
	case errors.Is(err, queue.ErrNoUser), errors.Is(err, resilience.ErrNotSignedIn):
		code = http.StatusUnauthorized
	case failure.Classify(err) == failure.CategoryValidation:
		code = http.StatusBadRequest
	case failure.Classify(err) == failure.CategoryAuth:
		code = http.StatusUnauthorized
	case failure.Classify(err) == failure.CategoryClient:
		code = http.StatusBadRequest
	case failure.IsQueueable(err):
		code = http.StatusBadGateway
	}
	if code >= 500 {
		s.logger.Error("Request failed", "error", err)
	}
	writeJSON(w, code, map[string]string{
		"error":   failure.Message(err),
		"message": failure.UserMessage(err, action),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
