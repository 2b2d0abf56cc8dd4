package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"fieldsync/internal/config"
	"fieldsync/internal/logging"
	"fieldsync/internal/outbox"
)

type apiServer struct {
	bind   string
	logger *slog.Logger
	daemon *Daemon

	listener net.Listener
	server   *http.Server
}

func newAPIServer(cfg *config.Config, d *Daemon, logger *slog.Logger) (*apiServer, error) {
	bind := strings.TrimSpace(cfg.API.Bind)
	if bind == "" {
		return nil, nil
	}

	srv := &apiServer{
		bind:   bind,
		logger: logger,
		daemon: d,
	}

	token := strings.TrimSpace(cfg.API.Token)
	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", authMiddleware(token, srv.handleHealth))
	mux.HandleFunc("/api/status", authMiddleware(token, srv.handleStatus))
	mux.HandleFunc("/api/queue", authMiddleware(token, srv.handleQueue))
	mux.HandleFunc("/api/queue/retry", authMiddleware(token, srv.handleRetry))
	mux.HandleFunc("/api/queue/reset-errors", authMiddleware(token, srv.handleResetErrors))
	mux.HandleFunc("/api/enqueue", authMiddleware(token, srv.handleEnqueue))
	mux.HandleFunc("/api/unlock", authMiddleware(token, srv.handleUnlock))
	mux.HandleFunc("/api/sync", authMiddleware(token, srv.handleSync))

	srv.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv, nil
}

func (s *apiServer) start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.listener = listener

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log().Error("api server error", logging.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	s.log().Info("api server listening", logging.String("address", listener.Addr().String()))
	return nil
}

func (s *apiServer) stop() {
	if s == nil {
		return
	}
	if s.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}
	if s.listener != nil {
		_ = s.listener.Close()
		s.listener = nil
	}
}

func (s *apiServer) addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// apiItem is the wire form of a queue item. Payload is included verbatim;
// callers own its schema.
type apiItem struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	Priority       int             `json:"priority"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	Status         string          `json:"status"`
	RetryCount     int             `json:"retry_count"`
	NextEligibleAt *time.Time      `json:"next_eligible_at,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	LockReason     string          `json:"lock_reason,omitempty"`
	Checksum       string          `json:"checksum"`
}

func toAPIItem(item *outbox.Item) apiItem {
	return apiItem{
		ID:             item.ID,
		Type:           string(item.Type),
		Payload:        item.Payload,
		Priority:       item.Priority,
		CreatedAt:      item.CreatedAt,
		UpdatedAt:      item.UpdatedAt,
		Status:         string(item.Status),
		RetryCount:     item.RetryCount,
		NextEligibleAt: item.NextEligibleAt,
		LastError:      item.LastError,
		LockReason:     item.LockReason,
		Checksum:       item.Checksum,
	}
}

type healthResponse struct {
	Total         int            `json:"total"`
	ByStatus      map[string]int `json:"by_status"`
	Locked        bool           `json:"locked"`
	LockReason    string         `json:"lock_reason,omitempty"`
	Online        bool           `json:"online"`
	Authenticated bool           `json:"authenticated"`
}

func (s *apiServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	health, err := s.daemon.Manager().GetHealth(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	byStatus := make(map[string]int, len(health.ByStatus))
	for status, count := range health.ByStatus {
		byStatus[string(status)] = count
	}
	s.writeJSON(w, http.StatusOK, healthResponse{
		Total:         health.Total,
		ByStatus:      byStatus,
		Locked:        health.Locked,
		LockReason:    health.LockReason,
		Online:        health.Online,
		Authenticated: health.Authenticated,
	})
}

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	status, err := s.daemon.Status(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"running":   status.Running,
		"lock_file": status.LockFilePath,
		"locked":    status.Queue.Locked,
		"total":     status.Queue.Total,
	})
}

func (s *apiServer) handleQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var statuses []outbox.Status
	for _, value := range r.URL.Query()["status"] {
		status, ok := outbox.ParseStatus(value)
		if !ok {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", value))
			return
		}
		statuses = append(statuses, status)
	}

	var (
		items []*outbox.Item
		err   error
	)
	if len(statuses) == 0 {
		items, err = s.daemon.store.List(r.Context())
	} else {
		items, err = s.daemon.store.ListByStatus(r.Context(), statuses...)
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]apiItem, 0, len(items))
	for _, item := range items {
		out = append(out, toAPIItem(item))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

type enqueueRequest struct {
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload"`
	Priority int             `json:"priority"`
}

func (s *apiServer) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "read request body")
		return
	}
	var req enqueueRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	item, err := s.daemon.Manager().Enqueue(r.Context(), outbox.Type(req.Type), req.Payload, outbox.EnqueueOptions{
		Priority: req.Priority,
	})
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{"item": toAPIItem(item)})
}

func (s *apiServer) handleRetry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	n, err := s.daemon.Manager().RetryFailed(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"reset": n})
}

func (s *apiServer) handleResetErrors(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	n, err := s.daemon.Manager().ResetErrored(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"reset": n})
}

func (s *apiServer) handleUnlock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := s.daemon.Manager().Unlock(r.Context()); err != nil {
		if errors.Is(err, outbox.ErrSessionExpired) {
			s.writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "unlocked"})
}

func (s *apiServer) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	res := s.daemon.Manager().Process(r.Context())
	s.writeJSON(w, http.StatusOK, map[string]any{
		"processed": res.Processed,
		"failed":    res.Failed,
		"errored":   res.Errored,
		"reason":    res.Reason,
	})
}

func (s *apiServer) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log().Error("failed to encode response", logging.Error(err))
	}
}

func (s *apiServer) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func (s *apiServer) log() *slog.Logger {
	if s.logger != nil {
		return logging.NewComponentLogger(s.logger, "api-server")
	}
	return logging.NewNop()
}
