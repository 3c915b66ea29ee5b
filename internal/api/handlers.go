package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"channel-relay/internal/models"
	"channel-relay/internal/observability/logging"
	"channel-relay/internal/observability/metrics"
	"channel-relay/internal/session"
)

// StreamContentType is sent for every successful relay response.
const StreamContentType = "video/MP2T"

// SessionController opens relay sessions and lists the active ones.
type SessionController interface {
	Open(ctx context.Context, req session.Request) (*session.Session, error)
	Sessions() []models.SessionInfo
}

type Handler struct {
	Sessions     SessionController
	HealthChecks []HealthCheck
	Metrics      *metrics.Recorder
	Logger       *slog.Logger
	// ClientIP resolves the address recorded on a session. Defaults to the
	// host part of the request's RemoteAddr.
	ClientIP func(*http.Request) string
}

func NewHandler(sessions SessionController, logger *slog.Logger, checks ...HealthCheck) *Handler {
	return &Handler{Sessions: sessions, Logger: logger, HealthChecks: checks}
}

// Register mounts the handler's routes on router.
func (h *Handler) Register(router *mux.Router) {
	router.HandleFunc("/stream/{channel_number:[0-9]+}", h.Stream).Name("stream")
	router.HandleFunc("/healthz", h.Health).Methods(http.MethodGet, http.MethodHead)
	router.HandleFunc("/api/sessions", h.ListSessions)
}

func (h *Handler) recorder() *metrics.Recorder {
	if h.Metrics == nil {
		return metrics.Default()
	}
	return h.Metrics
}

func (h *Handler) logger(ctx context.Context) *slog.Logger {
	base := h.Logger
	if base == nil {
		base = slog.Default()
	}
	return logging.WithContext(ctx, logging.WithComponent(base, "api"))
}

func (h *Handler) clientIP(r *http.Request) string {
	if h.ClientIP != nil {
		return h.ClientIP(r)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Stream relays the channel named by the {channel_number} route variable.
// Failures before streaming produce a plain-text 5xx response; once the
// 200 status is sent, failures only end the body.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, fmt.Sprintf("method %s not allowed", r.Method), http.StatusMethodNotAllowed)
		return
	}
	number, err := strconv.Atoi(mux.Vars(r)["channel_number"])
	if err != nil || number < 0 {
		http.Error(w, "invalid channel number", http.StatusBadRequest)
		return
	}

	ctx := logging.ContextWithChannel(r.Context(), number)
	logger := h.logger(ctx)

	s, err := h.Sessions.Open(ctx, session.Request{
		ChannelNumber: number,
		ClientIP:      h.clientIP(r),
		UserAgent:     r.UserAgent(),
	})
	if err != nil {
		status := statusForError(err)
		if status == http.StatusServiceUnavailable {
			w.Header().Set("Retry-After", "5")
		}
		http.Error(w, publicMessage(err), status)
		return
	}
	defer func() {
		if err := s.Close(); err != nil {
			logger.Error("relay session cleanup failed", "session_id", s.ID(), "error", err)
		}
	}()

	header := w.Header()
	header.Set("Content-Type", StreamContentType)
	header.Set("Cache-Control", "no-cache, no-store")
	header.Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)

	if err := s.Relay(ctx, w); err != nil {
		logger.Warn("relay ended with error", "session_id", s.ID(), "error", err)
	}
}

// ListSessions reports the sessions currently streaming on this instance.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	sessions := h.Sessions.Sessions()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":    len(sessions),
		"sessions": sessions,
	})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	components, status, code := h.componentHealth(r.Context())
	writeJSON(w, code, map[string]interface{}{
		"status":     status,
		"components": components,
	})
}

// statusForError maps session failures to HTTP status codes. Only a busy
// channel is reported as temporarily unavailable.
func statusForError(err error) int {
	if errors.Is(err, session.ErrChannelBusy) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

var publicErrors = []error{
	session.ErrChannelNotFound,
	session.ErrNoStreamProfile,
	session.ErrNoEligibleProfile,
	session.ErrRewrite,
	session.ErrChannelBusy,
	session.ErrLockUnavailable,
	session.ErrProcessStart,
	session.ErrStreamIO,
}

// publicMessage returns the client-facing text for err; wrapped causes may
// carry upstream URLs or executable paths and stay in the logs.
func publicMessage(err error) string {
	for _, known := range publicErrors {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	return "internal error"
}
