package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/clarifier/internal/conversation"
)

// maxBodyBytes bounds request bodies; the text itself is limited by the service
const maxBodyBytes = 64 << 10

// ConversationService is the façade the handler serves
type ConversationService interface {
	StartConversation(ctx context.Context, text string) (conversation.Response, error)
	ContinueConversation(ctx context.Context, id, text string) (conversation.Response, error)
	Ask(ctx context.Context, text string) (string, error)
}

// ConversationHandler exposes start, continue and single-shot over HTTP
type ConversationHandler struct {
	svc            ConversationService
	requestTimeout time.Duration
	logger         *zap.Logger
}

// NewConversationHandler creates a handler. A zero requestTimeout leaves runs bounded
// only by the client connection.
func NewConversationHandler(svc ConversationService, requestTimeout time.Duration, logger *zap.Logger) *ConversationHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConversationHandler{svc: svc, requestTimeout: requestTimeout, logger: logger}
}

// RegisterRoutes registers conversation routes on the provided mux.
func (h *ConversationHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /start_conversation", h.handleStart)
	mux.HandleFunc("POST /continue_conversation/{conversation_id}", h.handleContinue)
	mux.HandleFunc("GET /getResponse", h.handleGetResponse)
}

// questionRequest is the body of start and continue
type questionRequest struct {
	Text string `json:"text"`
}

func (h *ConversationHandler) handleStart(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r)
	if !ok {
		return
	}
	ctx, cancel := h.runContext(r)
	defer cancel()

	resp, err := h.svc.StartConversation(ctx, req.Text)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *ConversationHandler) handleContinue(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("conversation_id")
	req, ok := h.decode(w, r)
	if !ok {
		return
	}
	ctx, cancel := h.runContext(r)
	defer cancel()

	resp, err := h.svc.ContinueConversation(ctx, id, req.Text)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleGetResponse runs msg once and answers with the bare message text
func (h *ConversationHandler) handleGetResponse(w http.ResponseWriter, r *http.Request) {
	msg, ok := r.URL.Query()["msg"]
	if !ok || len(msg) == 0 {
		writeError(w, http.StatusBadRequest, "query parameter msg is required")
		return
	}
	ctx, cancel := h.runContext(r)
	defer cancel()

	text, err := h.svc.Ask(ctx, msg[0])
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, text)
}

func (h *ConversationHandler) decode(w http.ResponseWriter, r *http.Request) (questionRequest, bool) {
	var req questionRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		h.logger.Warn("conversation request decode error", zap.Error(err))
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return req, false
		}
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return req, false
	}
	return req, true
}

func (h *ConversationHandler) runContext(r *http.Request) (context.Context, context.CancelFunc) {
	if h.requestTimeout <= 0 {
		return context.WithCancel(r.Context())
	}
	return context.WithTimeout(r.Context(), h.requestTimeout)
}

// writeServiceError maps façade errors to status codes. Run failures carry only a
// generic message and the id to retry with.
func (h *ConversationHandler) writeServiceError(w http.ResponseWriter, err error) {
	var runErr *conversation.RunError
	switch {
	case errors.Is(err, conversation.ErrNotFound):
		writeError(w, http.StatusNotFound, "Conversation not found")
	case errors.Is(err, conversation.ErrNotAwaitingInput):
		writeError(w, http.StatusBadRequest, "No input expected for this conversation")
	case errors.Is(err, conversation.ErrMalformedInput):
		writeError(w, http.StatusBadRequest, "text must be non-empty valid UTF-8")
	case errors.Is(err, conversation.ErrBusy):
		writeError(w, http.StatusConflict, "Conversation is already being processed")
	case errors.As(err, &runErr):
		body := map[string]any{"detail": runErr.Error()}
		if runErr.ConversationID != "" {
			body["conversation_id"] = runErr.ConversationID
		}
		writeJSON(w, http.StatusInternalServerError, body)
	default:
		h.logger.Error("unexpected conversation error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "request could not be processed")
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
