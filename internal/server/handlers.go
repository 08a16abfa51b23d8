package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/aixgo-dev/memtrace/internal/memory"
	"github.com/aixgo-dev/memtrace/internal/observability"
	"github.com/aixgo-dev/memtrace/internal/prompt"
	"github.com/aixgo-dev/memtrace/internal/provider"
	"github.com/aixgo-dev/memtrace/pkg/conversation"
	"github.com/aixgo-dev/memtrace/pkg/diagram"
	"github.com/aixgo-dev/memtrace/pkg/trace"
)

const maxBodySize = 1 << 20

var (
	errNoSession   = errors.New("session not initialized, call /api/session/initialize first")
	errRateLimited = errors.New("rate limit exceeded, try again shortly")
)

type errorResponse struct {
	Detail string `json:"detail"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Int("status", status), zap.Error(err))
	}
	writeJSON(w, status, errorResponse{Detail: err.Error()})
}

// decode reads a JSON body. An empty body leaves v untouched.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	res := s.health.Check(r.Context())
	status := http.StatusOK
	if res.Status == observability.HealthStatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, struct {
		observability.HealthResponse
		SessionActive bool `json:"session_active"`
	}{res, s.Current() != nil})
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"provider":    s.cfg.Provider,
		"providers":   provider.Names(),
		"model":       s.cfg.Model,
		"prompt":      s.cfg.Prompt,
		"api_key_set": s.cfg.APIKeySet,
		"log_level":   s.cfg.LogLevel,
	})
}

func (s *Server) handleListPrompts(w http.ResponseWriter, _ *http.Request) {
	prompts, err := s.prompts.List()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"prompts": prompts})
}

func (s *Server) handleGetPrompt(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	content, err := s.prompts.Get(name, s.now())
	switch {
	case errors.Is(err, prompt.ErrNotFound):
		s.writeError(w, http.StatusNotFound, errors.New("prompt not found"))
		return
	case err != nil:
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"name": name, "content": content})
}

type initializeRequest struct {
	Provider string `json:"provider"`
	APIKey   string `json:"api_key"`
	Model    string `json:"model"`
	Prompt   string `json:"prompt"`
	// SystemPromptFile names a prompt by file, e.g. "prompts/default.txt".
	SystemPromptFile string `json:"system_prompt_file"`
}

func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	var req initializeRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	providerName := firstNonEmpty(req.Provider, s.cfg.Provider)
	modelName := firstNonEmpty(req.Model, s.cfg.Model)
	promptName := firstNonEmpty(req.Prompt, promptNameFromFile(req.SystemPromptFile), s.cfg.Prompt)
	if modelName == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("model is required"))
		return
	}

	var system string
	if promptName != "" {
		var err error
		system, err = s.prompts.Get(promptName, s.now())
		if err != nil {
			s.writeError(w, http.StatusBadRequest, errors.New("failed to load prompt: "+err.Error()))
			return
		}
	}

	model, err := s.models(providerName, req.APIKey)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conv != nil {
		if loc, err := s.conv.Finalize(r.Context()); err != nil {
			s.logger.Warn("finalize previous session", zap.String("session_id", s.conv.SessionID()), zap.Error(err))
		} else {
			s.logger.Info("session trace saved", zap.String("session_id", s.conv.SessionID()), zap.String("location", loc))
		}
		s.conv = nil
	}

	opts := []conversation.Option{conversation.WithLogger(s.logger), conversation.WithClock(s.now)}
	if s.journal != nil {
		opts = append(opts, conversation.WithJournal(s.journal))
	}
	if s.metrics != nil {
		opts = append(opts, conversation.WithObserver(s.metrics))
	}
	conv, err := conversation.New(conversation.Config{
		Model:        modelName,
		SystemPrompt: system,
		MaxTokens:    s.cfg.MaxTokens,
	}, model, s.tool, s.store, opts...)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.conv = conv
	s.prompt = promptName
	if s.metrics != nil {
		s.metrics.SetActiveSessions(1)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "initialized",
		"session_id": conv.SessionID(),
		"provider":   providerName,
		"model":      modelName,
		"prompt":     promptName,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	conv := s.Current()
	if conv == nil {
		writeJSON(w, http.StatusOK, map[string]any{"active": false})
		return
	}
	st := conv.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"active":        true,
		"session_id":    st.SessionID,
		"model":         st.Model,
		"tokens":        st.Tokens,
		"message_count": st.MessageCount,
		"event_count":   st.EventCount,
	})
}

func (s *Server) handleCurrent(w http.ResponseWriter, _ *http.Request) {
	var id *string
	if conv := s.Current(); conv != nil {
		sid := conv.SessionID()
		id = &sid
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": id})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	conv := s.Current()
	if conv == nil {
		s.writeError(w, http.StatusBadRequest, errNoSession)
		return
	}
	loc, err := conv.Snapshot(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_id": conv.SessionID(), "location": loc})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	conv := s.Current()
	if conv == nil {
		s.writeError(w, http.StatusBadRequest, errNoSession)
		return
	}
	if err := conv.Reset(r.Context()); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset", "session_id": conv.SessionID()})
}

type chatRequest struct {
	Message string `json:"message"`
}

// handleChat streams the turn's events as server-sent events, one JSON
// object per data line.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("message is required"))
		return
	}
	conv := s.Current()
	if conv == nil {
		s.writeError(w, http.StatusBadRequest, errNoSession)
		return
	}

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for ev := range conv.Send(r.Context(), req.Message) {
		data, err := json.Marshal(ev)
		if err != nil {
			data, _ = json.Marshal(conversation.TurnEvent{
				Type: conversation.TurnError,
				Data: conversation.ErrorData{Message: err.Error()},
			})
		}
		if _, err := w.Write([]byte("data: " + string(data) + "\n\n")); err != nil {
			s.logger.Debug("chat client went away", zap.Error(err))
			return
		}
		_ = rc.Flush()
	}
}

func (s *Server) handleViewMemory(w http.ResponseWriter, r *http.Request) {
	content, err := s.tool.View(r.Context(), memory.Root)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"content": content})
}

func (s *Server) handleClearMemory(w http.ResponseWriter, r *http.Request) {
	conv := s.Current()
	if conv == nil {
		s.writeError(w, http.StatusBadRequest, errNoSession)
		return
	}
	msg, err := conv.ClearMemories(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": msg})
}

func (s *Server) handleListMemoryFiles(w http.ResponseWriter, r *http.Request) {
	files, err := s.tool.Files(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": files})
}

func (s *Server) handleGetMemoryFile(w http.ResponseWriter, r *http.Request) {
	rel := r.PathValue("path")
	content, err := s.tool.ReadFile(r.Context(), rel)
	switch {
	case errors.Is(err, memory.ErrInvalidPath):
		s.writeError(w, http.StatusBadRequest, err)
		return
	case errors.Is(err, memory.ErrNotFound):
		s.writeError(w, http.StatusNotFound, errors.New("file not found"))
		return
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"path": rel, "content": content, "size": len(content)})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	var opts trace.ListOptions
	var err error
	if v := r.URL.Query().Get("limit"); v != "" {
		if opts.Limit, err = strconv.Atoi(v); err != nil || opts.Limit < 0 {
			s.writeError(w, http.StatusBadRequest, errors.New("invalid limit"))
			return
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if opts.Offset, err = strconv.Atoi(v); err != nil || opts.Offset < 0 {
			s.writeError(w, http.StatusBadRequest, errors.New("invalid offset"))
			return
		}
	}

	sessions, err := s.store.List(r.Context(), opts)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) findSession(w http.ResponseWriter, r *http.Request) (*trace.Session, bool) {
	sess, _, err := s.store.Find(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, trace.ErrSessionNotFound):
		s.writeError(w, http.StatusNotFound, errors.New("session not found"))
		return nil, false
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, err)
		return nil, false
	}
	return sess, true
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.findSession(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleDiagram(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.findSession(w, r)
	if !ok {
		return
	}

	doc, err := diagram.Render(sess)
	if err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	path := filepath.Join(s.cfg.DiagramDir, diagram.FileName("diagram", sess))
	if err := diagram.WriteFile(path, doc); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"session_id":   sess.SessionID,
		"diagram":      doc,
		"diagram_file": path,
	})
}

func promptNameFromFile(file string) string {
	if file == "" {
		return ""
	}
	return strings.TrimSuffix(filepath.Base(file), prompt.Ext)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
