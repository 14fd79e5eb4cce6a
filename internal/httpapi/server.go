package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/lucavalli/reelforge/internal/config"
	"github.com/lucavalli/reelforge/internal/hub"
	"github.com/lucavalli/reelforge/internal/observability"
	"github.com/lucavalli/reelforge/internal/pipeline"
	"github.com/lucavalli/reelforge/internal/protocol"
	"github.com/lucavalli/reelforge/internal/tasks"
)

type Server struct {
	cfg      config.Config
	pipeline *pipeline.Service
	hub      *hub.Manager
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
}

func New(cfg config.Config, p *pipeline.Service, h *hub.Manager, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:      cfg,
		pipeline: p,
		hub:      h,
		metrics:  metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Default: only allow browser websocket connections from the
				// same origin. Non-browser clients often omit Origin; allow them.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/videos", s.handleCreateVideo)
	r.Get("/v1/tasks", s.handleListTasks)
	r.Get("/v1/tasks/ws", s.handleTaskWS)
	r.Get("/v1/tasks/{id}", s.handleGetTask)
	r.Post("/v1/tasks/{id}/cancel", s.handleCancelTask)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	stats := s.hub.Statistics()
	respondJSON(w, http.StatusOK, map[string]any{
		"status":      "ready",
		"connections": stats.Connections,
	})
}

func (s *Server) handleCreateVideo(w http.ResponseWriter, r *http.Request) {
	var req tasks.CreateRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		respondError(w, http.StatusBadRequest, "missing_prompt", "prompt is required")
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		req.UserID = "anonymous"
	}

	task, err := s.pipeline.Create(req)
	if err != nil {
		respondError(w, http.StatusUnprocessableEntity, "task_rejected", err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, task)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimSpace(chi.URLParam(r, "id"))
	task, err := s.pipeline.Get(taskID)
	if err != nil {
		if errors.Is(err, tasks.ErrTaskNotFound) {
			respondError(w, http.StatusNotFound, "task_not_found", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "task_lookup_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		respondError(w, http.StatusBadRequest, "missing_user_id", "query parameter user_id is required")
		return
	}

	ids := s.pipeline.ListForUser(userID)

	// Hydrate concurrently: cached tasks are cheap but recovered ones go
	// to the store.
	found := make([]*tasks.Task, len(ids))
	var g errgroup.Group
	g.SetLimit(8)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			task, err := s.pipeline.Get(id)
			if err != nil {
				return nil
			}
			found[i] = &task
			return nil
		})
	}
	_ = g.Wait()

	list := make([]tasks.Task, 0, len(ids))
	for _, t := range found {
		if t != nil {
			list = append(list, *t)
		}
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"user_id":  userID,
		"task_ids": ids,
		"tasks":    list,
	})
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimSpace(chi.URLParam(r, "id"))
	task, err := s.pipeline.Cancel(taskID)
	if err != nil {
		if errors.Is(err, tasks.ErrTaskNotFound) {
			respondError(w, http.StatusNotFound, "task_not_found", err.Error())
			return
		}
		if errors.Is(err, tasks.ErrInvalidTaskState) {
			respondError(w, http.StatusConflict, "task_not_cancellable", err.Error())
			return
		}
		respondError(w, http.StatusBadRequest, "task_cancel_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, task)
}

// wsConn adapts a gorilla connection to the hub's sender interface.
// gorilla allows one concurrent writer, so sends serialize on a mutex.
type wsConn struct {
	mu      sync.Mutex
	conn    *websocket.Conn
	metrics *observability.Metrics
}

func (c *wsConn) Send(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		return err
	}
	if c.metrics != nil {
		c.metrics.WSMessages.WithLabelValues("outbound", "text").Inc()
	}
	return nil
}

func (s *Server) handleTaskWS(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimSpace(r.URL.Query().Get("task_id"))
	if taskID == "" {
		respondError(w, http.StatusBadRequest, "missing_task_id", "query parameter task_id is required")
		return
	}

	task, err := s.pipeline.Get(taskID)
	if err != nil {
		respondError(w, http.StatusNotFound, "task_not_found", err.Error())
		return
	}
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		userID = task.UserID
	}

	raw, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer raw.Close()

	conn := &wsConn{conn: raw, metrics: s.metrics}
	s.hub.Connect(taskID, conn, userID)
	defer s.hub.Disconnect(taskID, conn, userID)
	if s.metrics != nil {
		s.metrics.ActiveConnections.Inc()
		defer s.metrics.ActiveConnections.Dec()
	}

	// Replay the current state to this connection only, so late subscribers
	// see where the task is without re-notifying everyone else.
	if snapshot, err := protocol.Marshal(protocol.ProgressUpdate{
		Type:     protocol.TypeProgressUpdate,
		TaskID:   taskID,
		Progress: task.Progress,
		Stage:    task.Stage,
		Message:  "subscribed",
		At:       time.Now().UTC(),
	}); err == nil {
		_ = conn.Send(snapshot)
	}

	raw.SetReadLimit(1 << 20)
	_ = raw.SetReadDeadline(time.Now().Add(120 * time.Second))
	raw.SetPongHandler(func(string) error {
		_ = raw.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

	for {
		msgType, data, err := raw.ReadMessage()
		if err != nil {
			return
		}
		_ = raw.SetReadDeadline(time.Now().Add(120 * time.Second))
		s.hub.Touch(taskID, conn)
		if msgType != websocket.TextMessage {
			continue
		}

		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			s.hub.SendError(taskID, "invalid_message", err.Error(), false)
			continue
		}
		if s.metrics != nil {
			s.metrics.WSMessages.WithLabelValues("inbound", "text").Inc()
		}
		s.dispatchClientMessage(taskID, parsed)
	}
}

func (s *Server) dispatchClientMessage(taskID string, parsed any) {
	switch msg := parsed.(type) {
	case protocol.TaskControl:
		// A socket may only control the task it subscribed to.
		if msg.TaskID != taskID {
			s.hub.SendError(taskID, "task_mismatch", "control message addresses a different task", false)
			return
		}
		if msg.Action == "cancel" {
			if _, err := s.pipeline.Cancel(msg.TaskID); err != nil {
				s.hub.SendError(msg.TaskID, "task_cancel_failed", err.Error(), false)
			}
		}
	case protocol.ChatMessage:
		s.hub.SendChatMessage(taskID, msg.Role, msg.Content)
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(out)
}
