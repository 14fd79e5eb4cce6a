// Package hub routes live task updates to subscribed connections. It owns
// only routing metadata; the underlying transports belong to the web layer
// that registered them.
package hub

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/lucavalli/reelforge/internal/protocol"
)

// Conn is a live outbound message channel. Send may fail once the peer is
// gone; the hub treats any send failure as a dead connection.
type Conn interface {
	Send(text string) error
}

type entry struct {
	conn         Conn
	taskID       string
	userID       string
	lastActivity time.Time
}

type Statistics struct {
	Connections int `json:"connections"`
	Tasks       int `json:"tasks"`
	Users       int `json:"users"`
}

type Manager struct {
	mu     sync.RWMutex
	byTask map[string]map[Conn]*entry
	byUser map[string]map[Conn]*entry

	onEvict func(taskID string)
}

func NewManager() *Manager {
	return &Manager{
		byTask: make(map[string]map[Conn]*entry),
		byUser: make(map[string]map[Conn]*entry),
	}
}

// SetEvictHook observes connections dropped because of send failures or idle
// sweeps (not explicit disconnects).
func (m *Manager) SetEvictHook(hook func(taskID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEvict = hook
}

// Connect registers conn under the task index and, when userID is set, the
// user index. Re-registering the same connection is a no-op refresh.
func (m *Manager) Connect(taskID string, conn Conn, userID string) {
	if taskID == "" || conn == nil {
		return
	}
	now := time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	e := &entry{conn: conn, taskID: taskID, userID: userID, lastActivity: now}
	if existing, ok := m.byTask[taskID][conn]; ok {
		existing.lastActivity = now
		return
	}
	if m.byTask[taskID] == nil {
		m.byTask[taskID] = make(map[Conn]*entry)
	}
	m.byTask[taskID][conn] = e
	if userID != "" {
		if m.byUser[userID] == nil {
			m.byUser[userID] = make(map[Conn]*entry)
		}
		m.byUser[userID][conn] = e
	}
}

// Disconnect removes conn from both indices. Unknown connections are ignored.
func (m *Manager) Disconnect(taskID string, conn Conn, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(taskID, conn, userID)
}

func (m *Manager) removeLocked(taskID string, conn Conn, userID string) {
	if set, ok := m.byTask[taskID]; ok {
		delete(set, conn)
		if len(set) == 0 {
			delete(m.byTask, taskID)
		}
	}
	if userID != "" {
		if set, ok := m.byUser[userID]; ok {
			delete(set, conn)
			if len(set) == 0 {
				delete(m.byUser, userID)
			}
		}
	}
}

// Touch refreshes the connection's last-activity timestamp, called on every
// inbound client frame.
func (m *Manager) Touch(taskID string, conn Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.byTask[taskID][conn]; ok {
		e.lastActivity = time.Now().UTC()
	}
}

// SendToTask broadcasts msg to every connection subscribed to taskID. A
// failing connection is evicted and never prevents delivery to the rest.
func (m *Manager) SendToTask(taskID string, msg any) {
	m.broadcast(m.snapshotTask(taskID), msg)
}

// SendToUser broadcasts msg to every connection registered for userID.
func (m *Manager) SendToUser(userID string, msg any) {
	m.broadcast(m.snapshotUser(userID), msg)
}

func (m *Manager) snapshotTask(taskID string) []*entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*entry, 0, len(m.byTask[taskID]))
	for _, e := range m.byTask[taskID] {
		out = append(out, e)
	}
	return out
}

func (m *Manager) snapshotUser(userID string) []*entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*entry, 0, len(m.byUser[userID]))
	for _, e := range m.byUser[userID] {
		out = append(out, e)
	}
	return out
}

func (m *Manager) broadcast(targets []*entry, msg any) {
	if len(targets) == 0 {
		return
	}
	text, err := protocol.Marshal(msg)
	if err != nil {
		log.Printf("hub: drop unencodable message: %v", err)
		return
	}

	var failed []*entry
	for _, e := range targets {
		if err := e.conn.Send(text); err != nil {
			failed = append(failed, e)
			continue
		}
		m.mu.Lock()
		e.lastActivity = time.Now().UTC()
		m.mu.Unlock()
	}
	if len(failed) == 0 {
		return
	}

	m.mu.Lock()
	hook := m.onEvict
	for _, e := range failed {
		m.removeLocked(e.taskID, e.conn, e.userID)
	}
	m.mu.Unlock()
	for _, e := range failed {
		log.Printf("hub: evicted dead connection for task %s", e.taskID)
		if hook != nil {
			hook(e.taskID)
		}
	}
}

func (m *Manager) SendProgressUpdate(taskID string, progress float64, stage, message string) {
	m.SendToTask(taskID, protocol.ProgressUpdate{
		Type:     protocol.TypeProgressUpdate,
		TaskID:   taskID,
		Progress: progress,
		Stage:    stage,
		Message:  message,
		At:       time.Now().UTC(),
	})
}

func (m *Manager) SendChatMessage(taskID, role, content string) {
	m.SendToTask(taskID, protocol.ChatMessage{
		Type:    protocol.TypeChatMessage,
		TaskID:  taskID,
		Role:    role,
		Content: content,
		At:      time.Now().UTC(),
	})
}

func (m *Manager) SendToolExecution(taskID, tool, status, detail string) {
	m.SendToTask(taskID, protocol.ToolExecution{
		Type:   protocol.TypeToolExecution,
		TaskID: taskID,
		Tool:   tool,
		Status: status,
		Detail: detail,
		At:     time.Now().UTC(),
	})
}

func (m *Manager) SendCompletion(taskID, resultURL string) {
	m.SendToTask(taskID, protocol.Completion{
		Type:      protocol.TypeCompletion,
		TaskID:    taskID,
		ResultURL: resultURL,
		At:        time.Now().UTC(),
	})
}

func (m *Manager) SendError(taskID, code, detail string, retryable bool) {
	m.SendToTask(taskID, protocol.ErrorMessage{
		Type:      protocol.TypeError,
		TaskID:    taskID,
		Code:      code,
		Retryable: retryable,
		Detail:    detail,
		At:        time.Now().UTC(),
	})
}

func (m *Manager) SendTaskControl(taskID, action, reason string) {
	m.SendToTask(taskID, protocol.TaskControl{
		Type:   protocol.TypeTaskControl,
		TaskID: taskID,
		Action: action,
		Reason: reason,
		At:     time.Now().UTC(),
	})
}

func (m *Manager) SendFeedbackRequest(taskID, prompt string, options []string) {
	m.SendToTask(taskID, protocol.FeedbackRequest{
		Type:    protocol.TypeFeedbackRequest,
		TaskID:  taskID,
		Prompt:  prompt,
		Options: options,
		At:      time.Now().UTC(),
	})
}

func (m *Manager) ConnectionCount(taskID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byTask[taskID])
}

// UserTaskCount reports how many distinct tasks the user currently has live
// connections for.
func (m *Manager) UserTaskCount(userID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tasks := make(map[string]bool)
	for _, e := range m.byUser[userID] {
		tasks[e.taskID] = true
	}
	return len(tasks)
}

func (m *Manager) Statistics() Statistics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := 0
	for _, set := range m.byTask {
		total += len(set)
	}
	return Statistics{
		Connections: total,
		Tasks:       len(m.byTask),
		Users:       len(m.byUser),
	}
}

// IdleConnections returns the connections whose last activity exceeds the
// threshold.
func (m *Manager) IdleConnections(idleThreshold time.Duration) []Conn {
	cutoff := time.Now().UTC().Add(-idleThreshold)
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Conn
	for _, set := range m.byTask {
		for conn, e := range set {
			if e.lastActivity.Before(cutoff) {
				out = append(out, conn)
			}
		}
	}
	return out
}

// CleanupIdleConnections evicts connections idle longer than the threshold
// and returns how many were removed.
func (m *Manager) CleanupIdleConnections(idleThreshold time.Duration) int {
	cutoff := time.Now().UTC().Add(-idleThreshold)

	m.mu.Lock()
	var evicted []*entry
	for _, set := range m.byTask {
		for _, e := range set {
			if e.lastActivity.Before(cutoff) {
				evicted = append(evicted, e)
			}
		}
	}
	hook := m.onEvict
	for _, e := range evicted {
		m.removeLocked(e.taskID, e.conn, e.userID)
	}
	m.mu.Unlock()

	for _, e := range evicted {
		if hook != nil {
			hook(e.taskID)
		}
	}
	return len(evicted)
}

// StartJanitor evicts idle connections on a fixed interval until ctx ends.
func (m *Manager) StartJanitor(ctx context.Context, interval, idleThreshold time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.CleanupIdleConnections(idleThreshold)
			}
		}
	}()
}
