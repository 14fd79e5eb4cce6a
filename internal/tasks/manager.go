package tasks

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrTaskNotFound     = errors.New("task not found")
	ErrInvalidTaskState = errors.New("invalid task state")
)

const persistTimeout = 2 * time.Second

// WorkFunc is the whole generation job for one task. It must honor ctx
// cancellation at safe points and may call onProgress any number of times.
// It returns the final result URL.
type WorkFunc func(ctx context.Context, onProgress ProgressFunc) (string, error)

// ProgressFunc reports incremental progress from inside a running job.
type ProgressFunc func(progress float64, stage, message string)

// UpdateHook observes every persisted task mutation, used to forward live
// updates to subscribed connections.
type UpdateHook func(task Task, message string)

// Manager owns the lifecycle of every task in this process: an in-memory
// authoritative copy mirrored to the durable store on each transition, plus a
// process-wide bound on how many tasks execute simultaneously.
type Manager struct {
	mu sync.RWMutex

	store       Store
	taskTimeout time.Duration
	sem         chan struct{}

	tasks       map[string]*Task
	tasksByUser map[string][]string
	cancelled   map[string]bool
	cancels     map[string]context.CancelFunc

	onUpdate UpdateHook
}

func NewManager(maxProcessing int, taskTimeout time.Duration) *Manager {
	if maxProcessing <= 0 {
		maxProcessing = 4
	}
	if taskTimeout <= 0 {
		taskTimeout = 30 * time.Minute
	}
	return &Manager{
		taskTimeout: taskTimeout,
		sem:         make(chan struct{}, maxProcessing),
		tasks:       make(map[string]*Task),
		tasksByUser: make(map[string][]string),
		cancelled:   make(map[string]bool),
		cancels:     make(map[string]context.CancelFunc),
	}
}

func (m *Manager) SetStore(store Store) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store = store
}

func (m *Manager) SetUpdateHook(hook UpdateHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onUpdate = hook
}

// Create allocates a new task in PENDING state and persists it. Store
// failures degrade to in-memory only; the task is still returned.
func (m *Manager) Create(req CreateRequest) (Task, error) {
	req.Prompt = strings.TrimSpace(req.Prompt)
	req.UserID = strings.TrimSpace(req.UserID)
	if req.Prompt == "" {
		return Task{}, errors.New("prompt is required")
	}
	if req.UserID == "" {
		return Task{}, errors.New("user_id is required")
	}
	if req.Duration <= 0 {
		req.Duration = 30
	}

	now := time.Now().UTC()
	task := &Task{
		ID:        "video_" + uuid.NewString(),
		UserID:    req.UserID,
		Status:    StatusPending,
		Progress:  0,
		Prompt:    req.Prompt,
		Duration:  req.Duration,
		Style:     strings.TrimSpace(req.Style),
		CreatedAt: now,
		UpdatedAt: now,
	}

	m.mu.Lock()
	m.tasks[task.ID] = task
	m.tasksByUser[req.UserID] = append(m.tasksByUser[req.UserID], task.ID)
	snapshot := task.Clone()
	m.mu.Unlock()

	m.persistTask(snapshot)
	m.notify(snapshot, "task created")
	return snapshot, nil
}

// Get checks the in-memory cache first and falls back to the durable store,
// repopulating the cache on a hit.
func (m *Manager) Get(taskID string) (Task, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return Task{}, errors.New("task_id is required")
	}

	m.mu.RLock()
	task, ok := m.tasks[taskID]
	var snapshot Task
	if ok {
		snapshot = task.Clone()
	}
	store := m.store
	m.mu.RUnlock()
	if ok {
		return snapshot, nil
	}
	if store == nil {
		return Task{}, ErrTaskNotFound
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	persisted, err := store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, ErrStoreNotFound) {
			return Task{}, ErrTaskNotFound
		}
		return Task{}, err
	}

	m.mu.Lock()
	m.ensureCachedLocked(persisted)
	cached := m.tasks[persisted.ID].Clone()
	m.mu.Unlock()
	return cached, nil
}

// ListForUser returns every task id the user ever created, merging the per-user
// index in the durable store with tasks only known in memory.
func (m *Manager) ListForUser(userID string) []string {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil
	}

	m.mu.RLock()
	store := m.store
	memIDs := append([]string(nil), m.tasksByUser[userID]...)
	m.mu.RUnlock()

	if store == nil {
		return memIDs
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	persisted, err := store.ListTaskIDsForUser(ctx, userID)
	if err != nil {
		log.Printf("tasks: list for user %s from store failed: %v", userID, err)
		return memIDs
	}

	seen := make(map[string]bool, len(persisted)+len(memIDs))
	out := make([]string, 0, len(persisted)+len(memIDs))
	for _, id := range append(persisted, memIDs...) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Start transitions a PENDING task to PROCESSING and runs work asynchronously
// under the process-wide concurrency bound with a hard timeout. The PROCESSING
// transition happens only once a slot is acquired, so the number of
// simultaneously PROCESSING tasks never exceeds the bound.
func (m *Manager) Start(taskID string, work WorkFunc) error {
	m.mu.Lock()
	task, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return ErrTaskNotFound
	}
	if task.Status != StatusPending {
		m.mu.Unlock()
		return fmt.Errorf("%w: start requires PENDING, task is %s", ErrInvalidTaskState, task.Status)
	}
	m.mu.Unlock()

	go m.run(taskID, work)
	return nil
}

func (m *Manager) run(taskID string, work WorkFunc) {
	m.sem <- struct{}{}
	defer func() { <-m.sem }()

	now := time.Now().UTC()
	m.mu.Lock()
	task, ok := m.tasks[taskID]
	if !ok || task.Status != StatusPending {
		// Cancelled (or removed) while waiting for a slot.
		m.mu.Unlock()
		return
	}
	task.Status = StatusProcessing
	task.UpdatedAt = now

	ctx, cancel := context.WithTimeout(context.Background(), m.taskTimeout)
	m.cancels[taskID] = cancel
	snapshot := task.Clone()
	m.mu.Unlock()

	defer cancel()
	defer m.clearCancel(taskID)

	m.persistTask(snapshot)
	m.notify(snapshot, "processing started")

	resultURL, err := work(ctx, func(progress float64, stage, message string) {
		m.UpdateProgress(taskID, progress, stage, message)
	})
	if err != nil {
		if m.Cancelled(taskID) || errors.Is(err, context.Canceled) {
			// Cancel() already finalized the record.
			return
		}
		if errors.Is(err, context.DeadlineExceeded) {
			m.Fail(taskID, fmt.Sprintf("task timed out after %s", m.taskTimeout))
			return
		}
		m.Fail(taskID, err.Error())
		return
	}
	m.Complete(taskID, resultURL)
}

// UpdateProgress applies a progress callback call: monotone while PROCESSING,
// a no-op once the task is terminal.
func (m *Manager) UpdateProgress(taskID string, progress float64, stage, message string) {
	m.mu.Lock()
	task, ok := m.tasks[taskID]
	if !ok || task.Status != StatusProcessing {
		m.mu.Unlock()
		return
	}
	if progress > 100 {
		progress = 100
	}
	if progress > task.Progress {
		task.Progress = progress
	}
	if stage != "" {
		task.Stage = stage
	}
	task.UpdatedAt = time.Now().UTC()
	snapshot := task.Clone()
	m.mu.Unlock()

	m.persistTask(snapshot)
	m.notify(snapshot, message)
}

// SetAsset records an intermediate artifact URL on a non-terminal task.
func (m *Manager) SetAsset(taskID, name, url string) {
	m.mu.Lock()
	task, ok := m.tasks[taskID]
	if !ok || task.Terminal() {
		m.mu.Unlock()
		return
	}
	if task.Assets == nil {
		task.Assets = make(map[string]string)
	}
	task.Assets[name] = url
	task.UpdatedAt = time.Now().UTC()
	snapshot := task.Clone()
	m.mu.Unlock()

	m.persistTask(snapshot)
}

// Complete finalizes a task as COMPLETED. A no-op if already terminal.
func (m *Manager) Complete(taskID, resultURL string) {
	now := time.Now().UTC()
	m.mu.Lock()
	task, ok := m.tasks[taskID]
	if !ok || task.Terminal() {
		m.mu.Unlock()
		return
	}
	task.Status = StatusCompleted
	task.Progress = 100
	task.ResultURL = resultURL
	task.Error = ""
	task.UpdatedAt = now
	task.CompletedAt = &now
	snapshot := task.Clone()
	m.mu.Unlock()

	m.persistTask(snapshot)
	m.notify(snapshot, "completed")
}

// Fail finalizes a task as FAILED with a human-readable error.
func (m *Manager) Fail(taskID, detail string) {
	now := time.Now().UTC()
	m.mu.Lock()
	task, ok := m.tasks[taskID]
	if !ok || task.Terminal() {
		m.mu.Unlock()
		return
	}
	task.Status = StatusFailed
	task.Error = detail
	task.UpdatedAt = now
	task.CompletedAt = &now
	snapshot := task.Clone()
	m.mu.Unlock()

	m.persistTask(snapshot)
	m.notify(snapshot, detail)
}

// Cancel signals cooperative cancellation and marks the task CANCELLED.
// Running work stops at its next safe point; a terminal task reports
// ErrInvalidTaskState.
func (m *Manager) Cancel(taskID string) (Task, error) {
	now := time.Now().UTC()
	m.mu.Lock()
	task, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return Task{}, ErrTaskNotFound
	}
	if task.Terminal() {
		snapshot := task.Clone()
		m.mu.Unlock()
		return snapshot, fmt.Errorf("%w: task already %s", ErrInvalidTaskState, snapshot.Status)
	}
	m.cancelled[taskID] = true
	cancel := m.cancels[taskID]
	task.Status = StatusCancelled
	task.UpdatedAt = now
	task.CompletedAt = &now
	snapshot := task.Clone()
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.persistTask(snapshot)
	m.notify(snapshot, "cancelled")
	return snapshot, nil
}

// Cancelled reports whether cancellation was requested for taskID. Work
// functions poll this between pipeline steps.
func (m *Manager) Cancelled(taskID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cancelled[taskID]
}

// Cleanup removes terminal tasks older than maxAge from memory and the
// durable store, returning how many were removed.
func (m *Manager) Cleanup(ctx context.Context, maxAge time.Duration) int {
	now := time.Now().UTC()

	m.mu.Lock()
	var expired []Task
	for id, task := range m.tasks {
		if !task.Terminal() {
			continue
		}
		ref := task.UpdatedAt
		if task.CompletedAt != nil {
			ref = *task.CompletedAt
		}
		if now.Sub(ref) <= maxAge {
			continue
		}
		expired = append(expired, task.Clone())
		delete(m.tasks, id)
		delete(m.cancelled, id)
		m.removeUserIndexLocked(task.UserID, id)
	}
	store := m.store
	m.mu.Unlock()

	if store != nil {
		for _, task := range expired {
			if err := store.DeleteTask(ctx, task); err != nil {
				log.Printf("tasks: cleanup delete %s failed: %v", task.ID, err)
			}
		}
	}
	return len(expired)
}

// StartJanitor periodically garbage-collects terminal tasks until ctx ends.
func (m *Manager) StartJanitor(ctx context.Context, interval, maxAge time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Cleanup(ctx, maxAge)
			}
		}
	}()
}

func (m *Manager) ProcessingCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, task := range m.tasks {
		if task.Status == StatusProcessing {
			count++
		}
	}
	return count
}

func (m *Manager) ensureCachedLocked(task Task) {
	cloned := task.Clone()
	m.tasks[task.ID] = &cloned

	for _, id := range m.tasksByUser[task.UserID] {
		if id == task.ID {
			return
		}
	}
	m.tasksByUser[task.UserID] = append(m.tasksByUser[task.UserID], task.ID)
}

func (m *Manager) removeUserIndexLocked(userID, taskID string) {
	ids := m.tasksByUser[userID]
	out := ids[:0]
	for _, id := range ids {
		if id != taskID {
			out = append(out, id)
		}
	}
	if len(out) == 0 {
		delete(m.tasksByUser, userID)
		return
	}
	m.tasksByUser[userID] = out
}

func (m *Manager) clearCancel(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cancels, taskID)
}

// persistTask mirrors the in-memory record synchronously so every transition
// is durable before the next one. Store failures are logged and retried on
// the next mutation, never fatal to the in-flight task.
func (m *Manager) persistTask(task Task) {
	m.mu.RLock()
	store := m.store
	m.mu.RUnlock()
	if store == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := store.SaveTask(ctx, task); err != nil {
		log.Printf("tasks: persist %s failed: %v", task.ID, err)
	}
}

func (m *Manager) notify(task Task, message string) {
	m.mu.RLock()
	hook := m.onUpdate
	m.mu.RUnlock()
	if hook != nil {
		hook(task, message)
	}
}
