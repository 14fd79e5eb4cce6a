package tasks

import "time"

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

// Task is the unit of user-visible work: one prompt-to-video generation.
type Task struct {
	ID          string            `json:"id"`
	UserID      string            `json:"user_id"`
	Status      Status            `json:"status"`
	Stage       string            `json:"stage,omitempty"`
	Progress    float64           `json:"progress"`
	Prompt      string            `json:"prompt"`
	Duration    int               `json:"duration"`
	Style       string            `json:"style,omitempty"`
	ResultURL   string            `json:"result_url,omitempty"`
	Error       string            `json:"error,omitempty"`
	Metadata    map[string]any    `json:"metadata,omitempty"`
	Assets      map[string]string `json:"assets,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

type CreateRequest struct {
	Prompt   string `json:"prompt"`
	Duration int    `json:"duration"`
	Style    string `json:"style,omitempty"`
	UserID   string `json:"user_id"`
}

func (t Task) Clone() Task {
	out := t
	if t.Metadata != nil {
		out.Metadata = make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			out.Metadata[k] = v
		}
	}
	if t.Assets != nil {
		out.Assets = make(map[string]string, len(t.Assets))
		for k, v := range t.Assets {
			out.Assets[k] = v
		}
	}
	return out
}

func (t Task) Terminal() bool {
	switch t.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}
