package tasks

import (
	"context"
	"errors"
)

var ErrStoreNotFound = errors.New("task not found in store")

// Store is the durable backing for task records: a task document per id plus
// a per-user index of task ids. Records are only ever written by the single
// process that owns the task's execution; other processes read for polling.
type Store interface {
	SaveTask(ctx context.Context, task Task) error
	GetTask(ctx context.Context, taskID string) (Task, error)
	ListTaskIDsForUser(ctx context.Context, userID string) ([]string, error)
	DeleteTask(ctx context.Context, task Task) error
	Close() error
}
