// Package graph implements a dependency-aware scheduler for generation
// steps. Nodes are registered with their dependencies, validated for cycles,
// and executed with bounded concurrency; the result of every completed
// dependency is handed to its dependents as input.
package graph

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lucavalli/reelforge/internal/executor"
)

var ErrDuplicateNode = errors.New("node already registered")

// UnknownDependencyError reports a node that depends on an id that was never
// registered. The check runs before any node executes.
type UnknownDependencyError struct {
	Node       string
	Dependency string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("node %q depends on unknown node %q", e.Node, e.Dependency)
}

// CycleError names the nodes involved in a dependency cycle. Detection runs
// before execution starts, so no node has run when it is returned.
type CycleError struct {
	Nodes []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle involving nodes %v", e.Nodes)
}

type NodeState string

const (
	NodePending NodeState = "pending"
	NodeRunning NodeState = "running"
	NodeDone    NodeState = "done"
	NodeFailed  NodeState = "failed"
)

// WorkFunc produces a node's result. deps maps each dependency id to its
// completed result.
type WorkFunc func(ctx context.Context, deps map[string]any) (any, error)

// Result is the terminal outcome of one node. Blocked nodes (those with a
// failed dependency) never run and carry an error referencing the upstream
// failure rather than a sentinel value.
type Result struct {
	Value      any
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time
}

// ProgressFunc observes every node state change during ExecuteAll.
type ProgressFunc func(nodeID string, state NodeState, completed, total int)

type node struct {
	id    string
	fn    WorkFunc
	deps  []string
	state NodeState
}

type Graph struct {
	mu    sync.Mutex
	nodes map[string]*node
	order []string
}

func New() *Graph {
	return &Graph{nodes: make(map[string]*node)}
}

// AddNode registers a unit of work. Dependencies may be registered later;
// they are validated when execution starts.
func (g *Graph) AddNode(id string, fn WorkFunc, deps ...string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.nodes[id]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateNode, id)
	}
	g.nodes[id] = &node{
		id:    id,
		fn:    fn,
		deps:  append([]string(nil), deps...),
		state: NodePending,
	}
	g.order = append(g.order, id)
	return nil
}

func (g *Graph) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.nodes)
}

// ReadyNodes returns the ids of pending nodes whose dependencies are all done,
// in registration order.
func (g *Graph) ReadyNodes() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.readyLocked()
}

func (g *Graph) readyLocked() []string {
	var out []string
	for _, id := range g.order {
		n := g.nodes[id]
		if n.state != NodePending {
			continue
		}
		ready := true
		for _, dep := range n.deps {
			if d, ok := g.nodes[dep]; !ok || d.state != NodeDone {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, id)
		}
	}
	return out
}

func (g *Graph) validate() error {
	for _, id := range g.order {
		n := g.nodes[id]
		for _, dep := range n.deps {
			if _, ok := g.nodes[dep]; !ok {
				return &UnknownDependencyError{Node: id, Dependency: dep}
			}
		}
	}

	// Kahn's algorithm; whatever cannot be topologically ordered is cyclic.
	indegree := make(map[string]int, len(g.nodes))
	dependents := make(map[string][]string, len(g.nodes))
	for _, id := range g.order {
		indegree[id] = len(g.nodes[id].deps)
		for _, dep := range g.nodes[id].deps {
			dependents[dep] = append(dependents[dep], id)
		}
	}
	queue := make([]string, 0, len(g.nodes))
	for _, id := range g.order {
		if indegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	seen := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		seen++
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if seen < len(g.nodes) {
		var cyclic []string
		for id, deg := range indegree {
			if deg > 0 {
				cyclic = append(cyclic, id)
			}
		}
		sort.Strings(cyclic)
		return &CycleError{Nodes: cyclic}
	}
	return nil
}

type completion struct {
	id         string
	value      any
	err        error
	startedAt  time.Time
	finishedAt time.Time
}

// ExecuteAll runs the graph to completion. At most maxConcurrency nodes run
// simultaneously, enforced by the executor's counting semaphore. A node whose
// dependency failed never runs; it is marked failed with an error wrapping the
// upstream failure. The returned map holds exactly one Result per node. A
// non-nil error is returned only for validation failures (unknown dependency,
// cycle), in which case nothing has executed.
func (g *Graph) ExecuteAll(ctx context.Context, maxConcurrency int, onProgress ProgressFunc) (map[string]Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.validate(); err != nil {
		return nil, err
	}

	total := len(g.nodes)
	results := make(map[string]Result, total)
	if total == 0 {
		return results, nil
	}

	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	exec := executor.New(maxConcurrency)
	completions := make(chan completion, total)
	remaining := total
	inflight := 0
	completed := 0

	notify := func(id string, state NodeState) {
		if onProgress != nil {
			onProgress(id, state, completed, total)
		}
	}

	for remaining > 0 {
		// Nodes transitively blocked by a failure are settled without
		// running; iterate to a fixpoint so whole chains settle at once.
		for {
			blocked := g.blockedLocked()
			if len(blocked) == 0 {
				break
			}
			for _, id := range blocked {
				n := g.nodes[id]
				n.state = NodeFailed
				dep, depErr := g.failedDepLocked(n, results)
				results[id] = Result{Err: fmt.Errorf("dependency %q failed: %w", dep, depErr)}
				remaining--
				completed++
				notify(id, NodeFailed)
			}
		}
		if remaining == 0 {
			break
		}

		// Dispatch only into free slots so a node is never reported running
		// while it would still be waiting on the semaphore.
		for _, id := range g.readyLocked() {
			if inflight >= maxConcurrency {
				break
			}
			n := g.nodes[id]
			n.state = NodeRunning
			inflight++

			deps := make(map[string]any, len(n.deps))
			for _, dep := range n.deps {
				deps[dep] = results[dep].Value
			}

			go func(n *node, deps map[string]any) {
				if err := exec.Acquire(ctx); err != nil {
					completions <- completion{id: n.id, err: err}
					return
				}
				defer exec.Release()

				started := time.Now().UTC()
				value, err := n.fn(ctx, deps)
				completions <- completion{
					id:         n.id,
					value:      value,
					err:        err,
					startedAt:  started,
					finishedAt: time.Now().UTC(),
				}
			}(n, deps)
			notify(id, NodeRunning)
		}

		if inflight == 0 {
			// No runnable and no running node: everything left is
			// unreachable, which validate() should have excluded.
			return nil, fmt.Errorf("graph stalled with %d unsettled node(s)", remaining)
		}

		c := <-completions
		inflight--
		remaining--
		completed++
		n := g.nodes[c.id]
		if c.err != nil {
			n.state = NodeFailed
			results[c.id] = Result{Err: c.err, StartedAt: c.startedAt, FinishedAt: c.finishedAt}
			notify(c.id, NodeFailed)
			continue
		}
		n.state = NodeDone
		results[c.id] = Result{Value: c.value, StartedAt: c.startedAt, FinishedAt: c.finishedAt}
		notify(c.id, NodeDone)
	}

	return results, nil
}

func (g *Graph) blockedLocked() []string {
	var out []string
	for _, id := range g.order {
		n := g.nodes[id]
		if n.state != NodePending {
			continue
		}
		for _, dep := range n.deps {
			if g.nodes[dep].state == NodeFailed {
				out = append(out, id)
				break
			}
		}
	}
	return out
}

func (g *Graph) failedDepLocked(n *node, results map[string]Result) (string, error) {
	for _, dep := range n.deps {
		if g.nodes[dep].state == NodeFailed {
			err := results[dep].Err
			if err == nil {
				err = errors.New("failed")
			}
			return dep, err
		}
	}
	return "", errors.New("failed")
}

// FirstError returns the first node error in registration-independent id
// order, or nil if every node succeeded.
func FirstError(results map[string]Result) error {
	ids := make([]string, 0, len(results))
	for id := range results {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := results[id].Err; err != nil {
			return fmt.Errorf("node %q: %w", id, err)
		}
	}
	return nil
}
