package graph

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestAddNodeRejectsDuplicates(t *testing.T) {
	g := New()
	noop := func(ctx context.Context, deps map[string]any) (any, error) { return nil, nil }

	if err := g.AddNode("script", noop); err != nil {
		t.Fatalf("AddNode() error = %v", err)
	}
	err := g.AddNode("script", noop)
	if !errors.Is(err, ErrDuplicateNode) {
		t.Fatalf("duplicate AddNode() error = %v, want ErrDuplicateNode", err)
	}
}

func TestExecuteAllRejectsUnknownDependencyBeforeRunning(t *testing.T) {
	g := New()
	ran := false
	_ = g.AddNode("compose", func(ctx context.Context, deps map[string]any) (any, error) {
		ran = true
		return nil, nil
	}, "music")

	_, err := g.ExecuteAll(context.Background(), 2, nil)
	var unknown *UnknownDependencyError
	if !errors.As(err, &unknown) {
		t.Fatalf("ExecuteAll() error = %v, want UnknownDependencyError", err)
	}
	if unknown.Node != "compose" || unknown.Dependency != "music" {
		t.Fatalf("unknown dep = %+v, want compose -> music", unknown)
	}
	if ran {
		t.Fatalf("node ran despite validation failure")
	}
}

func TestExecuteAllDetectsCycleWithoutPartialExecution(t *testing.T) {
	g := New()
	executed := 0
	fn := func(ctx context.Context, deps map[string]any) (any, error) {
		executed++
		return nil, nil
	}
	_ = g.AddNode("a", fn, "b")
	_ = g.AddNode("b", fn, "a")
	_ = g.AddNode("c", fn)

	_, err := g.ExecuteAll(context.Background(), 2, nil)
	var cycle *CycleError
	if !errors.As(err, &cycle) {
		t.Fatalf("ExecuteAll() error = %v, want CycleError", err)
	}
	if len(cycle.Nodes) != 2 || cycle.Nodes[0] != "a" || cycle.Nodes[1] != "b" {
		t.Fatalf("cycle nodes = %v, want [a b]", cycle.Nodes)
	}
	if executed != 0 {
		t.Fatalf("executed = %d nodes, want 0", executed)
	}
}

func TestExecuteAllDiamondRespectsDependencyOrder(t *testing.T) {
	g := New()

	var mu sync.Mutex
	order := []string{}
	record := func(id string) WorkFunc {
		return func(ctx context.Context, deps map[string]any) (any, error) {
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
			time.Sleep(2 * time.Millisecond)
			return id, nil
		}
	}

	_ = g.AddNode("A", record("A"))
	_ = g.AddNode("B", record("B"), "A")
	_ = g.AddNode("C", record("C"), "A")
	_ = g.AddNode("D", record("D"), "B", "C")

	results, err := g.ExecuteAll(context.Background(), 2, nil)
	if err != nil {
		t.Fatalf("ExecuteAll() error = %v", err)
	}
	if len(results) != 4 {
		t.Fatalf("results len = %d, want 4", len(results))
	}
	if order[0] != "A" {
		t.Fatalf("order = %v, want A first", order)
	}
	if order[3] != "D" {
		t.Fatalf("order = %v, want D last", order)
	}

	// Node start must not precede the completion of any dependency.
	for _, pair := range [][2]string{{"A", "B"}, {"A", "C"}, {"B", "D"}, {"C", "D"}} {
		dep, dependent := results[pair[0]], results[pair[1]]
		if dependent.StartedAt.Before(dep.FinishedAt) {
			t.Fatalf("node %s started %v before dependency %s finished %v",
				pair[1], dependent.StartedAt, pair[0], dep.FinishedAt)
		}
	}
}

func TestExecuteAllPassesDependencyResults(t *testing.T) {
	g := New()
	_ = g.AddNode("script", func(ctx context.Context, deps map[string]any) (any, error) {
		return "INT. HARBOR - NIGHT", nil
	})
	_ = g.AddNode("scenes", func(ctx context.Context, deps map[string]any) (any, error) {
		script, _ := deps["script"].(string)
		return script + " / 3 scenes", nil
	}, "script")

	results, err := g.ExecuteAll(context.Background(), 2, nil)
	if err != nil {
		t.Fatalf("ExecuteAll() error = %v", err)
	}
	if got := results["scenes"].Value; got != "INT. HARBOR - NIGHT / 3 scenes" {
		t.Fatalf("scenes value = %v, dependency result not threaded", got)
	}
}

func TestExecuteAllFailurePropagatesToDependents(t *testing.T) {
	g := New()
	boom := errors.New("render quota exhausted")
	ran := make(map[string]bool)
	var mu sync.Mutex
	mark := func(id string, err error) WorkFunc {
		return func(ctx context.Context, deps map[string]any) (any, error) {
			mu.Lock()
			ran[id] = true
			mu.Unlock()
			return id, err
		}
	}

	_ = g.AddNode("script", mark("script", nil))
	_ = g.AddNode("images", mark("images", boom), "script")
	_ = g.AddNode("clips", mark("clips", nil), "images")
	_ = g.AddNode("compose", mark("compose", nil), "clips")

	results, err := g.ExecuteAll(context.Background(), 2, nil)
	if err != nil {
		t.Fatalf("ExecuteAll() error = %v", err)
	}
	if len(results) != 4 {
		t.Fatalf("results len = %d, want one entry per node", len(results))
	}
	if !errors.Is(results["images"].Err, boom) {
		t.Fatalf("images err = %v, want boom", results["images"].Err)
	}
	for _, id := range []string{"clips", "compose"} {
		if ran[id] {
			t.Fatalf("node %s ran despite failed dependency", id)
		}
		if !errors.Is(results[id].Err, boom) {
			t.Fatalf("%s err = %v, want wrapped upstream error", id, results[id].Err)
		}
	}
	if !strings.Contains(results["clips"].Err.Error(), `dependency "images" failed`) {
		t.Fatalf("clips err = %v, want upstream reference", results["clips"].Err)
	}
}

func TestExecuteAllBoundsConcurrency(t *testing.T) {
	const bound = 2
	g := New()

	var mu sync.Mutex
	active, peak := 0, 0
	fn := func(ctx context.Context, deps map[string]any) (any, error) {
		mu.Lock()
		active++
		if active > peak {
			peak = active
		}
		mu.Unlock()

		time.Sleep(5 * time.Millisecond)

		mu.Lock()
		active--
		mu.Unlock()
		return nil, nil
	}
	for i := 0; i < 10; i++ {
		_ = g.AddNode(fmt.Sprintf("n%d", i), fn)
	}

	if _, err := g.ExecuteAll(context.Background(), bound, nil); err != nil {
		t.Fatalf("ExecuteAll() error = %v", err)
	}
	if peak > bound {
		t.Fatalf("peak concurrency = %d, want <= %d", peak, bound)
	}
}

func TestExecuteAllRunningNotificationsRespectBound(t *testing.T) {
	const bound = 1
	g := New()
	fn := func(ctx context.Context, deps map[string]any) (any, error) {
		time.Sleep(5 * time.Millisecond)
		return nil, nil
	}
	for i := 0; i < 4; i++ {
		_ = g.AddNode(fmt.Sprintf("n%d", i), fn)
	}

	running, peak := 0, 0
	_, err := g.ExecuteAll(context.Background(), bound, func(id string, state NodeState, completed, total int) {
		switch state {
		case NodeRunning:
			running++
			if running > peak {
				peak = running
			}
		case NodeDone, NodeFailed:
			running--
		}
	})
	if err != nil {
		t.Fatalf("ExecuteAll() error = %v", err)
	}
	if peak > bound {
		t.Fatalf("peak running notifications = %d, want <= %d", peak, bound)
	}
}

func TestExecuteAllReportsProgressStates(t *testing.T) {
	g := New()
	_ = g.AddNode("a", func(ctx context.Context, deps map[string]any) (any, error) { return nil, nil })
	_ = g.AddNode("b", func(ctx context.Context, deps map[string]any) (any, error) {
		return nil, errors.New("nope")
	}, "a")

	var mu sync.Mutex
	states := map[string][]NodeState{}
	_, err := g.ExecuteAll(context.Background(), 1, func(id string, state NodeState, completed, total int) {
		mu.Lock()
		states[id] = append(states[id], state)
		mu.Unlock()
		if total != 2 {
			t.Errorf("total = %d, want 2", total)
		}
	})
	if err != nil {
		t.Fatalf("ExecuteAll() error = %v", err)
	}

	wantA := []NodeState{NodeRunning, NodeDone}
	wantB := []NodeState{NodeRunning, NodeFailed}
	for id, want := range map[string][]NodeState{"a": wantA, "b": wantB} {
		got := states[id]
		if len(got) != len(want) {
			t.Fatalf("states[%s] = %v, want %v", id, got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("states[%s] = %v, want %v", id, got, want)
			}
		}
	}
}

func TestReadyNodesTracksCompletion(t *testing.T) {
	g := New()
	noop := func(ctx context.Context, deps map[string]any) (any, error) { return nil, nil }
	_ = g.AddNode("a", noop)
	_ = g.AddNode("b", noop, "a")

	ready := g.ReadyNodes()
	if len(ready) != 1 || ready[0] != "a" {
		t.Fatalf("ReadyNodes() = %v, want [a]", ready)
	}

	if _, err := g.ExecuteAll(context.Background(), 1, nil); err != nil {
		t.Fatalf("ExecuteAll() error = %v", err)
	}
	if ready := g.ReadyNodes(); len(ready) != 0 {
		t.Fatalf("ReadyNodes() after execution = %v, want empty", ready)
	}
}

func TestFirstError(t *testing.T) {
	results := map[string]Result{
		"a": {Value: 1},
		"b": {Err: errors.New("b failed")},
		"c": {Err: errors.New("c failed")},
	}
	err := FirstError(results)
	if err == nil || !strings.Contains(err.Error(), `node "b"`) {
		t.Fatalf("FirstError() = %v, want node b error", err)
	}
	if FirstError(map[string]Result{"a": {Value: 1}}) != nil {
		t.Fatalf("FirstError() on success = non-nil")
	}
}
