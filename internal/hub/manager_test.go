package hub

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeConn struct {
	mu     sync.Mutex
	sent   []string
	broken bool
}

func (c *fakeConn) Send(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broken {
		return errors.New("connection closed")
	}
	c.sent = append(c.sent, text)
	return nil
}

func (c *fakeConn) messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.sent))
	copy(out, c.sent)
	return out
}

func (c *fakeConn) breakIt() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.broken = true
}

func TestSendToTaskDeliversToAllSubscribers(t *testing.T) {
	m := NewManager()
	a, b := &fakeConn{}, &fakeConn{}
	m.Connect("video_abc123", a, "u1")
	m.Connect("video_abc123", b, "u1")

	m.SendProgressUpdate("video_abc123", 45, "ASSET_GENERATION", "scene 2/5")

	for name, conn := range map[string]*fakeConn{"a": a, "b": b} {
		msgs := conn.messages()
		if len(msgs) != 1 {
			t.Fatalf("conn %s got %d messages, want 1", name, len(msgs))
		}
		for _, want := range []string{`"progress":45`, `"stage":"ASSET_GENERATION"`, `"message":"scene 2/5"`, `"task_id":"video_abc123"`} {
			if !strings.Contains(msgs[0], want) {
				t.Fatalf("conn %s message = %s, missing %s", name, msgs[0], want)
			}
		}
	}
	if a.messages()[0] != b.messages()[0] {
		t.Fatalf("subscribers received different payloads")
	}

	m.Disconnect("video_abc123", a, "u1")
	if got := m.ConnectionCount("video_abc123"); got != 1 {
		t.Fatalf("ConnectionCount after disconnect = %d, want 1", got)
	}
}

func TestSendToEmptyTaskDoesNotPanic(t *testing.T) {
	m := NewManager()
	conn := &fakeConn{}
	m.Connect("t1", conn, "u1")
	m.Disconnect("t1", conn, "u1")

	m.SendToTask("t1", map[string]string{"type": "progress_update"})
	if got := m.ConnectionCount("t1"); got != 0 {
		t.Fatalf("ConnectionCount = %d, want 0", got)
	}
}

func TestDisconnectUnknownConnIsNoop(t *testing.T) {
	m := NewManager()
	m.Disconnect("never-seen", &fakeConn{}, "nobody")
}

func TestFailingConnEvictedWithoutBlockingOthers(t *testing.T) {
	m := NewManager()
	healthy, dead := &fakeConn{}, &fakeConn{}
	dead.breakIt()
	m.Connect("t1", dead, "u1")
	m.Connect("t1", healthy, "u1")

	var evictedTasks []string
	m.SetEvictHook(func(taskID string) { evictedTasks = append(evictedTasks, taskID) })

	m.SendCompletion("t1", "https://cdn.example.com/final.mp4")

	if got := len(healthy.messages()); got != 1 {
		t.Fatalf("healthy conn got %d messages, want 1", got)
	}
	if got := m.ConnectionCount("t1"); got != 1 {
		t.Fatalf("ConnectionCount after eviction = %d, want 1", got)
	}
	if len(evictedTasks) != 1 || evictedTasks[0] != "t1" {
		t.Fatalf("evict hook calls = %v, want [t1]", evictedTasks)
	}

	// The dead conn must not receive later broadcasts.
	m.SendChatMessage("t1", "assistant", "done")
	if got := len(dead.messages()); got != 0 {
		t.Fatalf("dead conn received %d messages, want 0", got)
	}
}

func TestConnectIsIdempotent(t *testing.T) {
	m := NewManager()
	conn := &fakeConn{}
	m.Connect("t1", conn, "u1")
	m.Connect("t1", conn, "u1")

	if got := m.ConnectionCount("t1"); got != 1 {
		t.Fatalf("ConnectionCount = %d, want 1", got)
	}
	m.SendTaskControl("t1", "pause", "user request")
	if got := len(conn.messages()); got != 1 {
		t.Fatalf("messages = %d, want 1 (no double registration)", got)
	}
}

func TestSendToUserSpansTasks(t *testing.T) {
	m := NewManager()
	a, b := &fakeConn{}, &fakeConn{}
	m.Connect("t1", a, "u1")
	m.Connect("t2", b, "u1")

	m.SendToUser("u1", map[string]string{"type": "chat_message", "task_id": "t1", "content": "hi"})

	if len(a.messages()) != 1 || len(b.messages()) != 1 {
		t.Fatalf("user broadcast delivered %d/%d, want 1/1", len(a.messages()), len(b.messages()))
	}
	if got := m.UserTaskCount("u1"); got != 2 {
		t.Fatalf("UserTaskCount = %d, want 2", got)
	}
}

func TestStatistics(t *testing.T) {
	m := NewManager()
	m.Connect("t1", &fakeConn{}, "u1")
	m.Connect("t1", &fakeConn{}, "u1")
	m.Connect("t2", &fakeConn{}, "u2")

	stats := m.Statistics()
	if stats.Connections != 3 || stats.Tasks != 2 || stats.Users != 2 {
		t.Fatalf("Statistics() = %+v, want 3 conns / 2 tasks / 2 users", stats)
	}
}

func TestIdleConnectionsCleanup(t *testing.T) {
	m := NewManager()
	idle, active := &fakeConn{}, &fakeConn{}
	m.Connect("t1", idle, "u1")
	m.Connect("t1", active, "u1")

	// Age the idle connection past the threshold.
	m.mu.Lock()
	m.byTask["t1"][idle].lastActivity = time.Now().UTC().Add(-time.Hour)
	m.mu.Unlock()

	if got := len(m.IdleConnections(30 * time.Minute)); got != 1 {
		t.Fatalf("IdleConnections = %d, want 1", got)
	}
	if removed := m.CleanupIdleConnections(30 * time.Minute); removed != 1 {
		t.Fatalf("CleanupIdleConnections removed = %d, want 1", removed)
	}
	if got := m.ConnectionCount("t1"); got != 1 {
		t.Fatalf("ConnectionCount after sweep = %d, want 1", got)
	}

	m.SendProgressUpdate("t1", 80, "COMPOSITION", "")
	if got := len(idle.messages()); got != 0 {
		t.Fatalf("evicted idle conn received %d messages, want 0", got)
	}
	if got := len(active.messages()); got != 1 {
		t.Fatalf("active conn received %d messages, want 1", got)
	}
}

func TestTouchKeepsConnectionAlive(t *testing.T) {
	m := NewManager()
	conn := &fakeConn{}
	m.Connect("t1", conn, "u1")

	m.mu.Lock()
	m.byTask["t1"][conn].lastActivity = time.Now().UTC().Add(-time.Hour)
	m.mu.Unlock()

	m.Touch("t1", conn)
	if removed := m.CleanupIdleConnections(30 * time.Minute); removed != 0 {
		t.Fatalf("CleanupIdleConnections removed = %d after Touch, want 0", removed)
	}
}
