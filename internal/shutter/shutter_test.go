package shutter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/ashdome/domed/internal/dome"
)

// fakeConn is the controller's end of the link. Status lines are fed in
// through a pipe; command bytes are captured for inspection.
type fakeConn struct {
	rd *io.PipeReader

	mu     sync.Mutex
	writes []byte
	closed bool
}

func (c *fakeConn) Read(p []byte) (int, error) { return c.rd.Read(p) }

func (c *fakeConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, p...)
	return len(p), nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return c.rd.Close()
}

func (c *fakeConn) written() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.writes...)
}

type board struct {
	conn *fakeConn
	out  *io.PipeWriter
}

func newBoard() *board {
	pr, pw := io.Pipe()
	return &board{conn: &fakeConn{rd: pr}, out: pw}
}

// send emits one status line the way the firmware does.
func (b *board) send(t *testing.T, line string) {
	t.Helper()
	if _, err := fmt.Fprintf(b.out, "%s\r\n", line); err != nil {
		t.Fatalf("sending %q: %v", line, err)
	}
}

func startShutter(t *testing.T) (*Controller, *board) {
	t.Helper()
	b := newBoard()
	dialed := false
	c := New(Config{MoveTimeout: time.Second}, func() (io.ReadWriteCloser, error) {
		if dialed {
			return nil, fmt.Errorf("port gone")
		}
		dialed = true
		return b.conn, nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go c.Run(ctx)
	waitFor(t, "connect", func() bool { return c.Connected() })
	return c, b
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (c *Controller) waitState(t *testing.T, want dome.ShutterState) {
	t.Helper()
	waitFor(t, want.Label(), func() bool {
		state, _, _ := c.ShutterStatus()
		return state == want
	})
}

func TestStateMapping(t *testing.T) {
	c, b := startShutter(t)
	for _, tc := range []struct {
		line  string
		state dome.ShutterState
		hb    dome.HeartbeatState
		rem   int
	}{
		{"00,000", dome.ShutterPartOpen, dome.HeartbeatDisabled, 0},
		{"01,030", dome.ShutterOpening, dome.HeartbeatActive, 30},
		{"02,000", dome.ShutterClosing, dome.HeartbeatDisabled, 0},
		{"03,000", dome.ShutterOpen, dome.HeartbeatDisabled, 0},
		{"04,255", dome.ShutterClosed, dome.HeartbeatTimedOutState, 0},
		// An unknown state code keeps the previous state.
		{"09,000", dome.ShutterClosed, dome.HeartbeatDisabled, 0},
	} {
		b.send(t, tc.line)
		waitFor(t, tc.line, func() bool {
			state, hb, rem := c.ShutterStatus()
			return state == tc.state && hb == tc.hb && rem == tc.rem
		})
	}
}

func TestOpenAtLimitSendsNothing(t *testing.T) {
	c, b := startShutter(t)
	b.send(t, "03,000")
	c.waitState(t, dome.ShutterOpen)

	if res := c.Open(false); res != dome.Succeeded {
		t.Fatalf("open at limit: got %v, want Succeeded", res)
	}
	if got := b.conn.written(); len(got) != 0 {
		t.Errorf("wrote %v, want no command bytes", got)
	}
}

func TestCloseBlocking(t *testing.T) {
	c, b := startShutter(t)
	b.send(t, "03,000")
	c.waitState(t, dome.ShutterOpen)

	go func() {
		waitFor(t, "close command", func() bool {
			return bytes.Contains(b.conn.written(), []byte{byteClose})
		})
		b.send(t, "02,000")
		b.send(t, "04,000")
	}()

	if res := c.Close(true); res != dome.Succeeded {
		t.Fatalf("close: got %v, want Succeeded", res)
	}
	if state, _, _ := c.ShutterStatus(); state != dome.ShutterClosed {
		t.Errorf("state: got %v, want Closed", state)
	}
}

func TestConcurrentMoveBlocked(t *testing.T) {
	c, b := startShutter(t)
	b.send(t, "00,000")
	c.waitState(t, dome.ShutterPartOpen)

	if res := c.Open(false); res != dome.Succeeded {
		t.Fatalf("open: got %v, want Succeeded", res)
	}
	if res := c.Close(false); res != dome.Blocked {
		t.Errorf("close during open: got %v, want Blocked", res)
	}
}

func TestHeartbeatBounds(t *testing.T) {
	c, b := startShutter(t)
	b.send(t, "04,000")
	c.waitState(t, dome.ShutterClosed)

	if res := c.SetHeartbeat(-1); res != dome.HeartbeatInvalidTimeout {
		t.Errorf("arm -1: got %v, want HeartbeatInvalidTimeout", res)
	}
	if res := c.SetHeartbeat(240); res != dome.HeartbeatInvalidTimeout {
		t.Errorf("arm 240: got %v, want HeartbeatInvalidTimeout", res)
	}
	if res := c.SetHeartbeat(239); res != dome.Succeeded {
		t.Fatalf("arm 239: got %v, want Succeeded", res)
	}
	if _, hb, rem := c.ShutterStatus(); hb != dome.HeartbeatActive || rem != 239 {
		t.Errorf("after arm: got %v remaining %d, want Active 239", hb, rem)
	}
	if res := c.SetHeartbeat(0); res != dome.Succeeded {
		t.Fatalf("disable: got %v, want Succeeded", res)
	}
	if got := b.conn.written(); !bytes.Equal(got, []byte{239, 0}) {
		t.Errorf("wrote %v, want [239 0]", got)
	}
}

func TestHeartbeatTrip(t *testing.T) {
	c, b := startShutter(t)
	b.send(t, "02,255")
	c.waitState(t, dome.ShutterClosing)

	if res := c.Open(false); res != dome.HeartbeatTimedOut {
		t.Errorf("open while tripped: got %v, want HeartbeatTimedOut", res)
	}
	if res := c.Close(false); res != dome.HeartbeatCloseInProgress {
		t.Errorf("close while firmware closing: got %v, want HeartbeatCloseInProgress", res)
	}
	if res := c.SetHeartbeat(30); res != dome.HeartbeatTimedOut {
		t.Errorf("arm while tripped: got %v, want HeartbeatTimedOut", res)
	}

	// A zero byte clears the trip.
	if res := c.SetHeartbeat(0); res != dome.Succeeded {
		t.Fatalf("clear trip: got %v, want Succeeded", res)
	}
	b.send(t, "04,000")
	c.waitState(t, dome.ShutterClosed)
	if res := c.Open(false); res != dome.Succeeded {
		t.Errorf("open after clearing trip: got %v, want Succeeded", res)
	}
}

func TestStopInterruptsMove(t *testing.T) {
	c, b := startShutter(t)
	b.send(t, "00,000")
	c.waitState(t, dome.ShutterPartOpen)

	result := make(chan dome.CommandResult, 1)
	go func() { result <- c.Open(true) }()
	waitFor(t, "open command", func() bool {
		return bytes.Contains(b.conn.written(), []byte{byteOpen})
	})

	if res := c.Stop(); res != dome.Succeeded {
		t.Fatalf("stop: got %v, want Succeeded", res)
	}
	if res := <-result; res != dome.Failed {
		t.Errorf("interrupted open: got %v, want Failed", res)
	}
	if !bytes.Contains(b.conn.written(), []byte{byteStop}) {
		t.Error("stop byte was not sent")
	}
}

func TestMalformedLineDisconnects(t *testing.T) {
	c, b := startShutter(t)
	b.send(t, "04,000")
	c.waitState(t, dome.ShutterClosed)

	b.send(t, "garbage")
	waitFor(t, "disconnect", func() bool { return !c.Connected() })
	if res := c.Open(false); res != dome.NotConnected {
		t.Errorf("open while disconnected: got %v, want NotConnected", res)
	}
	if state, _, _ := c.ShutterStatus(); state != dome.ShutterDisconnected {
		t.Errorf("state: got %v, want Disconnected", state)
	}
}
