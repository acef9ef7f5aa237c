package api

import (
	"encoding/json"
	"net/http/httptest"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ashdome/domed/internal/dome"
)

type stubAzimuth struct {
	mu    sync.Mutex
	calls []string
}

func (s *stubAzimuth) record(call string) dome.CommandResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
	return dome.Succeeded
}

func (s *stubAzimuth) Home(blocking bool) dome.CommandResult { return s.record("home") }

func (s *stubAzimuth) Slew(deg float64, blocking bool) dome.CommandResult {
	return s.record("slew")
}

func (s *stubAzimuth) Stop() dome.CommandResult { return s.record("stop") }

func (s *stubAzimuth) Connected() bool { return true }

func (s *stubAzimuth) AzimuthStatus() (dome.AzimuthState, float64) {
	return dome.AzimuthIdle, 123.4
}

type stubShutter struct{}

func (stubShutter) Open(blocking bool) dome.CommandResult { return dome.Succeeded }

func (stubShutter) Close(blocking bool) dome.CommandResult { return dome.Succeeded }

func (stubShutter) Stop() dome.CommandResult { return dome.Succeeded }

func (stubShutter) SetHeartbeat(seconds int) dome.CommandResult { return dome.Succeeded }

func (stubShutter) Connected() bool { return true }

func (stubShutter) ShutterStatus() (dome.ShutterState, dome.HeartbeatState, int) {
	return dome.ShutterClosed, dome.HeartbeatDisabled, 0
}

func (stubShutter) Battery() *dome.Battery { return nil }

func newTestServer(t *testing.T) (*Server, *stubAzimuth, *httptest.Server) {
	t.Helper()
	az := &stubAzimuth{}
	d := dome.New(dome.Config{}, az, stubShutter{})
	s := NewServer(d)
	ts := httptest.NewServer(s.Router())
	t.Cleanup(ts.Close)
	return s, az, ts
}

func TestStatusHandler(t *testing.T) {
	_, _, ts := newTestServer(t)

	resp, err := ts.Client().Get(ts.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if got := resp.Header.Get("Content-Type"); got != "application/json" {
		t.Errorf("content type: got %q", got)
	}
	var status dome.Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatal(err)
	}
	if status.Azimuth != 123.4 || status.AzimuthLabel != "IDLE" {
		t.Errorf("azimuth: got %.1f %q", status.Azimuth, status.AzimuthLabel)
	}
	if !status.Closed || status.ShutterLabel != "CLOSED" {
		t.Errorf("shutter: got closed=%v %q", status.Closed, status.ShutterLabel)
	}
}

// readReply skips status pushes until a command reply arrives.
func readReply(t *testing.T, conn *websocket.Conn) Reply {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var raw map[string]json.RawMessage
		if err := conn.ReadJSON(&raw); err != nil {
			t.Fatalf("reading reply: %v", err)
		}
		if _, ok := raw["result"]; !ok {
			continue
		}
		data, _ := json.Marshal(raw)
		var reply Reply
		if err := json.Unmarshal(data, &reply); err != nil {
			t.Fatal(err)
		}
		return reply
	}
}

// A departed client must release both connection goroutines promptly,
// not hold the push loop until the next status change happens to arrive.
func TestSocketHandlerStopsAfterClientClose(t *testing.T) {
	_, _, ts := newTestServer(t)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	before := runtime.NumGoroutine()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var status dome.Status
	if err := conn.ReadJSON(&status); err != nil {
		t.Fatal(err)
	}
	conn.Close()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if runtime.NumGoroutine() <= before+1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Errorf("goroutines still running after client close: %d, started with %d",
		runtime.NumGoroutine(), before)
}

func TestWebsocketCommands(t *testing.T) {
	_, az, ts := newTestServer(t)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	// The first message is the current status.
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var status dome.Status
	if err := conn.ReadJSON(&status); err != nil {
		t.Fatalf("reading initial status: %v", err)
	}
	if status.AzimuthLabel != "IDLE" {
		t.Errorf("initial status: got %q", status.AzimuthLabel)
	}

	if err := conn.WriteJSON(Command{Command: "ping"}); err != nil {
		t.Fatal(err)
	}
	reply := readReply(t, conn)
	if reply.Command != "ping" || reply.Result != int(dome.Succeeded) {
		t.Errorf("ping reply: %+v", reply)
	}

	if err := conn.WriteJSON(Command{Command: "slew", Azimuth: 210}); err != nil {
		t.Fatal(err)
	}
	reply = readReply(t, conn)
	if reply.Command != "slew" || reply.Result != int(dome.Succeeded) {
		t.Errorf("slew reply: %+v", reply)
	}
	az.mu.Lock()
	calls := append([]string(nil), az.calls...)
	az.mu.Unlock()
	if len(calls) != 1 || calls[0] != "slew" {
		t.Errorf("drive calls: got %v, want [slew]", calls)
	}

	if err := conn.WriteJSON(Command{Command: "warp"}); err != nil {
		t.Fatal(err)
	}
	reply = readReply(t, conn)
	if reply.Result != int(dome.Failed) {
		t.Errorf("unknown command reply: %+v", reply)
	}
}
