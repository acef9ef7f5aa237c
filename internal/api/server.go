// Package api exposes the dome controller over HTTP: a JSON status
// snapshot, and a websocket that streams every status change and accepts
// command messages. Mutating commands carry the caller's host through to
// the controller's authorization predicate.
package api

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/ashdome/domed/internal/dome"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type Server struct {
	dome *dome.Dome

	statusMu   sync.RWMutex
	statusCond *sync.Cond
	status     dome.Status
}

func NewServer(d *dome.Dome) *Server {
	s := &Server{dome: d}
	s.statusCond = sync.NewCond(s.statusMu.RLocker())
	return s
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/status", s.StatusHandler)
	r.HandleFunc("/ws", s.StatusSocketHandler)
	return r
}

// StatusCallback is wired as the controller's notify hook.
func (s *Server) StatusCallback(status dome.Status) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	s.status = status
	s.statusCond.Broadcast()
}

func (s *Server) StatusHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	data, err := json.Marshal(s.dome.CurrentStatus())
	if err != nil {
		log.Print(err)
		return
	}
	w.Write(data)
}

// Command is a JSON message received on the websocket.
type Command struct {
	Command  string  `json:"command"`
	Azimuth  float64 `json:"azimuth"`
	Seconds  int     `json:"seconds"`
	Blocking bool    `json:"blocking"`
	Override bool    `json:"override"`
	Enabled  bool    `json:"enabled"`
}

// Reply reports the outcome of a command.
type Reply struct {
	Command string `json:"command"`
	Result  int    `json:"result"`
	Message string `json:"message"`
}

func (s *Server) StatusSocketHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println(err)
		return
	}

	caller := callerHost(r)

	// Writes come from both the status pusher and command replies.
	var writeMu sync.Mutex
	send := func(v interface{}) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := conn.WriteJSON(v); err != nil {
			log.Print(err)
		}
	}

	// Read and dispatch incoming commands. Blocking commands can run for
	// minutes, so each runs on its own goroutine and replies when done.
	go func() {
		for {
			var msg Command
			if err := conn.ReadJSON(&msg); err != nil {
				cancel()
				conn.Close()
				// Release the push loop from its cond wait so the
				// handler exits without waiting for a status change.
				s.statusCond.Broadcast()
				break
			}
			go func(msg Command) {
				res := s.dispatch(caller, msg)
				send(Reply{Command: msg.Command, Result: int(res), Message: res.Message()})
			}(msg)
		}
	}()

	send(s.dome.CurrentStatus())

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		s.statusMu.RLock()
		s.statusCond.Wait()
		status := s.status
		s.statusMu.RUnlock()
		send(status)
	}
}

func (s *Server) dispatch(caller string, msg Command) dome.CommandResult {
	switch msg.Command {
	case "initialize":
		return s.dome.Initialize(caller)
	case "shutdown":
		return s.dome.Shutdown(caller)
	case "open_shutter":
		return s.dome.OpenShutter(caller, msg.Blocking, msg.Override)
	case "close_shutter":
		return s.dome.CloseShutter(caller, msg.Blocking, msg.Override)
	case "stop":
		return s.dome.Stop(caller)
	case "home":
		return s.dome.HomeAzimuth(caller, msg.Blocking)
	case "slew":
		return s.dome.SlewAzimuth(caller, msg.Azimuth, msg.Blocking)
	case "park":
		return s.dome.Park(caller, msg.Blocking)
	case "engineering_mode":
		return s.dome.SetEngineeringMode(caller, msg.Enabled)
	case "heartbeat":
		return s.dome.SetHeartbeatTimer(caller, msg.Seconds)
	case "ping":
		return s.dome.Ping()
	}
	return dome.Failed
}

func callerHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
