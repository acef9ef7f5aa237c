// Package comms owns the physical serial links. Each Transport wraps one
// port and provides the request/response transaction primitive used by the
// polling controllers, with bounded retry. The streaming shutter link uses
// Dialer directly and scans the raw connection instead.
package comms

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/tarm/serial"
)

// ReconnectDelay is the fixed backoff between reconnection attempts.
// Both deployment shapes use the same policy.
const ReconnectDelay = 5 * time.Second

// settleDelay lets the device finish processing the previous command
// before the next transaction is written.
const settleDelay = 50 * time.Millisecond

// retryDelay is slept between failed transaction attempts.
const retryDelay = 100 * time.Millisecond

// ErrComms marks transport-level failures. A controller that sees it must
// drop the link and reconnect; the link cannot be trusted afterwards.
var ErrComms = errors.New("serial communication failed")

var errTimeout = errors.New("read timed out")

// Config describes one serial link.
type Config struct {
	Port        string
	Baud        int
	ReadTimeout time.Duration
	Retries     int
}

type port interface {
	io.ReadWriteCloser
	Flush() error
}

// Dialer opens the configured port and hands back the raw connection.
// Used by the shutter stream monitor, which scans unsolicited status lines
// rather than transacting.
func Dialer(cfg Config) func() (io.ReadWriteCloser, error) {
	return func() (io.ReadWriteCloser, error) {
		return openPort(cfg)
	}
}

func openPort(cfg Config) (port, error) {
	p, err := serial.OpenPort(&serial.Config{
		Name:        cfg.Port,
		Baud:        cfg.Baud,
		ReadTimeout: cfg.ReadTimeout,
	})
	if err != nil {
		return nil, err
	}
	// Drop any stale bytes buffered while the daemon was away.
	if err := p.Flush(); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

// Transport provides request/response transactions over one serial link.
type Transport struct {
	cfg  Config
	dial func() (port, error)

	mu sync.Mutex
	p  port
}

func NewTransport(cfg Config) *Transport {
	return &Transport{
		cfg:  cfg,
		dial: func() (port, error) { return openPort(cfg) },
	}
}

// Open connects the link. It fails if the link is already open and leaves
// the link closed on any I/O error.
func (t *Transport) Open() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.p != nil {
		return errors.New("port already open")
	}
	p, err := t.dial()
	if err != nil {
		return fmt.Errorf("opening %q: %w", t.cfg.Port, err)
	}
	t.p = p
	return nil
}

// Close disconnects the link. Closing a closed link is a no-op.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.p == nil {
		return nil
	}
	err := t.p.Close()
	t.p = nil
	return err
}

func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.p != nil
}

// Transact writes a command line and, if expectResponse is set, reads one
// CR/LF-terminated response. The full write+read cycle is retried up to the
// configured count, flushing the buffers and sleeping briefly between
// attempts. Exhausting the retries returns ErrComms: the caller must treat
// the link as dead.
func (t *Transport) Transact(cmd string, expectResponse bool) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.p == nil {
		return "", fmt.Errorf("%w: port not open", ErrComms)
	}

	attempts := t.cfg.Retries + 1
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			t.p.Flush()
			time.Sleep(retryDelay)
		}
		time.Sleep(settleDelay)

		if _, err := t.p.Write([]byte(cmd + "\n")); err != nil {
			lastErr = err
			continue
		}
		if !expectResponse {
			return "", nil
		}
		line, err := t.readLine()
		if err != nil {
			lastErr = err
			continue
		}
		return line, nil
	}
	return "", fmt.Errorf("%w: %q: %v", ErrComms, cmd, lastErr)
}

// readLine assembles a response terminated by CR or LF. The device may
// pause mid-response, so bytes are accumulated across reads until the
// terminator arrives or the deadline passes.
func (t *Transport) readLine() (string, error) {
	deadline := time.Now().Add(t.cfg.ReadTimeout)
	var buf []byte
	b := make([]byte, 64)
	for {
		n, err := t.p.Read(b)
		if err != nil {
			return "", err
		}
		for i := 0; i < n; i++ {
			if b[i] == '\r' || b[i] == '\n' {
				if len(buf) == 0 {
					continue
				}
				return string(buf), nil
			}
			buf = append(buf, b[i])
		}
		if n == 0 && !time.Now().Before(deadline) {
			return "", errTimeout
		}
	}
}
