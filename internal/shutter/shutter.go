// Package shutter drives the split-link shutter microcontroller. The
// firmware owns the heartbeat countdown and forces a close when it expires,
// so the shutter stays protected even if this process dies; the controller
// only reflects the device-reported state. Commands are single bytes and
// the device streams one status line per second.
package shutter

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ashdome/domed/internal/comms"
	"github.com/ashdome/domed/internal/dome"
)

// Dialer opens the raw serial connection to the shutter board.
type Dialer func() (io.ReadWriteCloser, error)

// Command bytes understood by the firmware. Values 1..240 arm the
// heartbeat for that many seconds; 0 disables it and clears a trip.
const (
	byteOpen  = 0xF1
	byteClose = 0xF2
	byteStop  = 0xFF
)

// heartbeatTimedOut is the sentinel the firmware reports once its
// countdown has expired. The trip is sticky until a 0 byte clears it.
const heartbeatTimedOut = 255

type Config struct {
	// MoveTimeout bounds how long an open or close may run.
	MoveTimeout time.Duration
	// HeartbeatLimit is the exclusive upper bound for the countdown;
	// the firmware accepts at most 240 seconds.
	HeartbeatLimit int
}

type Controller struct {
	cfg  Config
	dial Dialer

	// Notify is called (without locks held) after every published state
	// change.
	Notify func()

	busy int32

	wmu sync.Mutex // serializes writes to the link

	mu            sync.Mutex
	cond          *sync.Cond
	conn          io.ReadWriteCloser
	state         dome.ShutterState
	heartbeat     dome.HeartbeatState
	remaining     int
	stopRequested bool
	unknownCodes  int

	openLogged bool
}

func New(cfg Config, dial Dialer) *Controller {
	if cfg.HeartbeatLimit <= 0 || cfg.HeartbeatLimit > 240 {
		cfg.HeartbeatLimit = 240
	}
	c := &Controller{cfg: cfg, dial: dial}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Run owns the serial link until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) {
	for ctx.Err() == nil {
		conn, err := c.dial()
		if err != nil {
			if !c.openLogged {
				log.Printf("shutter: %v", err)
				c.openLogged = true
			}
			select {
			case <-ctx.Done():
			case <-time.After(comms.ReconnectDelay):
			}
			continue
		}
		c.openLogged = false
		log.Printf("shutter: connected")

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.notify()

		err = c.watch(ctx, conn)
		c.setDisconnected()
		if err != nil && ctx.Err() == nil {
			log.Printf("shutter: %v", err)
		}
	}
}

func (c *Controller) watch(ctx context.Context, conn io.ReadWriteCloser) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return conn.Close()
	})
	g.Go(func() error {
		// Keep blocking waiters checking their deadlines even if the
		// stream stalls.
		t := time.NewTicker(500 * time.Millisecond)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				c.cond.Broadcast()
			}
		}
	})
	g.Go(func() error {
		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			if err := c.parseLine(line); err != nil {
				// A malformed line means the link has desynchronized;
				// it cannot be trusted until reopened.
				return err
			}
		}
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("reading port: %w", err)
		}
		return io.EOF
	})
	return g.Wait()
}

// Status line format: "SS,HHH" where SS is the state code and HHH the
// heartbeat byte. State codes: 0 stopped between limits, 1 opening,
// 2 closing, 3 open limit, 4 closed limit.
func (c *Controller) parseLine(line string) error {
	parts := strings.Split(line, ",")
	if len(parts) != 2 {
		return fmt.Errorf("status line %q has %d fields", line, len(parts))
	}
	code, err := strconv.Atoi(parts[0])
	if err != nil {
		return fmt.Errorf("status code: %w", err)
	}
	hb, err := strconv.Atoi(parts[1])
	if err != nil {
		return fmt.Errorf("heartbeat byte: %w", err)
	}

	c.mu.Lock()
	switch code {
	case 0:
		c.state = dome.ShutterPartOpen
	case 1:
		c.state = dome.ShutterOpening
	case 2:
		c.state = dome.ShutterClosing
	case 3:
		c.state = dome.ShutterOpen
	case 4:
		c.state = dome.ShutterClosed
	default:
		// Unknown code: never guess a limit state, keep the previous one.
		c.unknownCodes++
	}

	tripped := c.heartbeat == dome.HeartbeatTimedOutState
	switch {
	case hb == heartbeatTimedOut:
		c.heartbeat = dome.HeartbeatTimedOutState
		c.remaining = 0
	case hb == 0:
		c.heartbeat = dome.HeartbeatDisabled
		c.remaining = 0
	default:
		c.heartbeat = dome.HeartbeatActive
		c.remaining = hb
	}
	nowTripped := c.heartbeat == dome.HeartbeatTimedOutState
	c.cond.Broadcast()
	c.mu.Unlock()

	if nowTripped && !tripped {
		log.Printf("shutter: heartbeat timed out, firmware is closing the shutter")
	}
	c.notify()
	return nil
}

// Open runs the shutter to the open limit.
func (c *Controller) Open(blocking bool) dome.CommandResult {
	return c.move(byteOpen, dome.ShutterOpen, dome.ShutterOpening, blocking)
}

// Close runs the shutter to the closed limit.
func (c *Controller) Close(blocking bool) dome.CommandResult {
	return c.move(byteClose, dome.ShutterClosed, dome.ShutterClosing, blocking)
}

func (c *Controller) move(cmd byte, target, optimistic dome.ShutterState, blocking bool) dome.CommandResult {
	c.mu.Lock()
	switch {
	case c.conn == nil:
		c.mu.Unlock()
		return dome.NotConnected
	case c.heartbeat.Tripped() && cmd == byteOpen:
		// Opening is never allowed once tripped.
		c.mu.Unlock()
		return dome.HeartbeatTimedOut
	case c.heartbeat.Tripped() && c.state == dome.ShutterClosing:
		// The firmware is already driving the close; never re-issue it.
		c.mu.Unlock()
		return dome.HeartbeatCloseInProgress
	case c.state == target:
		// Already at the requested limit; nothing to send.
		c.mu.Unlock()
		return dome.Succeeded
	}
	c.mu.Unlock()

	// At most one movement command in flight. There is no queue: a
	// concurrent caller is told to retry.
	if !atomic.CompareAndSwapInt32(&c.busy, 0, 1) {
		return dome.Blocked
	}

	if err := c.write(cmd); err != nil {
		atomic.StoreInt32(&c.busy, 0)
		log.Printf("shutter: %v", err)
		return dome.Failed
	}

	c.mu.Lock()
	c.state = optimistic
	c.mu.Unlock()
	c.notify()

	if !blocking {
		go c.monitor(target)
		return dome.Succeeded
	}
	return c.monitor(target)
}

// monitor waits for the stream to report the target limit. It ends early
// on a heartbeat trip, an explicit stop, a disconnect or the maximum
// runtime, and only reports success if the limit was actually reached.
func (c *Controller) monitor(target dome.ShutterState) dome.CommandResult {
	defer func() {
		c.mu.Lock()
		c.stopRequested = false
		c.mu.Unlock()
		atomic.StoreInt32(&c.busy, 0)
	}()

	deadline := time.Now().Add(c.cfg.MoveTimeout)
	c.mu.Lock()
	for {
		switch {
		case c.state == target:
			c.mu.Unlock()
			return dome.Succeeded
		case c.conn == nil:
			c.mu.Unlock()
			return dome.Failed
		case c.heartbeat.Tripped() && target != dome.ShutterClosed:
			// The firmware has taken over and is closing; an open
			// cannot complete.
			c.mu.Unlock()
			return dome.Failed
		case c.stopRequested:
			c.mu.Unlock()
			return dome.Failed
		case !time.Now().Before(deadline):
			c.mu.Unlock()
			log.Printf("shutter: move timed out, stopping")
			if err := c.write(byteStop); err != nil {
				log.Printf("shutter: %v", err)
			}
			return dome.Failed
		}
		c.cond.Wait()
	}
}

// Stop interrupts any in-progress movement. The cooperative flag is only
// cleared once no movement command is executing.
func (c *Controller) Stop() dome.CommandResult {
	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return dome.NotConnected
	}
	c.stopRequested = true
	c.cond.Broadcast()
	c.mu.Unlock()

	res := dome.Succeeded
	if err := c.write(byteStop); err != nil {
		log.Printf("shutter: %v", err)
		res = dome.Failed
	}

	// No move executing: nothing to interrupt, clear the flag ourselves.
	// Taking the busy slot ensures we cannot race a move about to start.
	if atomic.CompareAndSwapInt32(&c.busy, 0, 1) {
		c.mu.Lock()
		c.stopRequested = false
		c.mu.Unlock()
		atomic.StoreInt32(&c.busy, 0)
	}
	return res
}

// SetHeartbeat arms the firmware watchdog for the given number of seconds.
// Zero disables it and clears a trip; that is always accepted. Arming is
// refused while tripped and outside (0, limit).
func (c *Controller) SetHeartbeat(seconds int) dome.CommandResult {
	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return dome.NotConnected
	}
	if seconds != 0 {
		if seconds < 0 || seconds >= c.cfg.HeartbeatLimit {
			c.mu.Unlock()
			return dome.HeartbeatInvalidTimeout
		}
		if c.heartbeat.Tripped() {
			c.mu.Unlock()
			return dome.HeartbeatTimedOut
		}
	}
	c.mu.Unlock()

	if err := c.write(byte(seconds)); err != nil {
		log.Printf("shutter: %v", err)
		return dome.Failed
	}

	c.mu.Lock()
	if seconds == 0 {
		c.heartbeat = dome.HeartbeatDisabled
		c.remaining = 0
	} else {
		c.heartbeat = dome.HeartbeatActive
		c.remaining = seconds
	}
	c.cond.Broadcast()
	c.mu.Unlock()
	c.notify()
	return dome.Succeeded
}

// write sends one command byte, keeping a single writer on the link.
// A write failure closes the connection so the watch loop reconnects.
func (c *Controller) write(b byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("port not open")
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := conn.Write([]byte{b}); err != nil {
		conn.Close()
		return fmt.Errorf("writing command %#x: %w", b, err)
	}
	return nil
}

func (c *Controller) setDisconnected() {
	c.mu.Lock()
	c.conn = nil
	c.state = dome.ShutterDisconnected
	c.heartbeat = dome.HeartbeatDisabled
	c.remaining = 0
	c.cond.Broadcast()
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) notify() {
	if c.Notify != nil {
		c.Notify()
	}
}

// ShutterStatus returns the shutter state, heartbeat state and remaining
// seconds. It never blocks on I/O.
func (c *Controller) ShutterStatus() (dome.ShutterState, dome.HeartbeatState, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.heartbeat, c.remaining
}

func (c *Controller) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Battery reports nothing on the split link; telemetry lives on the
// combined controller board only.
func (c *Controller) Battery() *dome.Battery { return nil }
