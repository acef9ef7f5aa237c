// Package azimuth drives the dome rotation motor over its own serial link
// (split-link deployments). One goroutine owns the link: it reconnects with
// a fixed backoff, interleaves status polls with queued commands, and is the
// only writer. Callers hand commands over a single-slot channel and receive
// a CommandResult; blocking callers additionally wait for the move to
// complete.
package azimuth

import (
	"context"
	"fmt"
	"log"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ashdome/domed/internal/comms"
	"github.com/ashdome/domed/internal/dome"
)

// Link is the transaction surface of the serial transport.
type Link interface {
	Open() error
	Close() error
	Transact(cmd string, expectResponse bool) (string, error)
}

type Config struct {
	// HomeAzimuth calibrates the drive's reference position on connect.
	HomeAzimuth float64
	// IdleDelay and MovingDelay select the poll cadence.
	IdleDelay   time.Duration
	MovingDelay time.Duration
	// MoveTimeout bounds any single slew or home.
	MoveTimeout time.Duration
	// PositionTolerance is the slop angle inside which the drive is
	// considered to have arrived even if it stalls short of the target.
	PositionTolerance float64
}

type cmdKind int

const (
	cmdSlew cmdKind = iota
	cmdHome
	cmdStop
)

type request struct {
	kind   cmdKind
	angle  float64
	result chan dome.CommandResult
}

type Controller struct {
	cfg  Config
	link Link
	req  chan request

	// Notify is called (without locks held) after every published state
	// change.
	Notify func()

	// closed is closed when the current Run exits so submit never blocks
	// against a stopped controller. Recreated on every Run: the dome can be
	// shut down and initialized again within one process.
	closed chan struct{}

	mu      sync.Mutex
	cond    *sync.Cond
	state   dome.AzimuthState
	azimuth float64
	target  float64
	homed   bool
	pending bool
	homing  bool
	started time.Time

	openLogged bool
}

func New(cfg Config, link Link) *Controller {
	if cfg.PositionTolerance <= 0 {
		cfg.PositionTolerance = 1
	}
	c := &Controller{
		cfg:    cfg,
		link:   link,
		req:    make(chan request, 1),
		closed: make(chan struct{}),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Run owns the serial link until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) {
	c.mu.Lock()
	closed := make(chan struct{})
	c.closed = closed
	c.mu.Unlock()
	defer close(closed)
	for ctx.Err() == nil {
		if err := c.link.Open(); err != nil {
			if !c.openLogged {
				log.Printf("azimuth: %v", err)
				c.openLogged = true
			}
			c.waitRetry(ctx)
			continue
		}
		c.openLogged = false

		// The drive forgets its reference position on power loss;
		// re-calibrate before accepting commands.
		if _, err := c.link.Transact(fmt.Sprintf("HOME %05.1f", c.cfg.HomeAzimuth), false); err != nil {
			log.Printf("azimuth: %v", err)
			c.link.Close()
			c.waitRetry(ctx)
			continue
		}
		log.Printf("azimuth: connected")
		c.setConnected()

		err := c.serve(ctx)
		c.link.Close()
		c.setDisconnected()
		if err != nil {
			log.Printf("azimuth: %v", err)
			c.waitRetry(ctx)
		}
	}
}

// waitRetry sleeps out the reconnect backoff while still answering queued
// commands, so callers never block against a dead link.
func (c *Controller) waitRetry(ctx context.Context) {
	t := time.NewTimer(comms.ReconnectDelay)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-c.req:
			req.result <- dome.NotConnected
		case <-t.C:
			return
		}
	}
}

func (c *Controller) serve(ctx context.Context) error {
	for {
		c.mu.Lock()
		delay := c.cfg.IdleDelay
		if c.pending {
			delay = c.cfg.MovingDelay
		}
		c.mu.Unlock()

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case req := <-c.req:
			timer.Stop()
			res, err := c.execute(req)
			req.result <- res
			if err != nil {
				return err
			}
		case <-timer.C:
			if err := c.pollOnce(); err != nil {
				return err
			}
		}
	}
}

// vFieldCount is the number of tab-delimited fields in a V status record.
// The drive may pause mid-response, so the transport assembles the full
// record before it reaches us; a record with the wrong shape means the link
// has desynchronized and cannot be trusted.
const vFieldCount = 6

func parseStatus(record string) (angle float64, moving bool, target float64, err error) {
	fields := strings.Split(strings.TrimSpace(record), "\t")
	if len(fields) != vFieldCount {
		return 0, false, 0, fmt.Errorf("status record has %d fields", len(fields))
	}
	if angle, err = strconv.ParseFloat(fields[0], 64); err != nil {
		return 0, false, 0, fmt.Errorf("status angle: %w", err)
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, false, 0, fmt.Errorf("status motion code: %w", err)
	}
	if target, err = strconv.ParseFloat(fields[vFieldCount-1], 64); err != nil {
		return 0, false, 0, fmt.Errorf("status target: %w", err)
	}
	return angle, code != 0, target, nil
}

func (c *Controller) pollOnce() error {
	record, err := c.link.Transact("V", true)
	if err != nil {
		return err
	}
	angle, moving, _, err := parseStatus(record)
	if err != nil {
		return err
	}

	var sendStop bool
	c.mu.Lock()
	c.azimuth = dome.NormalizeAzimuth(angle)
	if c.pending {
		if !moving && !c.homing &&
			math.Abs(angleDelta(c.azimuth, c.target)) > c.cfg.PositionTolerance {
			// Stalled short of the target; treat as still moving and
			// let the timeout decide.
			moving = true
		}
		if !moving {
			if c.homing {
				c.homed = true
			}
			c.pending = false
			c.state = dome.AzimuthIdle
		} else if time.Since(c.started) > c.cfg.MoveTimeout {
			c.pending = false
			if c.homed {
				c.state = dome.AzimuthIdle
			} else {
				c.state = dome.AzimuthNotHomed
			}
			sendStop = true
		}
	}
	c.cond.Broadcast()
	c.mu.Unlock()
	c.notify()

	if sendStop {
		log.Printf("azimuth: move timed out, stopping")
		if _, err := c.link.Transact("STOP", false); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) execute(req request) (dome.CommandResult, error) {
	c.mu.Lock()
	switch {
	case req.kind == cmdStop:
	case c.pending:
		c.mu.Unlock()
		return dome.Blocked, nil
	case req.kind == cmdSlew && !c.homed:
		c.mu.Unlock()
		return dome.NotHomed, nil
	}
	c.mu.Unlock()

	var cmd string
	switch req.kind {
	case cmdStop:
		cmd = "STOP"
	case cmdHome:
		cmd = "GO H"
	case cmdSlew:
		cmd = fmt.Sprintf("GO %05.1f", dome.NormalizeAzimuth(req.angle))
	}
	if _, err := c.link.Transact(cmd, false); err != nil {
		return dome.Failed, err
	}

	c.mu.Lock()
	switch req.kind {
	case cmdStop:
		if c.pending {
			c.pending = false
			if c.homed {
				c.state = dome.AzimuthIdle
			} else {
				c.state = dome.AzimuthNotHomed
			}
		}
	case cmdHome:
		// Homing invalidates the calibration until it completes.
		c.homed = false
		c.pending, c.homing = true, true
		c.started = time.Now()
		c.state = dome.AzimuthHoming
	case cmdSlew:
		c.pending, c.homing = true, false
		c.started = time.Now()
		c.target = dome.NormalizeAzimuth(req.angle)
		c.state = dome.AzimuthMoving
	}
	c.cond.Broadcast()
	c.mu.Unlock()
	c.notify()
	return dome.Succeeded, nil
}

// Slew rotates the dome to an absolute azimuth.
func (c *Controller) Slew(deg float64, blocking bool) dome.CommandResult {
	return c.submit(request{kind: cmdSlew, angle: deg}, blocking)
}

// Home re-establishes the drive's absolute azimuth.
func (c *Controller) Home(blocking bool) dome.CommandResult {
	return c.submit(request{kind: cmdHome}, blocking)
}

// Stop halts rotation. It is unconditional: a queued or in-flight move is
// abandoned and the state settles on the next poll.
func (c *Controller) Stop() dome.CommandResult {
	return c.submit(request{kind: cmdStop}, false)
}

func (c *Controller) submit(req request, blocking bool) dome.CommandResult {
	c.mu.Lock()
	if c.state == dome.AzimuthDisconnected {
		c.mu.Unlock()
		return dome.NotConnected
	}
	closed := c.closed
	c.mu.Unlock()

	req.result = make(chan dome.CommandResult, 1)
	select {
	case c.req <- req:
	case <-closed:
		return dome.NotConnected
	}
	var res dome.CommandResult
	select {
	case res = <-req.result:
	case <-closed:
		return dome.NotConnected
	}
	if res != dome.Succeeded || !blocking || req.kind == cmdStop {
		return res
	}
	return c.waitComplete(time.Now().Add(c.cfg.MoveTimeout), req.kind == cmdHome)
}

// waitComplete blocks until the in-flight move finishes, the deadline
// passes or the link drops. The poll loop broadcasts every cycle, so wakes
// arrive at the moving cadence.
func (c *Controller) waitComplete(deadline time.Time, home bool) dome.CommandResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.pending && c.state != dome.AzimuthDisconnected && time.Now().Before(deadline) {
		c.cond.Wait()
	}
	if c.state != dome.AzimuthIdle {
		return dome.Failed
	}
	if home {
		if c.homed {
			return dome.Succeeded
		}
		return dome.Failed
	}
	if math.Abs(angleDelta(c.azimuth, c.target)) <= c.cfg.PositionTolerance {
		return dome.Succeeded
	}
	return dome.Failed
}

func (c *Controller) setConnected() {
	c.mu.Lock()
	c.state = dome.AzimuthNotHomed
	c.homed = false
	c.pending = false
	c.cond.Broadcast()
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) setDisconnected() {
	c.mu.Lock()
	c.state = dome.AzimuthDisconnected
	c.homed = false
	c.pending = false
	c.cond.Broadcast()
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) notify() {
	if c.Notify != nil {
		c.Notify()
	}
}

// AzimuthStatus returns the current state and azimuth. It never blocks
// on I/O.
func (c *Controller) AzimuthStatus() (dome.AzimuthState, float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.azimuth
}

func (c *Controller) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state != dome.AzimuthDisconnected
}

// angleDelta returns the shortest signed angular difference a-b.
func angleDelta(a, b float64) float64 {
	d := math.Mod(a-b, 360)
	if d > 180 {
		d -= 360
	} else if d < -180 {
		d += 360
	}
	return d
}
