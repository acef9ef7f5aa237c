// Package pulsar drives a Pulsar dome controller board that multiplexes
// azimuth and shutter over a single serial link (combined deployments).
// The board has no watchdog of its own, so the daemon keeps the heartbeat
// countdown itself and forces a close when it expires. Homing is followed
// by an automatic slew to the configured park azimuth.
package pulsar

import (
	"context"
	"fmt"
	"log"
	"math"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
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
	ParkAzimuth float64
	// IdleDelay and MovingDelay select the poll cadence.
	IdleDelay   time.Duration
	MovingDelay time.Duration
	// MoveTimeout bounds a slew or home; ShutterTimeout bounds an open
	// or close.
	MoveTimeout    time.Duration
	ShutterTimeout time.Duration
	// PositionTolerance is the slop angle inside which the drive is
	// considered to have arrived even if it stalls short of the target.
	PositionTolerance float64
	// HeartbeatLimit is the exclusive upper bound for the countdown.
	HeartbeatLimit int
}

type cmdKind int

const (
	cmdSlew cmdKind = iota
	cmdHome
	cmdStop
	cmdOpen
	cmdClose
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

	shutterBusy int32

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

	shutter      dome.ShutterState
	shutterStop  bool
	unknownCodes int

	heartbeat   dome.HeartbeatState
	remaining   float64
	lastTick    time.Time
	battery     *dome.Battery
	connected   bool
	openLogged  bool
	bondLogged  bool
}

func New(cfg Config, link Link) *Controller {
	if cfg.PositionTolerance <= 0 {
		cfg.PositionTolerance = 1
	}
	if cfg.HeartbeatLimit <= 0 {
		cfg.HeartbeatLimit = 120
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
				log.Printf("dome: %v", err)
				c.openLogged = true
			}
			c.waitRetry(ctx)
			continue
		}
		c.openLogged = false
		log.Printf("dome: connected")
		c.setConnected()

		err := c.serve(ctx)
		c.link.Close()
		c.setDisconnected()
		if err != nil {
			log.Printf("dome: %v", err)
			c.waitRetry(ctx)
		}
	}
}

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
		if c.pending || c.shutter == dome.ShutterOpening || c.shutter == dome.ShutterClosing ||
			c.heartbeat == dome.HeartbeatTrippedClosing {
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

// pollOnce refreshes every piece of board state, then runs the heartbeat
// countdown and any autonomous sequencing. It executes on the serve
// goroutine only.
func (c *Controller) pollOnce() error {
	angle, err := c.queryFloat("ANGLE")
	if err != nil {
		return err
	}
	mstate, err := c.queryInt("MSTATE")
	if err != nil {
		return err
	}
	shutterCode, err := c.queryInt("SHUTTER")
	if err != nil {
		return err
	}
	battery, err := c.queryBattery()
	if err != nil {
		return err
	}
	bonded, err := c.queryInt("BBOND")
	if err != nil {
		return err
	}
	if bonded == 0 {
		if !c.bondLogged {
			log.Printf("dome: shutter link lost bond, requesting re-bond")
			c.bondLogged = true
		}
		if _, err := c.link.Transact("BBOND 1", true); err != nil {
			return err
		}
	} else {
		c.bondLogged = false
	}

	// Motion codes 0 and 3 both mean stationary.
	moving := mstate != 0 && mstate != 3

	var closeShutter bool
	var parkTo float64 = -1
	var sendStop bool

	c.mu.Lock()
	c.azimuth = dome.NormalizeAzimuth(angle)
	c.battery = battery

	switch shutterCode {
	case 0:
		c.shutter = dome.ShutterPartOpen
	case 1:
		c.shutter = dome.ShutterOpen
	case 2:
		c.shutter = dome.ShutterClosed
	case 3:
		c.shutter = dome.ShutterOpening
	case 4:
		c.shutter = dome.ShutterClosing
	default:
		// Unknown code: never guess a limit state, keep the previous one.
		c.unknownCodes++
	}

	if c.pending {
		if !moving && !c.homing &&
			math.Abs(angleDelta(c.azimuth, c.target)) > c.cfg.PositionTolerance {
			moving = true
		}
		if !moving {
			finishedHoming := c.homing
			if c.homing {
				c.homed = true
			}
			c.pending = false
			c.state = dome.AzimuthIdle
			if finishedHoming {
				// Homing leaves the dome at the reference position;
				// park it without waiting to be asked.
				parkTo = c.cfg.ParkAzimuth
			}
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

	// Daemon-side heartbeat countdown.
	now := time.Now()
	if c.heartbeat == dome.HeartbeatActive {
		c.remaining -= now.Sub(c.lastTick).Seconds()
		if c.remaining <= 0 {
			c.remaining = 0
			c.heartbeat = dome.HeartbeatTrippedClosing
			closeShutter = c.shutter != dome.ShutterClosed
			if !closeShutter {
				c.heartbeat = dome.HeartbeatTrippedIdle
			}
		}
	} else if c.heartbeat == dome.HeartbeatTrippedClosing && c.shutter == dome.ShutterClosed {
		c.heartbeat = dome.HeartbeatTrippedIdle
	}
	c.lastTick = now

	c.cond.Broadcast()
	c.mu.Unlock()
	c.notify()

	if sendStop {
		log.Printf("dome: move timed out, stopping")
		if _, err := c.link.Transact("STOP", false); err != nil {
			return err
		}
	}
	if closeShutter {
		log.Printf("dome: heartbeat timed out, closing the shutter")
		if _, err := c.link.Transact("CLOSE", false); err != nil {
			return err
		}
		c.mu.Lock()
		c.shutter = dome.ShutterClosing
		c.mu.Unlock()
		c.notify()
	}
	if parkTo >= 0 {
		log.Printf("dome: homed, parking at %.1f", parkTo)
		if _, err := c.link.Transact(fmt.Sprintf("GO %05.1f", parkTo), false); err != nil {
			return err
		}
		c.mu.Lock()
		c.pending, c.homing = true, false
		c.started = time.Now()
		c.target = dome.NormalizeAzimuth(parkTo)
		c.state = dome.AzimuthMoving
		c.mu.Unlock()
		c.notify()
	}
	return nil
}

func (c *Controller) queryFloat(cmd string) (float64, error) {
	resp, err := c.link.Transact(cmd, true)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(resp), 64)
	if err != nil {
		return 0, fmt.Errorf("%s response %q: %w", cmd, resp, err)
	}
	return v, nil
}

func (c *Controller) queryInt(cmd string) (int, error) {
	resp, err := c.link.Transact(cmd, true)
	if err != nil {
		return 0, err
	}
	v, err := strconv.Atoi(strings.TrimSpace(resp))
	if err != nil {
		return 0, fmt.Errorf("%s response %q: %w", cmd, resp, err)
	}
	return v, nil
}

// queryBattery parses the BAT response: four space-separated integers in
// milli-units (charge fraction, voltage, temperature, current).
func (c *Controller) queryBattery() (*dome.Battery, error) {
	resp, err := c.link.Transact("BAT", true)
	if err != nil {
		return nil, err
	}
	fields := strings.Fields(strings.TrimSpace(resp))
	if len(fields) != 4 {
		return nil, fmt.Errorf("BAT response %q has %d fields", resp, len(fields))
	}
	vals := make([]float64, 4)
	for i, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("BAT response %q: %w", resp, err)
		}
		vals[i] = float64(n) / 1000
	}
	return &dome.Battery{
		Fraction:    vals[0],
		Voltage:     vals[1],
		Temperature: vals[2],
		Current:     vals[3],
	}, nil
}

func (c *Controller) execute(req request) (dome.CommandResult, error) {
	c.mu.Lock()
	switch req.kind {
	case cmdStop:
	case cmdSlew, cmdHome:
		if c.pending {
			c.mu.Unlock()
			return dome.Blocked, nil
		}
		if req.kind == cmdSlew && !c.homed {
			c.mu.Unlock()
			return dome.NotHomed, nil
		}
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
	case cmdOpen:
		cmd = "OPEN"
	case cmdClose:
		cmd = "CLOSE"
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
		c.shutterStop = true
	case cmdHome:
		c.homed = false
		c.pending, c.homing = true, true
		c.started = time.Now()
		c.state = dome.AzimuthHoming
	case cmdSlew:
		c.pending, c.homing = true, false
		c.started = time.Now()
		c.target = dome.NormalizeAzimuth(req.angle)
		c.state = dome.AzimuthMoving
	case cmdOpen:
		c.shutter = dome.ShutterOpening
	case cmdClose:
		c.shutter = dome.ShutterClosing
	}
	c.cond.Broadcast()
	c.mu.Unlock()
	c.notify()
	return dome.Succeeded, nil
}

// Slew rotates the dome to an absolute azimuth.
func (c *Controller) Slew(deg float64, blocking bool) dome.CommandResult {
	res := c.submit(request{kind: cmdSlew, angle: deg})
	if res != dome.Succeeded || !blocking {
		return res
	}
	return c.waitAzimuth(time.Now().Add(c.cfg.MoveTimeout), false)
}

// Home re-establishes the absolute azimuth, then parks.
func (c *Controller) Home(blocking bool) dome.CommandResult {
	res := c.submit(request{kind: cmdHome})
	if res != dome.Succeeded || !blocking {
		return res
	}
	return c.waitAzimuth(time.Now().Add(c.cfg.MoveTimeout), true)
}

// Stop halts rotation and cancels any in-progress shutter wait. The board
// runs the shutter motors to their limit on its own; the daemon just stops
// reporting the move as ours.
func (c *Controller) Stop() dome.CommandResult {
	res := c.submit(request{kind: cmdStop})
	// Nothing to interrupt: clear the cancellation flag ourselves.
	// Taking the busy slot ensures we cannot race a move about to start.
	if atomic.CompareAndSwapInt32(&c.shutterBusy, 0, 1) {
		c.mu.Lock()
		c.shutterStop = false
		c.mu.Unlock()
		atomic.StoreInt32(&c.shutterBusy, 0)
	}
	return res
}

// Open runs the shutter to the open limit.
func (c *Controller) Open(blocking bool) dome.CommandResult {
	return c.moveShutter(cmdOpen, dome.ShutterOpen, blocking)
}

// Close runs the shutter to the closed limit.
func (c *Controller) Close(blocking bool) dome.CommandResult {
	return c.moveShutter(cmdClose, dome.ShutterClosed, blocking)
}

func (c *Controller) moveShutter(kind cmdKind, target dome.ShutterState, blocking bool) dome.CommandResult {
	c.mu.Lock()
	switch {
	case !c.connected:
		c.mu.Unlock()
		return dome.NotConnected
	case c.heartbeat == dome.HeartbeatTrippedClosing:
		// The trip is already driving a close; never re-issue it, and
		// opening is out of the question.
		c.mu.Unlock()
		return dome.HeartbeatCloseInProgress
	case c.heartbeat.Tripped() && kind == cmdOpen:
		// Opening is never allowed once tripped.
		c.mu.Unlock()
		return dome.HeartbeatTimedOut
	case c.shutter == target:
		// Already at the requested limit; nothing to send.
		c.mu.Unlock()
		return dome.Succeeded
	}
	c.mu.Unlock()

	if !atomic.CompareAndSwapInt32(&c.shutterBusy, 0, 1) {
		return dome.Blocked
	}

	if res := c.submit(request{kind: kind}); res != dome.Succeeded {
		atomic.StoreInt32(&c.shutterBusy, 0)
		return res
	}
	if !blocking {
		go c.monitorShutter(target)
		return dome.Succeeded
	}
	return c.monitorShutter(target)
}

func (c *Controller) monitorShutter(target dome.ShutterState) dome.CommandResult {
	defer func() {
		c.mu.Lock()
		c.shutterStop = false
		c.mu.Unlock()
		atomic.StoreInt32(&c.shutterBusy, 0)
	}()

	deadline := time.Now().Add(c.cfg.ShutterTimeout)
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		switch {
		case c.shutter == target:
			return dome.Succeeded
		case !c.connected:
			return dome.Failed
		case c.heartbeat.Tripped() && target != dome.ShutterClosed:
			return dome.Failed
		case c.shutterStop:
			return dome.Failed
		case !time.Now().Before(deadline):
			return dome.Failed
		}
		c.cond.Wait()
	}
}

func (c *Controller) waitAzimuth(deadline time.Time, home bool) dome.CommandResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.pending && c.connected && time.Now().Before(deadline) {
		c.cond.Wait()
	}
	if !c.connected {
		return dome.Failed
	}
	if home {
		// The auto-park slew may already be underway; homing itself
		// succeeded once the calibration took.
		if c.homed {
			return dome.Succeeded
		}
		return dome.Failed
	}
	if c.state != dome.AzimuthIdle {
		return dome.Failed
	}
	if math.Abs(angleDelta(c.azimuth, c.target)) <= c.cfg.PositionTolerance {
		return dome.Succeeded
	}
	return dome.Failed
}

// SetHeartbeat arms the daemon-side watchdog countdown. Zero disables it
// and clears a trip; that is always accepted. Arming is refused while
// tripped and outside (0, limit).
func (c *Controller) SetHeartbeat(seconds int) dome.CommandResult {
	c.mu.Lock()
	defer func() {
		c.cond.Broadcast()
		c.mu.Unlock()
		c.notify()
	}()
	if !c.connected {
		return dome.NotConnected
	}
	if seconds == 0 {
		c.heartbeat = dome.HeartbeatDisabled
		c.remaining = 0
		return dome.Succeeded
	}
	if seconds < 0 || seconds >= c.cfg.HeartbeatLimit {
		return dome.HeartbeatInvalidTimeout
	}
	switch c.heartbeat {
	case dome.HeartbeatTrippedClosing:
		return dome.HeartbeatCloseInProgress
	case dome.HeartbeatTrippedIdle:
		return dome.HeartbeatTimedOut
	}
	c.heartbeat = dome.HeartbeatActive
	c.remaining = float64(seconds)
	c.lastTick = time.Now()
	return dome.Succeeded
}

func (c *Controller) submit(req request) dome.CommandResult {
	c.mu.Lock()
	if !c.connected {
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
	select {
	case res := <-req.result:
		return res
	case <-closed:
		return dome.NotConnected
	}
}

func (c *Controller) setConnected() {
	c.mu.Lock()
	c.connected = true
	c.state = dome.AzimuthNotHomed
	c.homed = false
	c.pending = false
	c.heartbeat = dome.HeartbeatDisabled
	c.remaining = 0
	c.lastTick = time.Now()
	c.cond.Broadcast()
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) setDisconnected() {
	c.mu.Lock()
	c.connected = false
	c.state = dome.AzimuthDisconnected
	c.shutter = dome.ShutterDisconnected
	c.heartbeat = dome.HeartbeatDisabled
	c.remaining = 0
	c.battery = nil
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

// AzimuthStatus returns the rotation state and azimuth without blocking
// on I/O.
func (c *Controller) AzimuthStatus() (dome.AzimuthState, float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.azimuth
}

// ShutterStatus returns the shutter state, heartbeat state and remaining
// whole seconds without blocking on I/O.
func (c *Controller) ShutterStatus() (dome.ShutterState, dome.HeartbeatState, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shutter, c.heartbeat, int(math.Ceil(c.remaining))
}

// Battery returns the last reported battery telemetry, nil if unknown.
func (c *Controller) Battery() *dome.Battery {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.battery
}

func (c *Controller) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func angleDelta(a, b float64) float64 {
	d := math.Mod(a-b, 360)
	if d > 180 {
		d -= 360
	} else if d < -180 {
		d += 360
	}
	return d
}
