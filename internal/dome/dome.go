package dome

import (
	"context"
	"log"
	"sync"
	"time"
)

// AzimuthDrive is the rotation actuator as seen by the controller.
type AzimuthDrive interface {
	Home(blocking bool) CommandResult
	Slew(deg float64, blocking bool) CommandResult
	Stop() CommandResult
	Connected() bool
	AzimuthStatus() (AzimuthState, float64)
}

// ShutterDrive is the shutter actuator, including its heartbeat watchdog.
type ShutterDrive interface {
	Open(blocking bool) CommandResult
	Close(blocking bool) CommandResult
	Stop() CommandResult
	SetHeartbeat(seconds int) CommandResult
	Connected() bool
	ShutterStatus() (ShutterState, HeartbeatState, int)
	Battery() *Battery
}

// Runner is a background task owning one serial link. Combined deployments
// pass a single runner that backs both drives.
type Runner interface {
	Run(ctx context.Context)
}

// Config for the top-level controller.
type Config struct {
	ParkAzimuth float64
	// Authorize decides whether a caller may issue mutating commands.
	// Supplied by the RPC boundary; nil allows everyone.
	Authorize func(caller string) bool
}

// Dome composes the actuator drives and applies the interlock rules that
// gate every command. Guard order is a contract: connectivity, caller
// authorization, engineering mode, heartbeat trip, then actuator-specific
// state.
type Dome struct {
	cfg     Config
	azimuth AzimuthDrive
	shutter ShutterDrive
	runners []Runner

	// Notify receives a status snapshot after every state change.
	Notify func(Status)

	mu          sync.Mutex
	engineering bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

func New(cfg Config, az AzimuthDrive, sh ShutterDrive, runners ...Runner) *Dome {
	return &Dome{cfg: cfg, azimuth: az, shutter: sh, runners: runners}
}

// OnChange is handed to the drives as their notify hook.
func (d *Dome) OnChange() {
	if d.Notify != nil {
		d.Notify(d.CurrentStatus())
	}
}

// Initialize connects the dome: it starts the background tasks that own
// the serial links. The dome stays disconnected after a daemon restart
// until this is called.
func (d *Dome) Initialize(caller string) CommandResult {
	if !d.authorized(caller) {
		return InvalidCaller
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return NotDisconnected
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	for _, r := range d.runners {
		r := r
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			r.Run(ctx)
		}()
	}
	log.Printf("dome: initialized")
	return Succeeded
}

// Shutdown disconnects the dome and stops the background tasks.
func (d *Dome) Shutdown(caller string) CommandResult {
	if !d.authorized(caller) {
		return InvalidCaller
	}
	d.mu.Lock()
	if d.cancel == nil {
		d.mu.Unlock()
		return NotConnected
	}
	d.cancel()
	d.cancel = nil
	d.mu.Unlock()
	d.wg.Wait()
	log.Printf("dome: shut down")
	return Succeeded
}

// OpenShutter opens the shutter. The override flag never bypasses a
// heartbeat trip for opening.
func (d *Dome) OpenShutter(caller string, blocking, override bool) CommandResult {
	if res, ok := d.shutterGuards(caller); !ok {
		return res
	}
	_, hb, _ := d.shutter.ShutterStatus()
	if hb == HeartbeatTrippedClosing {
		return HeartbeatCloseInProgress
	}
	if hb.Tripped() {
		return HeartbeatTimedOut
	}
	return d.shutter.Open(blocking)
}

// CloseShutter closes the shutter. With override, a close is still
// accepted after a trip provided the trip-driven close is not already
// underway.
func (d *Dome) CloseShutter(caller string, blocking, override bool) CommandResult {
	if res, ok := d.shutterGuards(caller); !ok {
		return res
	}
	st, hb, _ := d.shutter.ShutterStatus()
	if hb == HeartbeatTrippedClosing || hb.Tripped() && st == ShutterClosing {
		return HeartbeatCloseInProgress
	}
	if hb.Tripped() && !override {
		return HeartbeatTimedOut
	}
	return d.shutter.Close(blocking)
}

// Stop halts all movement. It acquires both actuators' in-flight
// exclusion via their Stop paths so it cannot race a command that is
// about to start. Authorization is the only guard: stop must work in any
// state.
func (d *Dome) Stop(caller string) CommandResult {
	if !d.authorized(caller) {
		return InvalidCaller
	}
	shRes := d.shutter.Stop()
	azRes := d.azimuth.Stop()
	// A disconnected actuator cannot be moving, so it does not fail the
	// stop; with both links down there was nothing to stop at all.
	if azRes != Succeeded && azRes != NotConnected {
		return azRes
	}
	if shRes != Succeeded && shRes != NotConnected {
		return shRes
	}
	if azRes == NotConnected && shRes == NotConnected {
		return NotConnected
	}
	return Succeeded
}

// HomeAzimuth re-establishes the absolute azimuth reference.
func (d *Dome) HomeAzimuth(caller string, blocking bool) CommandResult {
	if res, ok := d.azimuthGuards(caller); !ok {
		return res
	}
	return d.azimuth.Home(blocking)
}

// SlewAzimuth rotates the dome to an absolute azimuth.
func (d *Dome) SlewAzimuth(caller string, deg float64, blocking bool) CommandResult {
	if res, ok := d.azimuthGuards(caller); !ok {
		return res
	}
	return d.azimuth.Slew(deg, blocking)
}

// Park slews to the configured park azimuth.
func (d *Dome) Park(caller string, blocking bool) CommandResult {
	if res, ok := d.azimuthGuards(caller); !ok {
		return res
	}
	return d.azimuth.Slew(d.cfg.ParkAzimuth, blocking)
}

// SetEngineeringMode toggles the maintenance state that disables all
// movement commands. It can only be entered while the heartbeat is
// disabled, so safety and manual control cannot be lost together.
func (d *Dome) SetEngineeringMode(caller string, enabled bool) CommandResult {
	if !d.authorized(caller) {
		return InvalidCaller
	}
	if enabled {
		_, hb, _ := d.shutter.ShutterStatus()
		if hb != HeartbeatDisabled {
			return EngineeringModeRequiresHeartbeatDisabled
		}
	}
	d.mu.Lock()
	d.engineering = enabled
	d.mu.Unlock()
	log.Printf("dome: engineering mode %v", enabled)
	d.OnChange()
	return Succeeded
}

// SetHeartbeatTimer arms the shutter watchdog for the given number of
// seconds; zero disables it and clears a trip.
func (d *Dome) SetHeartbeatTimer(caller string, seconds int) CommandResult {
	if !d.shutter.Connected() {
		return NotConnected
	}
	if !d.authorized(caller) {
		return InvalidCaller
	}
	// Arming the watchdog while movement is disabled would strand the
	// dome; disabling is always allowed.
	if seconds != 0 && d.engineeringMode() {
		return EngineeringModeActive
	}
	return d.shutter.SetHeartbeat(seconds)
}

// Ping reports daemon liveness.
func (d *Dome) Ping() CommandResult {
	return Succeeded
}

// CurrentStatus assembles a snapshot. Reads take brief lock scopes inside
// the drives and never touch the serial links.
func (d *Dome) CurrentStatus() Status {
	azState, az := d.azimuth.AzimuthStatus()
	shState, hbState, remaining := d.shutter.ShutterStatus()
	return Status{
		Timestamp:          time.Now().UTC(),
		Azimuth:            NormalizeAzimuth(az),
		AzimuthState:       azState,
		AzimuthLabel:       azState.Label(),
		ShutterState:       shState,
		ShutterLabel:       shState.Label(),
		Closed:             shState == ShutterClosed,
		EngineeringMode:    d.engineeringMode(),
		Heartbeat:          hbState,
		HeartbeatLabel:     hbState.Label(),
		HeartbeatRemaining: remaining,
		Battery:            d.shutter.Battery(),
	}
}

func (d *Dome) azimuthGuards(caller string) (CommandResult, bool) {
	if !d.azimuth.Connected() {
		return NotConnected, false
	}
	if !d.authorized(caller) {
		return InvalidCaller, false
	}
	if d.engineeringMode() {
		return EngineeringModeActive, false
	}
	// A tripped heartbeat locks out all movement until cleared.
	_, hb, _ := d.shutter.ShutterStatus()
	switch hb {
	case HeartbeatTrippedClosing:
		return HeartbeatCloseInProgress, false
	case HeartbeatTrippedIdle, HeartbeatTimedOutState:
		return HeartbeatTimedOut, false
	}
	return Succeeded, true
}

func (d *Dome) shutterGuards(caller string) (CommandResult, bool) {
	if !d.shutter.Connected() {
		return NotConnected, false
	}
	if !d.authorized(caller) {
		return InvalidCaller, false
	}
	if d.engineeringMode() {
		return EngineeringModeActive, false
	}
	return Succeeded, true
}

func (d *Dome) engineeringMode() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.engineering
}

func (d *Dome) authorized(caller string) bool {
	if d.cfg.Authorize == nil {
		return true
	}
	return d.cfg.Authorize(caller)
}
