package dome

import (
	"math"
	"time"
)

// AzimuthState describes the dome rotation drive.
type AzimuthState int

const (
	AzimuthDisconnected AzimuthState = iota
	AzimuthNotHomed
	AzimuthIdle
	AzimuthMoving
	AzimuthHoming
)

func (s AzimuthState) Label() string {
	switch s {
	case AzimuthDisconnected:
		return "DISCONNECTED"
	case AzimuthNotHomed:
		return "NOT HOMED"
	case AzimuthIdle:
		return "IDLE"
	case AzimuthMoving:
		return "MOVING"
	case AzimuthHoming:
		return "HOMING"
	}
	return "UNKNOWN"
}

// ShutterState describes the dome shutter.
type ShutterState int

const (
	ShutterDisconnected ShutterState = iota
	ShutterPartOpen
	ShutterOpen
	ShutterClosed
	ShutterOpening
	ShutterClosing
)

func (s ShutterState) Label() string {
	switch s {
	case ShutterDisconnected:
		return "DISCONNECTED"
	case ShutterPartOpen:
		return "PART OPEN"
	case ShutterOpen:
		return "OPEN"
	case ShutterClosed:
		return "CLOSED"
	case ShutterOpening:
		return "OPENING"
	case ShutterClosing:
		return "CLOSING"
	}
	return "UNKNOWN"
}

// HeartbeatState describes the shutter watchdog. The combined-link
// controller distinguishes the two tripped phases because its daemon-side
// countdown drives the close itself; the split-link firmware reports a
// single timed-out sentinel.
type HeartbeatState int

const (
	HeartbeatDisabled HeartbeatState = iota
	HeartbeatActive
	HeartbeatTrippedClosing
	HeartbeatTrippedIdle
	HeartbeatTimedOutState
)

func (s HeartbeatState) Label() string {
	switch s {
	case HeartbeatDisabled:
		return "DISABLED"
	case HeartbeatActive:
		return "ACTIVE"
	case HeartbeatTrippedClosing:
		return "CLOSING DOME"
	case HeartbeatTrippedIdle:
		return "TRIPPED"
	case HeartbeatTimedOutState:
		return "TIMED OUT"
	}
	return "UNKNOWN"
}

// Tripped reports whether the watchdog has fired and not yet been cleared.
func (s HeartbeatState) Tripped() bool {
	return s == HeartbeatTrippedClosing || s == HeartbeatTrippedIdle || s == HeartbeatTimedOutState
}

// CommandResult is returned from every mutating operation. The numeric
// values are stable and shared with remote clients.
type CommandResult int

const (
	Succeeded     CommandResult = 0
	Failed        CommandResult = 1
	Blocked       CommandResult = 2
	InvalidCaller CommandResult = 3

	NotConnected    CommandResult = 7
	NotDisconnected CommandResult = 8
	NotHomed        CommandResult = 9

	HeartbeatTimedOut                        CommandResult = 13
	HeartbeatCloseInProgress                 CommandResult = 14
	HeartbeatInvalidTimeout                  CommandResult = 16
	EngineeringModeRequiresHeartbeatDisabled CommandResult = 17
	EngineeringModeActive                    CommandResult = 18
)

func (r CommandResult) Message() string {
	switch r {
	case Succeeded:
		return "command succeeded"
	case Failed:
		return "error: command failed"
	case Blocked:
		return "error: another command is already running"
	case InvalidCaller:
		return "error: command not accepted from this client"
	case NotConnected:
		return "error: dome is not connected"
	case NotDisconnected:
		return "error: dome is already connected"
	case NotHomed:
		return "error: dome has not been homed"
	case HeartbeatTimedOut:
		return "error: heartbeat has tripped"
	case HeartbeatCloseInProgress:
		return "error: heartbeat is closing the dome"
	case HeartbeatInvalidTimeout:
		return "error: heartbeat timeout is out of range"
	case EngineeringModeRequiresHeartbeatDisabled:
		return "error: heartbeat must be disabled before enabling engineering mode"
	case EngineeringModeActive:
		return "error: dome is in engineering mode"
	}
	return "error: unknown result"
}

// Battery holds telemetry reported by the combined controller board.
// Values are converted from the milli-unit integers on the wire.
type Battery struct {
	Fraction    float64 `json:"fraction"`
	Voltage     float64 `json:"voltage"`
	Temperature float64 `json:"temperature"`
	Current     float64 `json:"current"`
}

// Status is a point-in-time snapshot of the whole dome.
type Status struct {
	Timestamp          time.Time      `json:"date"`
	Azimuth            float64        `json:"azimuth"`
	AzimuthState       AzimuthState   `json:"azimuth_status"`
	AzimuthLabel       string         `json:"azimuth_status_label"`
	ShutterState       ShutterState   `json:"shutter"`
	ShutterLabel       string         `json:"shutter_label"`
	Closed             bool           `json:"closed"`
	EngineeringMode    bool           `json:"engineering_mode"`
	Heartbeat          HeartbeatState `json:"heartbeat_status"`
	HeartbeatLabel     string         `json:"heartbeat_status_label"`
	HeartbeatRemaining int            `json:"heartbeat_remaining"`
	Battery            *Battery       `json:"battery,omitempty"`
}

// NormalizeAzimuth wraps an angle into [0, 360).
func NormalizeAzimuth(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	return deg
}
