// Package zones implements the zone manager: the zone table, foreground
// tracking, and the brokered operations exposed over IPC to zone agents and
// control clients.
package zones

import (
	"fmt"

	"zoned/wire"
)

// Method IDs. Agent-facing methods live in 0x01-0x0f, control-facing methods
// in 0x10-0x1f, host-to-agent calls in 0x30-0x3f, signals in 0x40-0x4f.
const (
	MethodRegisterZone     wire.MethodID = 0x01
	MethodNotifyActiveZone wire.MethodID = 0x02
	MethodFileMove         wire.MethodID = 0x03
	MethodProxyCall        wire.MethodID = 0x04

	MethodGetZoneIDs      wire.MethodID = 0x10
	MethodGetActiveZoneID wire.MethodID = 0x11
	MethodSetActiveZone   wire.MethodID = 0x12
	MethodStartZone       wire.MethodID = 0x13
	MethodStopZone        wire.MethodID = 0x14
	MethodCreateZone      wire.MethodID = 0x15
	MethodDestroyZone     wire.MethodID = 0x16
	MethodGetZoneInfo     wire.MethodID = 0x17

	MethodProxyTarget wire.MethodID = 0x30

	SignalNotification wire.MethodID = 0x40
	SignalFocusGained  wire.MethodID = 0x41
	SignalFocusLost    wire.MethodID = 0x42
	SignalZoneState    wire.MethodID = 0x43
)

var methodNames = map[wire.MethodID]string{
	MethodRegisterZone:     "RegisterZone",
	MethodNotifyActiveZone: "NotifyActiveZone",
	MethodFileMove:         "FileMove",
	MethodProxyCall:        "ProxyCall",
	MethodGetZoneIDs:       "GetZoneIDs",
	MethodGetActiveZoneID:  "GetActiveZoneID",
	MethodSetActiveZone:    "SetActiveZone",
	MethodStartZone:        "StartZone",
	MethodStopZone:         "StopZone",
	MethodCreateZone:       "CreateZone",
	MethodDestroyZone:      "DestroyZone",
	MethodGetZoneInfo:      "GetZoneInfo",
	MethodProxyTarget:      "ProxyTarget",
	SignalNotification:     "Notification",
	SignalFocusGained:      "FocusGained",
	SignalFocusLost:        "FocusLost",
	SignalZoneState:        "ZoneState",
}

// MethodName renders a method ID for logs and metric labels.
func MethodName(id wire.MethodID) string {
	if name, ok := methodNames[id]; ok {
		return name
	}
	return fmt.Sprintf("0x%02x", uint32(id))
}

// RegisterZoneRequest binds the calling connection to a zone.
type RegisterZoneRequest struct {
	ZoneID string
}

// RegisterZoneResponse reports whether the registered zone currently holds
// the foreground.
type RegisterZoneResponse struct {
	Active bool
}

// NotifyActiveZoneRequest asks the host to forward a notification to the
// active zone.
type NotifyActiveZoneRequest struct {
	Application string
	Message     string
}

// NotifyActiveZoneResponse reports whether the notification was forwarded.
// Delivered is false when the caller already holds the foreground or no
// active agent is connected.
type NotifyActiveZoneResponse struct {
	Delivered bool
}

// FileMoveStatus is the outcome of a brokered file move.
type FileMoveStatus int32

const (
	FileMoveSucceeded FileMoveStatus = iota
	FileMoveDestinationNotFound
	FileMoveWrongDestination
	FileMoveFailed
)

func (s FileMoveStatus) String() string {
	switch s {
	case FileMoveSucceeded:
		return "succeeded"
	case FileMoveDestinationNotFound:
		return "destination_not_found"
	case FileMoveWrongDestination:
		return "wrong_destination"
	case FileMoveFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

// FileMoveRequest moves Path from the calling zone's rootfs into the same
// relative path under the destination zone's rootfs.
type FileMoveRequest struct {
	Destination string
	Path        string
}

// FileMoveResponse carries the move outcome.
type FileMoveResponse struct {
	Status FileMoveStatus
}

// ProxyCallRequest relays an opaque call to the target zone's agent.
type ProxyCallRequest struct {
	Target  string
	Method  uint32
	Payload []byte
}

// ProxyCallResponse carries the target agent's reply payload.
type ProxyCallResponse struct {
	Payload []byte
}

// ProxyTargetRequest is the host-to-agent side of a proxied call.
type ProxyTargetRequest struct {
	Origin  string
	Method  uint32
	Payload []byte
}

// ProxyTargetResponse is the agent's reply to a proxied call.
type ProxyTargetResponse struct {
	Payload []byte
}

// GetZoneIDsRequest lists the zones known to the host.
type GetZoneIDsRequest struct{}

// GetZoneIDsResponse carries the sorted zone IDs.
type GetZoneIDsResponse struct {
	IDs []string
}

// GetActiveZoneIDRequest reads the foreground zone.
type GetActiveZoneIDRequest struct{}

// GetActiveZoneIDResponse carries the foreground zone ID, empty when none.
type GetActiveZoneIDResponse struct {
	ID string
}

// SetActiveZoneRequest moves the foreground to the named zone.
type SetActiveZoneRequest struct {
	ID string
}

// SetActiveZoneResponse is empty; failures arrive as error replies.
type SetActiveZoneResponse struct{}

// StartZoneRequest starts the named zone.
type StartZoneRequest struct {
	ID string
}

// StartZoneResponse is empty; failures arrive as error replies.
type StartZoneResponse struct{}

// StopZoneRequest stops the named zone.
type StopZoneRequest struct {
	ID string
}

// StopZoneResponse is empty; failures arrive as error replies.
type StopZoneResponse struct{}

// CreateZoneRequest adds a new zone record.
type CreateZoneRequest struct {
	ID        string
	Privilege int32
}

// CreateZoneResponse carries the fresh instance ID of the created zone.
type CreateZoneResponse struct {
	InstanceID string
}

// DestroyZoneRequest removes a zone record, stopping the zone first if it
// is running.
type DestroyZoneRequest struct {
	ID string
}

// DestroyZoneResponse is empty; failures arrive as error replies.
type DestroyZoneResponse struct{}

// GetZoneInfoRequest reads one zone's state.
type GetZoneInfoRequest struct {
	ID string
}

// ZoneInfo is a point-in-time snapshot of one zone.
type ZoneInfo struct {
	ID         string
	InstanceID string
	Privilege  int32
	Rootfs     string
	Running    bool
	Active     bool
	Connected  bool
}

// GetZoneInfoResponse carries the snapshot.
type GetZoneInfoResponse struct {
	Info ZoneInfo
}

// Notification is forwarded to the active zone's agent.
type Notification struct {
	// Zone is the origin zone ID.
	Zone        string
	Application string
	Message     string
}

// FocusEvent tells an agent its zone gained or lost the foreground.
type FocusEvent struct {
	Zone string
}

// Zone lifecycle states carried by ZoneStateEvent.
const (
	StateCreated      = "created"
	StateDestroyed    = "destroyed"
	StateRunning      = "running"
	StateStopped      = "stopped"
	StateForeground   = "foreground"
	StateRegistered   = "registered"
	StateDisconnected = "disconnected"
)

// ZoneStateEvent is broadcast to every connected agent on zone lifecycle
// transitions.
type ZoneStateEvent struct {
	Zone  string
	State string
}
