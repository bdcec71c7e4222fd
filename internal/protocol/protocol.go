// Package protocol defines the JSON message contract between browser
// clients and the broker. Inbound messages carry a "type" discriminator;
// outbound events are a closed set. Unknown fields on inbound messages
// are ignored; unknown types are answered with an error event without
// closing the connection.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Inbound message types.
const (
	MsgJoinQueue  = "join_queue"
	MsgLeaveQueue = "leave_queue"
	MsgHeartbeat  = "heartbeat"
	MsgEndSession = "end_session"
)

// Outbound event types.
const (
	EventStatus        = "status"
	EventQueuePosition = "queue_position"
	EventQueueFull     = "queue_full"
	EventLeftQueue     = "left_queue"
	EventSessionStart  = "session_starting"
	EventSessionWarn   = "session_warning"
	EventSessionEnded  = "session_ended"
	EventInviteInvalid = "invite_invalid"
	EventError         = "error"
	EventHeartbeatAck  = "heartbeat_ack"
)

// Session end reasons.
const (
	ReasonTimeout       = "timeout"
	ReasonDisconnected  = "disconnected"
	ReasonContainerExit = "container_exit"
	ReasonUserEnded     = "user_ended"
	ReasonShutdown      = "shutdown"
)

// Invite rejection reasons.
const (
	InviteMissing     = "missing"
	InviteInvalid     = "invalid"
	InviteNotFound    = "not_found"
	InviteRevoked     = "revoked"
	InviteUsed        = "used"
	InviteExpired     = "expired"
	InviteRateLimited = "rate_limited"
)

// Inbound is a client-to-broker message.
type Inbound struct {
	Type        string `json:"type"`
	InviteToken string `json:"inviteToken,omitempty"`
}

// ParseInbound decodes a raw client frame. It does not reject unknown
// message types; dispatch handles those so the connection can stay open.
func ParseInbound(data []byte) (Inbound, error) {
	var msg Inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return Inbound{}, fmt.Errorf("malformed message: %w", err)
	}
	if msg.Type == "" {
		return Inbound{}, fmt.Errorf("message missing type")
	}
	return msg, nil
}

// Event is a broker-to-client message. Constructors below are the only
// sources of events, keeping the outbound set closed.
type Event map[string]any

func Status(queueSize int, sessionActive bool) Event {
	return Event{
		"type":           EventStatus,
		"queue_size":     queueSize,
		"session_active": sessionActive,
	}
}

func QueuePosition(position, estimatedWaitMinutes, queueSize int) Event {
	return Event{
		"type":           EventQueuePosition,
		"position":       position,
		"estimated_wait": estimatedWaitMinutes,
		"queue_size":     queueSize,
	}
}

func QueueFull(message string) Event {
	return Event{
		"type":    EventQueueFull,
		"message": message,
	}
}

func LeftQueue() Event {
	return Event{"type": EventLeftQueue}
}

func SessionStarting(terminalURL, sessionToken string, expiresAtUnix int64) Event {
	return Event{
		"type":          EventSessionStart,
		"terminal_url":  terminalURL,
		"session_token": sessionToken,
		"expires_at":    expiresAtUnix,
	}
}

func SessionWarning(minutesRemaining int) Event {
	return Event{
		"type":              EventSessionWarn,
		"minutes_remaining": minutesRemaining,
	}
}

func SessionEnded(reason string) Event {
	return Event{
		"type":                 EventSessionEnded,
		"reason":               reason,
		"clear_session_cookie": true,
	}
}

func InviteRejected(reason, message string) Event {
	return Event{
		"type":    EventInviteInvalid,
		"reason":  reason,
		"message": message,
	}
}

func Error(message string) Event {
	return Event{
		"type":    EventError,
		"message": message,
	}
}

func HeartbeatAck() Event {
	return Event{"type": EventHeartbeatAck}
}
