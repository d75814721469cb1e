package mqterm

import (
	"errors"
	"fmt"
	"time"
)

// EventHandler receives lifecycle events. Inspect them with errors.Is and
// errors.As. Handlers run on a dedicated goroutine, in order, and may call
// back into the client.
type EventHandler func(client *Client, event error)

// Protocol and transport failures.
var (
	// ErrMalformedPacket: a received packet could not be decoded. The
	// connection carrying it is torn down.
	ErrMalformedPacket = errors.New("malformed packet")

	// ErrProtocolViolation: a well-formed packet arrived out of place, such
	// as an acknowledgement for an unknown packet id. It is logged and
	// ignored.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrTransportFailure: the stream failed or keepalive expired. The client
	// reconnects.
	ErrTransportFailure = errors.New("transport failure")

	// ErrKeepAliveTimeout wraps ErrTransportFailure when PINGRESP is late.
	ErrKeepAliveTimeout = fmt.Errorf("keep-alive timeout: %w", ErrTransportFailure)
)

// Connection outcomes.
var (
	ErrConnected        = errors.New("connected")
	ErrDisconnected     = errors.New("disconnected")
	ErrServerDisconnect = errors.New("server disconnect")
	ErrConnectionLost   = errors.New("connection lost")
	ErrReconnecting     = errors.New("reconnecting")
	ErrReconnectFailed  = errors.New("reconnect failed")

	// ErrConnectRejected: CONNACK carried an error reason code. Not retried.
	ErrConnectRejected = errors.New("connection rejected")

	// ErrAuthFailed: the server refused the credentials or authentication
	// exchange. Not retried.
	ErrAuthFailed = errors.New("authentication failed")
)

// Operation failures.
var (
	// ErrDeliveryFailed: a QoS 1/2 delivery exhausted its retransmissions.
	ErrDeliveryFailed = errors.New("delivery failed")

	// ErrSubscriptionRejected: SUBACK denied a filter.
	ErrSubscriptionRejected = errors.New("subscription rejected")

	ErrPublishFailed         = errors.New("publish failed")
	ErrUnsubscribeFailed     = errors.New("unsubscribe failed")
	ErrDuplicateSubscription = errors.New("topic filter already subscribed")
	ErrClientClosed          = errors.New("client closed")
	ErrNotConnected          = errors.New("not connected")
)

// ConnectedEvent is emitted after every successful CONNACK.
type ConnectedEvent struct {
	err            error
	SessionPresent bool
	Reconnect      bool
	ServerProps    *Properties
}

func (e *ConnectedEvent) Error() string { return e.err.Error() }
func (e *ConnectedEvent) Unwrap() error { return e.err }

func newConnectedEvent(sessionPresent, reconnect bool, props *Properties) *ConnectedEvent {
	return &ConnectedEvent{err: ErrConnected, SessionPresent: sessionPresent, Reconnect: reconnect, ServerProps: props}
}

// ConnectError is returned by Dial and emitted on reconnect when the server
// refuses the connection.
type ConnectError struct {
	err        error
	ReasonCode ReasonCode
	Reason     string
}

func (e *ConnectError) Error() string {
	msg := e.err.Error() + ": " + e.ReasonCode.String()
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	return msg
}

func (e *ConnectError) Unwrap() error { return e.err }

func newConnectError(code ReasonCode, props *Properties) *ConnectError {
	base := ErrConnectRejected
	switch code {
	case ReasonBadUserNameOrPassword, ReasonNotAuthorized, ReasonBadAuthMethod:
		base = ErrAuthFailed
	}
	return &ConnectError{err: base, ReasonCode: code, Reason: props.GetString(PropReasonString)}
}

// DisconnectError reports the end of a connection.
type DisconnectError struct {
	err        error
	ReasonCode ReasonCode
	Reason     string
	Remote     bool
}

func (e *DisconnectError) Error() string {
	if e.Remote {
		return "server disconnect: " + e.ReasonCode.String()
	}
	return "disconnected: " + e.ReasonCode.String()
}

func (e *DisconnectError) Unwrap() error { return e.err }

func newDisconnectError(code ReasonCode, props *Properties, remote bool) *DisconnectError {
	base := ErrDisconnected
	if remote {
		base = ErrServerDisconnect
	}
	return &DisconnectError{err: base, ReasonCode: code, Reason: props.GetString(PropReasonString), Remote: remote}
}

// ConnectionLostError is emitted when an established connection fails.
type ConnectionLostError struct {
	Cause error
}

func (e *ConnectionLostError) Error() string {
	if e.Cause == nil {
		return ErrConnectionLost.Error()
	}
	return ErrConnectionLost.Error() + ": " + e.Cause.Error()
}

func (e *ConnectionLostError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrConnectionLost}
	}
	return []error{ErrConnectionLost, e.Cause}
}

// ReconnectEvent is emitted before each reconnection attempt.
type ReconnectEvent struct {
	Attempt     int
	MaxAttempts int
	Delay       time.Duration
	cancel      func()
}

func (e *ReconnectEvent) Error() string {
	return fmt.Sprintf("%s: attempt %d in %s", ErrReconnecting, e.Attempt, e.Delay)
}

func (e *ReconnectEvent) Unwrap() error { return ErrReconnecting }

// Cancel stops reconnecting; the client moves to Disconnected.
func (e *ReconnectEvent) Cancel() {
	if e.cancel != nil {
		e.cancel()
	}
}

// PublishError reports a negative PUBACK or PUBREC.
type PublishError struct {
	Topic      string
	PacketID   uint16
	ReasonCode ReasonCode
	Reason     string
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("%s: %s (packet %d): %s", ErrPublishFailed, e.Topic, e.PacketID, e.ReasonCode)
}

func (e *PublishError) Unwrap() error { return ErrPublishFailed }

// DeliveryFailedError reports a delivery abandoned after MaxRetries
// retransmissions.
type DeliveryFailedError struct {
	Topic    string
	PacketID uint16
	Attempts int
}

func (e *DeliveryFailedError) Error() string {
	return fmt.Sprintf("%s: %s (packet %d) after %d attempts", ErrDeliveryFailed, e.Topic, e.PacketID, e.Attempts)
}

func (e *DeliveryFailedError) Unwrap() error { return ErrDeliveryFailed }

// SubscribeError reports a SUBACK denial for one filter.
type SubscribeError struct {
	Filter     string
	ReasonCode ReasonCode
}

func (e *SubscribeError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrSubscriptionRejected, e.Filter, e.ReasonCode)
}

func (e *SubscribeError) Unwrap() error { return ErrSubscriptionRejected }
