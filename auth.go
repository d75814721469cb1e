package mqterm

import (
	"context"
	"errors"
)

// ErrAuthExchange is returned when the server drives an AUTH exchange the
// client is not configured for, or the authenticator rejects a step.
var ErrAuthExchange = errors.New("enhanced authentication exchange failed")

// AuthStep is one client turn of an enhanced authentication exchange.
type AuthStep struct {
	// Data is sent as the Authentication Data property.
	Data []byte

	// State is handed back on the next AuthContinue call.
	State any
}

// AuthChallenge carries the server side of an exchange step.
type AuthChallenge struct {
	Method     string
	Data       []byte
	ReasonCode ReasonCode
	State      any
}

// ClientEnhancedAuthenticator drives a multi-step AUTH exchange
// (MQTT 5 enhanced authentication) during connect and re-authentication.
type ClientEnhancedAuthenticator interface {
	// AuthMethod names the method placed in CONNECT, e.g. "SCRAM-SHA-256".
	AuthMethod() string

	// AuthStart returns the data carried by CONNECT.
	AuthStart(ctx context.Context) (*AuthStep, error)

	// AuthContinue answers an AUTH packet with reason Continue Authentication.
	AuthContinue(ctx context.Context, challenge *AuthChallenge) (*AuthStep, error)
}

// AuthVerifier is implemented by authenticators that check the final server
// data attached to CONNACK, such as the SCRAM server signature.
type AuthVerifier interface {
	AuthComplete(ctx context.Context, challenge *AuthChallenge) error
}
