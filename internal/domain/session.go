package domain

import "github.com/ethereum/go-ethereum/common"

// AuthState is the authentication state of a clearnode session.
type AuthState string

const (
	AuthIdle              AuthState = "idle"
	AuthAwaitingChallenge AuthState = "awaiting_challenge"
	AuthAwaitingVerify    AuthState = "awaiting_verify"
	AuthAuthenticated     AuthState = "authenticated"
	AuthFailed            AuthState = "failed"
)

// SessionStatus is a read-only snapshot of a session for status endpoints.
type SessionStatus struct {
	Connected  bool           `json:"connected"`
	State      AuthState      `json:"state"`
	Wallet     common.Address `json:"wallet"`
	SessionKey common.Address `json:"session_key,omitempty"`
	LastError  string         `json:"last_error,omitempty"`
}
