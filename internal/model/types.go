package model

import "time"

type State string

const (
	StateInitializing    State = "INITIALIZING"
	StatePairingRequired State = "PAIRING_REQUIRED"
	StateAuthenticated   State = "AUTHENTICATED"
	StateSynchronizing   State = "SYNCHRONIZING"
	StateReady           State = "READY"
	StateAuthFailed      State = "AUTH_FAILED"
	StateDisconnected    State = "DISCONNECTED"
	StateReconnecting    State = "RECONNECTING"
)

// Status is a point-in-time copy of the connection status.
type Status struct {
	State           State
	LastUpdate      time.Time
	Progress        int
	ProgressMessage string
	QR              string
	Reason          string

	ReconnectPending bool
	Attempts         int
	Halted           bool
}

func (s Status) Ready() bool { return s.State == StateReady }

func (s Status) HasQR() bool { return s.QR != "" }

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

type MessageEntry struct {
	ID         string
	Direction  Direction
	Address    string
	Body       string
	ExternalID string
	CreatedAt  int64
}
