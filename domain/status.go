package domain

import "encoding/json"

// Status is the connection lifecycle of a synced order book.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusSyncing
	StatusSynced
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "Connecting"
	case StatusSyncing:
		return "Syncing"
	case StatusSynced:
		return "Synced"
	default:
		return "Disconnected"
	}
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}
