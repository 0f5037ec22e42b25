package models

const (
	PresenceConnect    = "connect"
	PresenceDisconnect = "disconnect"
)

// PresenceUpdate is one mutation of the presence set.
type PresenceUpdate struct {
	Type    string `json:"type"`
	Address string `json:"address"`
}
