package models

const (
	DefaultAvailableStart = "8.0.AM"
	DefaultAvailableEnd   = "8.0.PM"
)

// UserDetails is the session registration stored in a userinfo room.
type UserDetails struct {
	SessionAddress string `json:"sessionAddress"`
	NotifAddress   string `json:"notifAddress,omitempty"`
	Signature      string `json:"signature"`
	AvailableStart string `json:"availableStart"`
	AvailableEnd   string `json:"availableEnd"`
}

// UserStatus is reported by a user room for presence reconciliation.
type UserStatus struct {
	Online    bool  `json:"online"`
	Heartbeat int64 `json:"heartbeat"` // Unix ms
}
