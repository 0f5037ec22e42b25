package models

// Notification is an encrypted message left in a user's mailbox by a visitor.
type Notification struct {
	ID               string `json:"id"` // ULID
	EncryptedPayload string `json:"encryptedPayload"`
	Kind             string `json:"kind"`
	VisitorAddress   string `json:"visitorAddress"`
	VisitorNotifKey  string `json:"visitorNotifKey"`
	Timestamp        int64  `json:"timestamp"` // Unix ms
}
