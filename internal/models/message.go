package models

// Message is one entry of a deal room's hash-chained chat log.
type Message struct {
	DealID        string `json:"dealId"`
	Ciphertext    string `json:"ciphertext"`
	Hash          string `json:"hash"`      // base58(SHA256(prevHash ‖ ciphertext))
	PrevHash      string `json:"prevHash"`  // proposal hash for the first entry
	Timestamp     int64  `json:"timestamp"` // Unix ms
	SenderAddress string `json:"senderAddress"`
	Signature     string `json:"signature"`
}

// AuthorizedAddress is a deal participant admitted to the room.
type AuthorizedAddress struct {
	Address           string `json:"address"`
	SessionAddress    string `json:"sessionAddress"`
	EncryptionAddress string `json:"encryptionAddress"`
	IsOwner           bool   `json:"isOwner"`
	IsCounterparty    bool   `json:"isCounterparty"`
}

// DealInit is sent to deal room connections once both sides have joined.
type DealInit struct {
	AuthorizedAddresses []AuthorizedAddress `json:"authorizedAddresses"`
	ProposalHash        string              `json:"proposalHash"`
	Messages            []Message           `json:"messages"`
}

// Standby tells a connection the deal room is still waiting for a participant.
type Standby struct {
	Standby bool `json:"standby"`
}

// MessageEvent carries a newly appended chat entry.
type MessageEvent struct {
	Message Message `json:"message"`
}
