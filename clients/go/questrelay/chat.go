package questrelay

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"

	"github.com/eldtechnologies/questrelay/internal/crypto"
	"github.com/eldtechnologies/questrelay/internal/models"
)

// DealChat encrypts and signs chat messages for one deal with the per-deal
// session key. Both sides derive the same secret from their own deal key and
// the peer's encryption address.
type DealChat struct {
	key    ed25519.PrivateKey
	secret []byte
}

// NewDealChat prepares a chat with the peer's encryption address.
func NewDealChat(dealKey ed25519.PrivateKey, peerEncryptionAddress string) (*DealChat, error) {
	peer, err := crypto.DecodeBase58(peerEncryptionAddress)
	if err != nil {
		return nil, &crypto.CryptoError{Message: fmt.Sprintf("invalid peer encryption address: %v", err)}
	}
	secret, err := crypto.SharedSecretWithX25519(dealKey, peer)
	if err != nil {
		return nil, err
	}
	return &DealChat{key: dealKey, secret: secret}, nil
}

// Seal builds a signed chat frame.
func (d *DealChat) Seal(plaintext string) (models.Frame, error) {
	ciphertext, err := crypto.Encrypt(plaintext, d.secret)
	if err != nil {
		return models.Frame{}, err
	}
	return models.Frame{
		Type:      models.FrameMessage,
		Data:      ciphertext,
		Signature: crypto.Sign(d.key, []byte(ciphertext)),
	}, nil
}

// Open decrypts a chat entry from either side.
func (d *DealChat) Open(m models.Message) (string, error) {
	return crypto.Decrypt(m.Ciphertext, d.secret)
}

// Send seals plaintext and writes it to a deal room connection.
func (d *DealChat) Send(ws *websocket.Conn, plaintext string) error {
	f, err := d.Seal(plaintext)
	if err != nil {
		return err
	}
	return ws.WriteJSON(f)
}

// Peer returns the other participant's record from a deal init frame.
func Peer(init models.DealInit, self string) (models.AuthorizedAddress, bool) {
	for _, a := range init.AuthorizedAddresses {
		if a.Address != self {
			return a, true
		}
	}
	return models.AuthorizedAddress{}, false
}

// VerifyChain checks that messages link from the proposal hash onward.
func VerifyChain(init models.DealInit) error {
	prev := init.ProposalHash
	for i, m := range init.Messages {
		if m.PrevHash != prev {
			return fmt.Errorf("message %d: broken link", i)
		}
		want, err := crypto.ChainHash(prev, m.Ciphertext)
		if err != nil {
			return err
		}
		if want != m.Hash {
			return fmt.Errorf("message %d: hash mismatch", i)
		}
		prev = m.Hash
	}
	return nil
}

// ServerFrame is any frame a room pushes to a connection.
type ServerFrame struct {
	Type          string                     `json:"type,omitempty"`
	Standby       bool                       `json:"standby,omitempty"`
	Notification  *models.Notification       `json:"notification,omitempty"`
	Notifications []models.Notification      `json:"notifications,omitempty"`
	ID            string                     `json:"id,omitempty"`
	Message       *models.Message            `json:"message,omitempty"`
	Init          *models.DealInit           `json:"-"`
	Raw           json.RawMessage            `json:"-"`
	Authorized    []models.AuthorizedAddress `json:"authorizedAddresses,omitempty"`
}

// ReadFrame reads the next server frame. Deal init frames are exposed
// through Init.
func ReadFrame(ws *websocket.Conn) (*ServerFrame, error) {
	_, data, err := ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	var f ServerFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	f.Raw = data
	if f.Authorized != nil {
		var init models.DealInit
		if err := json.Unmarshal(data, &init); err != nil {
			return nil, err
		}
		f.Init = &init
	}
	return &f, nil
}
