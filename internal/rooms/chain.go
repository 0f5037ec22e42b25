package rooms

import (
	"errors"
	"fmt"
	"time"

	"github.com/eldtechnologies/questrelay/internal/crypto"
	"github.com/eldtechnologies/questrelay/internal/models"
	"github.com/eldtechnologies/questrelay/internal/party"
)

var ErrChainBroken = errors.New("message chain broken")

// Chain is a deal room's append-only message log. Each entry commits to
// its predecessor; the first entry commits to the deal's proposal hash.
// Callers must hold the room's serialization.
type Chain struct {
	DealID   string
	Messages []models.Message
}

// Tail returns the hash the next entry must link to.
func (c *Chain) Tail(seed string) string {
	if len(c.Messages) == 0 {
		return seed
	}
	return c.Messages[len(c.Messages)-1].Hash
}

// Next builds the entry that would follow the current tail without appending it.
func (c *Chain) Next(seed, ciphertext, sender, signature string, at time.Time) (models.Message, error) {
	prev := c.Tail(seed)
	if prev == "" {
		return models.Message{}, fmt.Errorf("%w: no proposal hash to seed the chain", party.ErrInvalid)
	}
	hash, err := crypto.ChainHash(prev, ciphertext)
	if err != nil {
		return models.Message{}, err
	}
	return models.Message{
		DealID:        c.DealID,
		Ciphertext:    ciphertext,
		Hash:          hash,
		PrevHash:      prev,
		Timestamp:     at.UnixMilli(),
		SenderAddress: sender,
		Signature:     signature,
	}, nil
}

// Append adds an entry built by Next. It refuses entries that do not link to the tail.
func (c *Chain) Append(seed string, m models.Message) error {
	if m.PrevHash != c.Tail(seed) {
		return fmt.Errorf("%w: entry links to %s, tail is %s", ErrChainBroken, m.PrevHash, c.Tail(seed))
	}
	c.Messages = append(c.Messages, m)
	return nil
}

// Verify recomputes every link from seed.
func (c *Chain) Verify(seed string) error {
	prev := seed
	for i, m := range c.Messages {
		if m.PrevHash != prev {
			return fmt.Errorf("%w: entry %d prevHash mismatch", ErrChainBroken, i)
		}
		want, err := crypto.ChainHash(m.PrevHash, m.Ciphertext)
		if err != nil {
			return fmt.Errorf("%w: entry %d: %v", ErrChainBroken, i, err)
		}
		if m.Hash != want {
			return fmt.Errorf("%w: entry %d hash mismatch", ErrChainBroken, i)
		}
		prev = m.Hash
	}
	return nil
}

// Snapshot returns a copy of the log, never nil.
func (c *Chain) Snapshot() []models.Message {
	out := make([]models.Message, len(c.Messages))
	copy(out, c.Messages)
	return out
}

// DealState is derived from the authorized set.
type DealState int

const (
	DealEmpty DealState = iota
	DealPartial
	DealReady
)

func (s DealState) String() string {
	switch s {
	case DealEmpty:
		return "EMPTY"
	case DealPartial:
		return "PARTIAL"
	default:
		return "READY"
	}
}

// AuthorizedSet holds at most one owner and one counterparty.
type AuthorizedSet []models.AuthorizedAddress

// Find returns the record for address.
func (s AuthorizedSet) Find(address string) (models.AuthorizedAddress, bool) {
	for _, a := range s {
		if a.Address == address {
			return a, true
		}
	}
	return models.AuthorizedAddress{}, false
}

// Add inserts a record. An address already present is returned unchanged.
func (s *AuthorizedSet) Add(a models.AuthorizedAddress) (models.AuthorizedAddress, bool, error) {
	if existing, ok := s.Find(a.Address); ok {
		return existing, false, nil
	}
	if !a.IsOwner && !a.IsCounterparty {
		return models.AuthorizedAddress{}, false, fmt.Errorf("%w: not a deal participant", party.ErrForbidden)
	}
	for _, e := range *s {
		if (a.IsOwner && e.IsOwner) || (a.IsCounterparty && e.IsCounterparty) {
			return models.AuthorizedAddress{}, false, fmt.Errorf("%w: side already joined", party.ErrForbidden)
		}
	}
	*s = append(*s, a)
	return a, true, nil
}

// State reports how many sides have joined.
func (s AuthorizedSet) State() DealState {
	var owner, counterparty bool
	for _, a := range s {
		owner = owner || a.IsOwner
		counterparty = counterparty || a.IsCounterparty
	}
	switch {
	case owner && counterparty:
		return DealReady
	case len(s) == 0:
		return DealEmpty
	default:
		return DealPartial
	}
}
