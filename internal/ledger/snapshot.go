package ledger

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
)

// QuestSchema is the account layout written by the ledger program. It is a
// wire contract: order and optionality must match the program exactly.
var QuestSchema = []Field{
	{Name: "discriminator", Type: U64},
	{Name: "bump", Type: U8},
	{Name: "status", Type: U8},
	{Name: "owner", Type: Pubkey},
	{Name: "timestamp", Type: U64},
	{Name: "staked", Type: U64},
	{Name: "minStakeRequired", Type: U64},
	{Name: "placementPaid", Type: U64},
	{Name: "detailsHash", Type: Pubkey},
	{Name: "id", Type: Pubkey},
	{Name: "acceptedTimestamp", Type: U64, Optional: true},
	{Name: "offeree", Type: Pubkey, Optional: true},
	{Name: "offereeStaked", Type: U64, Optional: true},
	{Name: "offereeProposalHash", Type: Pubkey, Optional: true},
	{Name: "ownerVotes", Type: U64, Optional: true},
	{Name: "offereeVotes", Type: U64, Optional: true},
	{Name: "abstainedVotes", Type: U64, Optional: true},
}

var ErrDiscriminator = errors.New("account discriminator mismatch")

// Discriminator returns the 8-byte account tag for an account type name,
// read as a little-endian u64.
func Discriminator(name string) uint64 {
	sum := sha256.Sum256([]byte("account:" + name))
	return binary.LittleEndian.Uint64(sum[:8])
}

// DealSnapshot is a read-only decode of a deal (quest) account. Counters are
// serialized as decimal strings so 64-bit values survive JSON clients.
type DealSnapshot struct {
	Discriminator       uint64  `json:"discriminator,string"`
	Bump                uint8   `json:"bump"`
	Status              uint8   `json:"status"`
	Owner               string  `json:"owner"`
	Timestamp           uint64  `json:"timestamp,string"`
	Staked              uint64  `json:"staked,string"`
	MinStakeRequired    uint64  `json:"minStakeRequired,string"`
	PlacementPaid       uint64  `json:"placementPaid,string"`
	DetailsHash         string  `json:"detailsHash"`
	ID                  string  `json:"id"`
	AcceptedTimestamp   *uint64 `json:"acceptedTimestamp,omitempty,string"`
	Offeree             string  `json:"offeree,omitempty"`
	OffereeStaked       *uint64 `json:"offereeStaked,omitempty,string"`
	OffereeProposalHash string  `json:"offereeProposalHash,omitempty"`
	OwnerVotes          *uint64 `json:"ownerVotes,omitempty,string"`
	OffereeVotes        *uint64 `json:"offereeVotes,omitempty,string"`
	AbstainedVotes      *uint64 `json:"abstainedVotes,omitempty,string"`
}

// Counterparty is the address that accepted the deal, or "" if none yet.
func (s *DealSnapshot) Counterparty() string {
	return s.Offeree
}

// ProposalHash seeds the deal room's message chain.
func (s *DealSnapshot) ProposalHash() string {
	return s.OffereeProposalHash
}

// IsParticipant reports whether address is the owner or the counterparty.
func (s *DealSnapshot) IsParticipant(address string) (isOwner, isCounterparty bool) {
	return address == s.Owner, s.Offeree != "" && address == s.Offeree
}

// DecodeDeal decodes raw account bytes. When checkDiscriminator is set the
// leading tag must match the "Quest" account type.
func DecodeDeal(data []byte, checkDiscriminator bool) (*DealSnapshot, error) {
	v, err := Decode(data, QuestSchema)
	if err != nil {
		return nil, err
	}

	s := &DealSnapshot{
		Discriminator:       v["discriminator"].U64,
		Bump:                v["bump"].U8,
		Status:              v["status"].U8,
		Owner:               v["owner"].Pubkey,
		Timestamp:           v["timestamp"].U64,
		Staked:              v["staked"].U64,
		MinStakeRequired:    v["minStakeRequired"].U64,
		PlacementPaid:       v["placementPaid"].U64,
		DetailsHash:         v["detailsHash"].Pubkey,
		ID:                  v["id"].Pubkey,
		AcceptedTimestamp:   optU64(v, "acceptedTimestamp"),
		Offeree:             v["offeree"].Pubkey,
		OffereeStaked:       optU64(v, "offereeStaked"),
		OffereeProposalHash: v["offereeProposalHash"].Pubkey,
		OwnerVotes:          optU64(v, "ownerVotes"),
		OffereeVotes:        optU64(v, "offereeVotes"),
		AbstainedVotes:      optU64(v, "abstainedVotes"),
	}

	if checkDiscriminator && s.Discriminator != Discriminator("Quest") {
		return nil, fmt.Errorf("%w: got %d", ErrDiscriminator, s.Discriminator)
	}

	return s, nil
}

func optU64(v map[string]Value, name string) *uint64 {
	val, ok := v[name]
	if !ok {
		return nil
	}
	n := val.U64
	return &n
}
