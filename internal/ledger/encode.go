package ledger

import (
	"encoding/binary"
	"fmt"

	"github.com/mr-tron/base58"
)

// EncodeDeal serializes a snapshot in the ledger account layout. It backs the
// in-memory ledger used by development setups and tests.
func EncodeDeal(s *DealSnapshot) ([]byte, error) {
	buf := make([]byte, 0, 256)

	putU64 := func(n uint64) {
		buf = binary.LittleEndian.AppendUint64(buf, n)
	}
	putKey := func(name, key string) error {
		raw, err := base58.Decode(key)
		if err != nil || len(raw) != 32 {
			return fmt.Errorf("field %s: expected 32-byte base58 key", name)
		}
		buf = append(buf, raw...)
		return nil
	}
	optU64 := func(n *uint64) {
		if n == nil {
			buf = append(buf, 0)
			return
		}
		buf = append(buf, 1)
		putU64(*n)
	}
	optKey := func(name, key string) error {
		if key == "" {
			buf = append(buf, 0)
			return nil
		}
		buf = append(buf, 1)
		return putKey(name, key)
	}

	putU64(s.Discriminator)
	buf = append(buf, s.Bump, s.Status)
	if err := putKey("owner", s.Owner); err != nil {
		return nil, err
	}
	putU64(s.Timestamp)
	putU64(s.Staked)
	putU64(s.MinStakeRequired)
	putU64(s.PlacementPaid)
	if err := putKey("detailsHash", s.DetailsHash); err != nil {
		return nil, err
	}
	if err := putKey("id", s.ID); err != nil {
		return nil, err
	}
	optU64(s.AcceptedTimestamp)
	if err := optKey("offeree", s.Offeree); err != nil {
		return nil, err
	}
	optU64(s.OffereeStaked)
	if err := optKey("offereeProposalHash", s.OffereeProposalHash); err != nil {
		return nil, err
	}
	optU64(s.OwnerVotes)
	optU64(s.OffereeVotes)
	optU64(s.AbstainedVotes)

	return buf, nil
}
