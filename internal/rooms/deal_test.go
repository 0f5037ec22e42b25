package rooms_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/eldtechnologies/questrelay/internal/crypto"
	"github.com/eldtechnologies/questrelay/internal/ledger"
	"github.com/eldtechnologies/questrelay/internal/models"
	"github.com/eldtechnologies/questrelay/internal/party"
	"github.com/eldtechnologies/questrelay/internal/party/partytest"
	"github.com/eldtechnologies/questrelay/internal/rooms"
)

var fixedTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type deal struct {
	address  string
	proposal string
	snapshot *ledger.DealSnapshot
}

func newDeal(t *testing.T, owner participant) deal {
	t.Helper()
	_, addr := newKey(t)
	_, details := newKey(t)
	_, id := newKey(t)
	_, proposal := newKey(t)
	return deal{
		address:  addr,
		proposal: proposal,
		snapshot: &ledger.DealSnapshot{
			Discriminator:    ledger.Discriminator("Quest"),
			Bump:             254,
			Status:           1,
			Owner:            owner.address,
			Timestamp:        1700000000,
			Staked:           5000,
			MinStakeRequired: 1000,
			DetailsHash:      details,
			ID:               id,
		},
	}
}

// accept records counterparty on the ledger.
func (d deal) accept(t *testing.T, l *ledger.MemoryLedger, counterparty participant) {
	t.Helper()
	accepted := uint64(1700000100)
	d.snapshot.AcceptedTimestamp = &accepted
	d.snapshot.Offeree = counterparty.address
	d.snapshot.OffereeProposalHash = d.proposal
	d.publish(t, l)
}

func (d deal) publish(t *testing.T, l *ledger.MemoryLedger) {
	t.Helper()
	data, err := ledger.EncodeDeal(d.snapshot)
	if err != nil {
		t.Fatal(err)
	}
	l.SetAccount(d.address, data)
}

func (d deal) room() string {
	return "quest_" + d.address
}

func join(h *harness, d deal, p participant) *party.Response {
	req := party.NewRequest(http.MethodPost, nil)
	req.Header.Set(rooms.HeaderUserAddress, p.address)
	req.Header.Set(rooms.HeaderDealSession, p.dealAddress)
	req.Header.Set(rooms.HeaderDealEncryption, p.encryption)
	return h.do(d.room(), req)
}

func chatFrame(t *testing.T, signer participant, data string) []byte {
	t.Helper()
	b, err := json.Marshal(models.Frame{
		Type:      "message",
		Data:      data,
		Signature: crypto.Sign(signer.deal, []byte(data)),
	})
	if err != nil {
		t.Fatal(err)
	}
	return b
}

// readyDeal returns a deal both sides have joined.
func readyDeal(t *testing.T) (*harness, deal, participant, participant) {
	t.Helper()
	h, l := newHarness(t)
	owner := newParticipant(t)
	counterparty := newParticipant(t)
	d := newDeal(t, owner)
	d.accept(t, l, counterparty)
	expectStatus(t, join(h, d, owner), http.StatusOK)
	expectStatus(t, join(h, d, counterparty), http.StatusOK)
	return h, d, owner, counterparty
}

func messagesOf(t *testing.T, h *harness, d deal) models.DealInit {
	t.Helper()
	conn := partytest.NewConn("observer")
	sess, err := h.reg.Join(d.room(), conn)
	if err != nil {
		t.Fatal(err)
	}
	sess.Message([]byte(`{"type":"get_messages"}`))
	sess.Leave()
	h.flush(d.room())
	var init models.DealInit
	if err := conn.Last(&init); err != nil {
		t.Fatal(err)
	}
	return init
}

func TestDealEndToEnd(t *testing.T) {
	h, l := newHarness(t)
	owner := newParticipant(t)
	taker := newParticipant(t)
	d := newDeal(t, owner)
	d.publish(t, l)
	ctx := context.Background()

	// T is not the counterparty yet.
	expectStatus(t, join(h, d, taker), http.StatusForbidden)
	if err := h.reg.Admit(ctx, d.room(), taker.address); !errors.Is(err, party.ErrForbidden) {
		t.Fatalf("expected taker not admitted, got %v", err)
	}

	resp := join(h, d, owner)
	expectStatus(t, resp, http.StatusOK)
	var rec models.AuthorizedAddress
	resp.Decode(&rec)
	if !rec.IsOwner || rec.IsCounterparty || rec.SessionAddress != owner.dealAddress {
		t.Fatalf("unexpected owner record %+v", rec)
	}

	// Owner alone: standby.
	ownerConn := partytest.NewConn(owner.address)
	if err := h.reg.Admit(ctx, d.room(), owner.address); err != nil {
		t.Fatal(err)
	}
	h.reg.Join(d.room(), ownerConn)
	h.flush(d.room())
	var standby models.Standby
	ownerConn.Last(&standby)
	if !standby.Standby {
		t.Fatal("expected standby before both sides join")
	}

	// The ledger records T as counterparty; the cached snapshot has none, so it is re-read.
	d.accept(t, l, taker)
	resp = join(h, d, taker)
	expectStatus(t, resp, http.StatusOK)
	resp.Decode(&rec)
	if !rec.IsCounterparty || rec.IsOwner {
		t.Fatalf("unexpected counterparty record %+v", rec)
	}

	if err := h.reg.Admit(ctx, d.room(), taker.address); err != nil {
		t.Fatalf("expected taker admitted, got %v", err)
	}
	takerConn := partytest.NewConn(taker.address)
	h.reg.Join(d.room(), takerConn)
	h.flush(d.room())

	// Both connections receive the init payload.
	for _, c := range []*partytest.Conn{ownerConn, takerConn} {
		var init models.DealInit
		if err := c.Last(&init); err != nil {
			t.Fatal(err)
		}
		if len(init.AuthorizedAddresses) != 2 {
			t.Fatalf("expected 2 authorized addresses, got %d", len(init.AuthorizedAddresses))
		}
		if init.ProposalHash != d.proposal {
			t.Fatalf("expected proposal hash %s, got %s", d.proposal, init.ProposalHash)
		}
		if init.Messages == nil || len(init.Messages) != 0 {
			t.Fatalf("expected empty message log, got %v", init.Messages)
		}
	}
}

func TestDealJoinIsIdempotent(t *testing.T) {
	h, d, owner, _ := readyDeal(t)

	for i := 0; i < 3; i++ {
		expectStatus(t, join(h, d, owner), http.StatusOK)
	}
	init := messagesOf(t, h, d)
	count := 0
	for _, a := range init.AuthorizedAddresses {
		if a.Address == owner.address {
			count++
		}
	}
	if count != 1 || len(init.AuthorizedAddresses) != 2 {
		t.Fatalf("expected one owner entry among two, got %+v", init.AuthorizedAddresses)
	}
}

func TestDealRejectsOutsider(t *testing.T) {
	h, d, _, _ := readyDeal(t)
	outsider := newParticipant(t)

	expectStatus(t, join(h, d, outsider), http.StatusForbidden)
	init := messagesOf(t, h, d)
	if len(init.AuthorizedAddresses) != 2 {
		t.Fatalf("authorized set changed: %+v", init.AuthorizedAddresses)
	}
	for _, a := range init.AuthorizedAddresses {
		if a.Address == outsider.address {
			t.Fatal("outsider was authorized")
		}
	}
}

func TestDealJoinRequiresGateHeaders(t *testing.T) {
	h, l := newHarness(t)
	owner := newParticipant(t)
	d := newDeal(t, owner)
	d.publish(t, l)

	expectStatus(t, h.do(d.room(), party.NewRequest(http.MethodPost, nil)), http.StatusUnauthorized)
}

func TestDealLedgerErrors(t *testing.T) {
	h, _ := newHarness(t)
	owner := newParticipant(t)
	d := newDeal(t, owner)

	// Never published.
	expectStatus(t, join(h, d, owner), http.StatusNotFound)
	expectStatus(t, h.get(d.room()), http.StatusNotFound)

	broken := newHarnessWith(t, failingLedger{})
	expectStatus(t, join(broken, d, owner), http.StatusBadGateway)

	garbage := ledger.NewMemoryLedger()
	garbage.SetAccount(d.address, []byte{1, 2, 3})
	g := newHarnessWith(t, garbage)
	expectStatus(t, join(g, d, owner), http.StatusBadGateway)
}

type failingLedger struct{}

func (failingLedger) AccountBytes(ctx context.Context, address string) ([]byte, error) {
	return nil, errors.New("rpc unavailable")
}

func TestDealGetReturnsSnapshot(t *testing.T) {
	h, d, owner, counterparty := readyDeal(t)

	resp := h.get(d.room())
	expectStatus(t, resp, http.StatusOK)
	var raw map[string]interface{}
	if err := json.Unmarshal(resp.Body, &raw); err != nil {
		t.Fatal(err)
	}
	if raw["owner"] != owner.address || raw["offeree"] != counterparty.address {
		t.Fatalf("unexpected snapshot %s", resp.Body)
	}
	if raw["staked"] != "5000" {
		t.Fatalf("expected u64 as decimal string, got %v", raw["staked"])
	}
	if _, ok := raw["ownerVotes"]; ok {
		t.Fatal("absent optional field should be omitted")
	}
}

func TestDealHashChain(t *testing.T) {
	h, d, owner, counterparty := readyDeal(t)

	ownerConn := partytest.NewConn(owner.address)
	cpConn := partytest.NewConn(counterparty.address)
	so, _ := h.reg.Join(d.room(), ownerConn)
	sc, _ := h.reg.Join(d.room(), cpConn)

	const n = 6
	for i := 0; i < n; i++ {
		if i%2 == 0 {
			so.Message(chatFrame(t, owner, fmt.Sprintf("iv%d.ct%d", i, i)))
		} else {
			sc.Message(chatFrame(t, counterparty, fmt.Sprintf("iv%d.ct%d", i, i)))
		}
	}
	h.flush(d.room())

	var last models.MessageEvent
	cpConn.Last(&last)
	if last.Message.Ciphertext != fmt.Sprintf("iv%d.ct%d", n-1, n-1) {
		t.Fatalf("unexpected last broadcast %+v", last)
	}

	verify := func(msgs []models.Message) {
		t.Helper()
		if len(msgs) != n {
			t.Fatalf("expected %d messages, got %d", n, len(msgs))
		}
		for i, m := range msgs {
			want, err := crypto.ChainHash(m.PrevHash, m.Ciphertext)
			if err != nil {
				t.Fatal(err)
			}
			if m.Hash != want {
				t.Fatalf("message %d hash mismatch", i)
			}
			if i == 0 && m.PrevHash != d.proposal {
				t.Fatalf("first message must link to proposal hash")
			}
			if i > 0 && m.PrevHash != msgs[i-1].Hash {
				t.Fatalf("message %d does not link to %d", i, i-1)
			}
			if m.DealID != d.address {
				t.Fatalf("unexpected deal id %s", m.DealID)
			}
		}
		if msgs[0].SenderAddress != owner.address || msgs[1].SenderAddress != counterparty.address {
			t.Fatal("sender must come from the connection identity")
		}
	}
	verify(messagesOf(t, h, d).Messages)

	chain := rooms.Chain{DealID: d.address, Messages: messagesOf(t, h, d).Messages}
	if err := chain.Verify(d.proposal); err != nil {
		t.Fatal(err)
	}

	// The log is reloaded in order after a restart.
	h.restart()
	verify(messagesOf(t, h, d).Messages)
}

func TestDealDropsForgedMessages(t *testing.T) {
	h, d, owner, counterparty := readyDeal(t)

	ownerConn := partytest.NewConn(owner.address)
	so, _ := h.reg.Join(d.room(), ownerConn)
	h.flush(d.room())
	before := ownerConn.Len()

	// Signed with the counterparty's key but sent on the owner's connection.
	so.Message(chatFrame(t, counterparty, "iv.forged"))
	// Garbage signature.
	so.Message([]byte(`{"type":"message","data":"iv.x","signature":"abc"}`))
	so.Message([]byte(`not json`))
	h.flush(d.room())

	if ownerConn.Len() != before {
		t.Fatal("dropped messages must not be broadcast")
	}
	if ownerConn.Closed() {
		t.Fatal("connection must stay open after an integrity failure")
	}
	if len(messagesOf(t, h, d).Messages) != 0 {
		t.Fatal("forged message was appended")
	}

	so.Message(chatFrame(t, owner, "iv.real"))
	h.flush(d.room())
	if len(messagesOf(t, h, d).Messages) != 1 {
		t.Fatal("valid message after a dropped one should append")
	}
}

func TestDealChatRequiresReady(t *testing.T) {
	h, l := newHarness(t)
	owner := newParticipant(t)
	d := newDeal(t, owner)
	d.publish(t, l)
	expectStatus(t, join(h, d, owner), http.StatusOK)

	conn := partytest.NewConn(owner.address)
	sess, _ := h.reg.Join(d.room(), conn)
	sess.Message(chatFrame(t, owner, "iv.early"))
	h.flush(d.room())

	if conn.Len() != 1 {
		t.Fatalf("expected only the standby frame, got %d frames", conn.Len())
	}
	if len(messagesOf(t, h, d).Messages) != 0 {
		t.Fatal("message appended before both sides joined")
	}
}

func TestDealGetMessagesRepliesToRequesterOnly(t *testing.T) {
	h, d, owner, counterparty := readyDeal(t)

	ownerConn := partytest.NewConn(owner.address)
	cpConn := partytest.NewConn(counterparty.address)
	so, _ := h.reg.Join(d.room(), ownerConn)
	h.reg.Join(d.room(), cpConn)
	h.flush(d.room())

	before := cpConn.Len()
	for i := 0; i < 3; i++ {
		so.Message([]byte(`{"type":"get_messages"}`))
	}
	h.flush(d.room())

	if cpConn.Len() != before {
		t.Fatal("get_messages must not reach other connections")
	}
	var init models.DealInit
	ownerConn.Last(&init)
	if init.ProposalHash != d.proposal || len(init.AuthorizedAddresses) != 2 {
		t.Fatalf("unexpected reply %+v", init)
	}
}

func TestDealConnectBroadcastsToAll(t *testing.T) {
	h, d, owner, counterparty := readyDeal(t)

	first := partytest.NewConn(owner.address)
	h.reg.Join(d.room(), first)
	h.flush(d.room())
	before := first.Len()

	h.reg.Join(d.room(), partytest.NewConn(counterparty.address))
	h.flush(d.room())

	if first.Len() != before+1 {
		t.Fatal("a new connection should resync every open connection")
	}
}

func TestChainRejectsBadLinks(t *testing.T) {
	_, seed := newKey(t)
	c := rooms.Chain{DealID: "d"}

	if _, err := c.Next("", "ct", "s", "sig", fixedTime); err == nil {
		t.Fatal("expected error without a seed")
	}

	m1, err := c.Next(seed, "ct1", "a", "sig", fixedTime)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Append(seed, m1); err != nil {
		t.Fatal(err)
	}
	if err := c.Append(seed, m1); !errors.Is(err, rooms.ErrChainBroken) {
		t.Fatalf("appending a stale entry should fail, got %v", err)
	}

	m2, _ := c.Next(seed, "ct2", "b", "sig", fixedTime)
	c.Append(seed, m2)
	if err := c.Verify(seed); err != nil {
		t.Fatal(err)
	}

	c.Messages[0].Ciphertext = strings.ToUpper(c.Messages[0].Ciphertext)
	if err := c.Verify(seed); !errors.Is(err, rooms.ErrChainBroken) {
		t.Fatalf("tampered log should not verify, got %v", err)
	}
}

func TestAuthorizedSetStates(t *testing.T) {
	var s rooms.AuthorizedSet
	if s.State() != rooms.DealEmpty {
		t.Fatal("expected EMPTY")
	}
	if _, _, err := s.Add(models.AuthorizedAddress{Address: "x"}); !errors.Is(err, party.ErrForbidden) {
		t.Fatalf("expected non-participant rejected, got %v", err)
	}
	s.Add(models.AuthorizedAddress{Address: "o", IsOwner: true})
	if s.State() != rooms.DealPartial {
		t.Fatal("expected PARTIAL")
	}
	if _, added, _ := s.Add(models.AuthorizedAddress{Address: "o", IsOwner: true}); added {
		t.Fatal("duplicate add should be a no-op")
	}
	if _, _, err := s.Add(models.AuthorizedAddress{Address: "o2", IsOwner: true}); err == nil {
		t.Fatal("a second owner must be rejected")
	}
	s.Add(models.AuthorizedAddress{Address: "c", IsCounterparty: true})
	if s.State() != rooms.DealReady || len(s) != 2 {
		t.Fatalf("expected READY with 2 entries, got %s with %d", s.State(), len(s))
	}
}
