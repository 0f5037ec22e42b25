package rooms_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/questrelay/internal/crypto"
	"github.com/eldtechnologies/questrelay/internal/ledger"
	"github.com/eldtechnologies/questrelay/internal/models"
	"github.com/eldtechnologies/questrelay/internal/party"
	"github.com/eldtechnologies/questrelay/internal/rooms"
	"github.com/eldtechnologies/questrelay/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	t       *testing.T
	backend store.Backend
	ledger  ledger.Reader
	clock   *fakeClock
	reg     *party.Registry
}

func newHarness(t *testing.T) (*harness, *ledger.MemoryLedger) {
	t.Helper()
	l := ledger.NewMemoryLedger()
	return newHarnessWith(t, l), l
}

func newHarnessWith(t *testing.T, reader ledger.Reader) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		backend: store.NewMemoryStore(),
		ledger:  reader,
		clock:   &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	h.start()
	t.Cleanup(func() { h.reg.Close() })
	return h
}

func (h *harness) start() {
	h.reg = party.NewRegistry(h.backend, zerolog.Nop(), party.Options{Clock: h.clock.Now})
	rooms.Register(h.reg, rooms.Deps{
		Ledger:             h.ledger,
		LedgerTimeout:      time.Second,
		CheckDiscriminator: true,
	})
}

// restart drops every live room and reloads from the same storage.
func (h *harness) restart() {
	h.reg.Close()
	h.start()
}

func (h *harness) do(roomID string, req *party.Request) *party.Response {
	h.t.Helper()
	resp, err := h.reg.Fetch(context.Background(), roomID, req)
	if err != nil {
		h.t.Fatalf("fetch %s: %v", roomID, err)
	}
	return resp
}

func (h *harness) get(roomID string) *party.Response {
	h.t.Helper()
	return h.do(roomID, party.NewRequest(http.MethodGet, nil))
}

func (h *harness) postJSON(roomID string, v interface{}) *party.Response {
	h.t.Helper()
	req, err := party.NewJSONRequest(http.MethodPost, v)
	if err != nil {
		h.t.Fatal(err)
	}
	return h.do(roomID, req)
}

func (h *harness) flush(roomIDs ...string) {
	h.t.Helper()
	for _, id := range roomIDs {
		if err := h.reg.Flush(context.Background(), id); err != nil {
			h.t.Fatalf("flush %s: %v", id, err)
		}
	}
}

func (h *harness) presence() []string {
	h.t.Helper()
	var set []string
	if err := h.get(rooms.PresenceRoom).Decode(&set); err != nil {
		h.t.Fatal(err)
	}
	return set
}

func expectStatus(t *testing.T, resp *party.Response, want int) {
	t.Helper()
	if resp.Status != want {
		t.Fatalf("expected status %d, got %d: %s", want, resp.Status, resp.Body)
	}
}

func newKey(t *testing.T) (ed25519.PrivateKey, string) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	return priv, crypto.EncodeBase58(pub)
}

// participant is a wallet with a registered session key and a per-deal key.
type participant struct {
	wallet         ed25519.PrivateKey
	address        string
	session        ed25519.PrivateKey
	sessionAddress string
	deal           ed25519.PrivateKey
	dealAddress    string
	encryption     string
}

func newParticipant(t *testing.T) participant {
	t.Helper()
	p := participant{}
	p.wallet, p.address = newKey(t)
	p.session, p.sessionAddress = newKey(t)
	p.deal, p.dealAddress = newKey(t)
	_, p.encryption = newKey(t)
	return p
}

func (p participant) details() models.UserDetails {
	sessionPub := p.session.Public().(ed25519.PublicKey)
	return models.UserDetails{
		SessionAddress: p.sessionAddress,
		Signature:      crypto.Sign(p.wallet, sessionPub),
	}
}
