package api

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/questrelay/internal/api/middleware"
	"github.com/eldtechnologies/questrelay/internal/crypto"
	"github.com/eldtechnologies/questrelay/internal/handlers"
	"github.com/eldtechnologies/questrelay/internal/ledger"
	"github.com/eldtechnologies/questrelay/internal/models"
	"github.com/eldtechnologies/questrelay/internal/party"
	"github.com/eldtechnologies/questrelay/internal/rooms"
	"github.com/eldtechnologies/questrelay/internal/store"
	"github.com/eldtechnologies/questrelay/internal/sweep"
)

type testServer struct {
	*httptest.Server
	reg    *party.Registry
	ledger *ledger.MemoryLedger
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	backend := store.NewMemoryStore()
	reg := party.NewRegistry(backend, zerolog.Nop(), party.Options{})
	t.Cleanup(reg.Close)

	l := ledger.NewMemoryLedger()
	rooms.Register(reg, rooms.Deps{Ledger: l, LedgerTimeout: time.Second, CheckDiscriminator: true})

	rc := &rooms.Reconciler{Parties: reg, Log: zerolog.Nop()}
	sched, err := sweep.New("", rc.Run, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	h := handlers.NewHandler(handlers.Options{
		Backend:    backend,
		Driver:     "memory",
		Parties:    reg,
		Sweeper:    sched,
		AdminToken: "admin-secret",
		Logger:     zerolog.Nop(),
	})
	gate := middleware.NewGate(reg, zerolog.Nop(), middleware.GateConfig{MaxAge: time.Minute})
	counter := middleware.NewLocalCounter(0)
	t.Cleanup(counter.Close)
	limiter := middleware.NewRateLimiter(counter, zerolog.Nop(), middleware.RateLimiterConfig{})

	srv := httptest.NewServer(NewRouter(zerolog.Nop(), h, gate, limiter))
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, reg: reg, ledger: l}
}

func (s *testServer) do(t *testing.T, method, roomID string, body []byte, header http.Header) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, s.URL+"/parties/main/"+roomID, bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

func (s *testServer) dial(t *testing.T, roomID, token string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	u := "ws" + strings.TrimPrefix(s.URL, "http") + "/parties/main/" + roomID
	if token != "" {
		u += "?token=" + token
	}
	ws, resp, err := websocket.DefaultDialer.Dial(u, nil)
	if ws != nil {
		t.Cleanup(func() { ws.Close() })
	}
	return ws, resp, err
}

// user is a wallet with a registered session key.
type user struct {
	wallet  ed25519.PrivateKey
	address string
	session ed25519.PrivateKey
	notif   string
}

func newKey(t *testing.T) (ed25519.PrivateKey, string) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	return priv, crypto.EncodeBase58(pub)
}

func (s *testServer) register(t *testing.T) user {
	t.Helper()
	u := user{}
	u.wallet, u.address = newKey(t)
	u.session, _ = newKey(t)
	_, u.notif = newKey(t)

	sessionPub := u.session.Public().(ed25519.PublicKey)
	body, _ := json.Marshal(models.UserDetails{
		SessionAddress: crypto.EncodeBase58(sessionPub),
		NotifAddress:   u.notif,
		Signature:      crypto.Sign(u.wallet, sessionPub),
	})
	resp, data := s.do(t, http.MethodPost, "userinfo_"+u.address, body, http.Header{"Content-Type": {"application/json"}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("register: %d %s", resp.StatusCode, data)
	}
	return u
}

// connectToken is "message.signature".
func (u user) connectToken(at time.Time) string {
	return crypto.NewAccessToken(u.session, crypto.AccessMessage(at, "n0nce"))
}

// httpToken is "address.message.signature".
func (u user) httpToken(at time.Time) string {
	return u.address + "." + u.connectToken(at)
}

func TestOptionsAnsweredByGate(t *testing.T) {
	s := newTestServer(t)
	resp, _ := s.do(t, http.MethodOptions, "user_anyone", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Fatal("missing CORS origin header")
	}
	if got := resp.Header.Get("Access-Control-Allow-Headers"); got != "Content-Type, Authorization, X-Message-Type" {
		t.Fatalf("unexpected allow headers %q", got)
	}
}

func TestForbiddenRoles(t *testing.T) {
	s := newTestServer(t)
	for _, id := range []string{"core_x", "chat_room", "bare"} {
		resp, _ := s.do(t, http.MethodGet, id, nil, nil)
		if resp.StatusCode != http.StatusForbidden {
			t.Fatalf("%s: expected 403, got %d", id, resp.StatusCode)
		}
	}
	if _, resp, err := s.dial(t, "userinfo_x", ""); err == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatal("expected userinfo connections to be refused")
	}
}

func TestPresenceRejectsExternalUpdates(t *testing.T) {
	s := newTestServer(t)
	host := s.register(t)

	ws, _, err := s.dial(t, "user_"+host.address, host.connectToken(time.Now()))
	if err != nil {
		t.Fatal(err)
	}
	defer ws.Close()

	online := func() string {
		_, data := s.do(t, http.MethodGet, rooms.PresenceRoom, nil, nil)
		return string(data)
	}
	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(online(), host.address) {
		if time.Now().After(deadline) {
			t.Fatal("host never came online")
		}
		time.Sleep(25 * time.Millisecond)
	}

	body := []byte(`[{"type":"disconnect","address":"` + host.address + `"},{"type":"connect","address":"ghost"}]`)
	resp, data := s.do(t, http.MethodPost, rooms.PresenceRoom, body, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for unauthenticated presence update, got %d %s", resp.StatusCode, data)
	}

	set := online()
	if !strings.Contains(set, host.address) || strings.Contains(set, "ghost") {
		t.Fatalf("presence changed by external update: %s", set)
	}
}

func TestNotificationThroughGate(t *testing.T) {
	s := newTestServer(t)
	host := s.register(t)
	visitor := s.register(t)

	ws, _, err := s.dial(t, "user_"+host.address, host.connectToken(time.Now()))
	if err != nil {
		t.Fatal(err)
	}
	var mailbox models.NotificationsEvent
	if err := ws.ReadJSON(&mailbox); err != nil {
		t.Fatal(err)
	}
	if mailbox.Type != models.FrameNotifications {
		t.Fatalf("unexpected first frame %+v", mailbox)
	}

	header := http.Header{
		"Authorization":  {visitor.httpToken(time.Now())},
		"X-Message-Type": {"proposal"},
		// Forged identity headers are stripped by the gate.
		"X-User-Address":   {"impostor"},
		"X-User-Notif-Key": {"impostor-key"},
	}
	resp, data := s.do(t, http.MethodPost, "user_"+host.address, []byte("iv.ciphertext"), header)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("deliver: %d %s", resp.StatusCode, data)
	}

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var pushed models.NotificationEvent
	if err := ws.ReadJSON(&pushed); err != nil {
		t.Fatal(err)
	}
	n := pushed.Notification
	if n.VisitorAddress != visitor.address || n.VisitorNotifKey != visitor.notif || n.EncryptedPayload != "iv.ciphertext" {
		t.Fatalf("unexpected notification %+v", n)
	}

	// Connecting announced the host.
	resp, data = s.do(t, http.MethodGet, rooms.PresenceRoom, nil, nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(data), host.address) {
		t.Fatalf("expected host online, got %s", data)
	}
}

func TestGateRejectsBadTokens(t *testing.T) {
	s := newTestServer(t)
	host := s.register(t)
	visitor := s.register(t)
	stranger := user{}
	stranger.wallet, stranger.address = newKey(t)
	stranger.session, _ = newKey(t)

	cases := map[string]string{
		"missing":      "",
		"malformed":    "not-a-token",
		"stale":        visitor.httpToken(time.Now().Add(-2 * time.Minute)),
		"future":       visitor.httpToken(time.Now().Add(time.Minute)),
		"unregistered": stranger.httpToken(time.Now()),
		// Visitor's address with a token signed by another session key.
		"wrong key": visitor.address + "." + host.connectToken(time.Now()),
	}
	for name, token := range cases {
		header := http.Header{"X-Message-Type": {"proposal"}}
		if token != "" {
			header.Set("Authorization", token)
		}
		resp, _ := s.do(t, http.MethodPost, "user_"+host.address, []byte("payload"), header)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", name, resp.StatusCode)
		}
	}

	// Connection tokens are checked against the room's own address.
	if _, resp, err := s.dial(t, "user_"+host.address, visitor.connectToken(time.Now())); err == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatal("expected connection with another user's token to be refused")
	}
}

func TestDealJoinThroughGate(t *testing.T) {
	s := newTestServer(t)
	owner := s.register(t)
	taker := s.register(t)

	_, dealAddr := newKey(t)
	_, details := newKey(t)
	_, id := newKey(t)
	_, proposal := newKey(t)
	accepted := uint64(1700000100)
	data, err := ledger.EncodeDeal(&ledger.DealSnapshot{
		Discriminator:       ledger.Discriminator("Quest"),
		Owner:               owner.address,
		DetailsHash:         details,
		ID:                  id,
		AcceptedTimestamp:   &accepted,
		Offeree:             taker.address,
		OffereeProposalHash: proposal,
	})
	if err != nil {
		t.Fatal(err)
	}
	s.ledger.SetAccount(dealAddr, data)
	room := "quest_" + dealAddr

	// Connecting before joining is refused.
	if _, resp, err := s.dial(t, room, owner.httpToken(time.Now())); err == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatal("expected connection before join to be refused")
	}

	join := func(u user) {
		t.Helper()
		dealKey, _ := newKey(t)
		_, enc := newKey(t)
		msg := crypto.JoinMessage(dealKey, enc)
		token := u.address + "." + crypto.NewAccessToken(u.session, msg)
		resp, body := s.do(t, http.MethodPost, room, nil, http.Header{"Authorization": {token}})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("join: %d %s", resp.StatusCode, body)
		}
		var rec models.AuthorizedAddress
		json.Unmarshal(body, &rec)
		if rec.Address != u.address || rec.EncryptionAddress != enc {
			t.Fatalf("unexpected record %+v", rec)
		}
	}
	join(owner)
	join(taker)

	ws, _, err := s.dial(t, room, owner.httpToken(time.Now()))
	if err != nil {
		t.Fatal(err)
	}
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var init models.DealInit
	if err := ws.ReadJSON(&init); err != nil {
		t.Fatal(err)
	}
	if len(init.AuthorizedAddresses) != 2 || init.ProposalHash != proposal {
		t.Fatalf("unexpected init %+v", init)
	}

	resp, body := s.do(t, http.MethodGet, room, nil, nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"owner":"`+owner.address+`"`) {
		t.Fatalf("unexpected snapshot %d %s", resp.StatusCode, body)
	}
}

func TestServiceEndpoints(t *testing.T) {
	s := newTestServer(t)

	for _, path := range []string{"/health", "/api", "/stats", "/metrics"} {
		resp, err := http.Get(s.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, resp.StatusCode)
		}
	}

	resp, err := http.Post(s.URL+"/internal/sweep", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without admin token, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodPost, s.URL+"/internal/sweep", nil)
	req.Header.Set("Authorization", "Bearer admin-secret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var res rooms.SweepResult
	json.NewDecoder(resp.Body).Decode(&res)
	if resp.StatusCode != http.StatusOK || res.Checked != 0 {
		t.Fatalf("unexpected sweep %d %+v", resp.StatusCode, res)
	}
}

func TestSuspiciousPathsRejected(t *testing.T) {
	s := newTestServer(t)
	resp, err := http.Get(s.URL + "/parties/main/user_x?q=<script>")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestRateLimitByRole(t *testing.T) {
	s := newTestServer(t)
	var last int
	for i := 0; i < 11; i++ {
		resp, _ := s.do(t, http.MethodPost, "userinfo_x", []byte("{}"), nil)
		last = resp.StatusCode
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after the hourly budget, got %d", last)
	}

	// Other roles have their own budget.
	resp, _ := s.do(t, http.MethodGet, rooms.PresenceRoom, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected presence unaffected, got %d", resp.StatusCode)
	}
}
