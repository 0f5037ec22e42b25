package rooms_test

import (
	"net/http"
	"testing"

	"github.com/eldtechnologies/questrelay/internal/crypto"
	"github.com/eldtechnologies/questrelay/internal/models"
	"github.com/eldtechnologies/questrelay/internal/party"
	"github.com/eldtechnologies/questrelay/internal/party/partytest"
)

func TestUserInfoRegisterAndGet(t *testing.T) {
	h, _ := newHarness(t)
	p := newParticipant(t)
	room := "userinfo_" + p.address

	expectStatus(t, h.get(room), http.StatusNotFound)

	d := p.details()
	d.NotifAddress = p.encryption
	resp := h.postJSON(room, d)
	expectStatus(t, resp, http.StatusOK)

	var got models.UserDetails
	if err := h.get(room).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.SessionAddress != p.sessionAddress || got.NotifAddress != p.encryption {
		t.Fatalf("unexpected details %+v", got)
	}
	if got.AvailableStart != models.DefaultAvailableStart || got.AvailableEnd != models.DefaultAvailableEnd {
		t.Fatalf("expected default availability, got %q-%q", got.AvailableStart, got.AvailableEnd)
	}

	// Survives a restart.
	h.restart()
	if err := h.get(room).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.SessionAddress != p.sessionAddress {
		t.Fatal("registration not reloaded from storage")
	}
}

func TestUserInfoRejectsWrongSigner(t *testing.T) {
	h, _ := newHarness(t)
	p := newParticipant(t)
	attacker := newParticipant(t)

	// Session signed by the attacker's wallet, posted to the victim's room.
	d := attacker.details()
	expectStatus(t, h.postJSON("userinfo_"+p.address, d), http.StatusForbidden)
	expectStatus(t, h.get("userinfo_"+p.address), http.StatusNotFound)
}

func TestUserInfoValidation(t *testing.T) {
	h, _ := newHarness(t)
	p := newParticipant(t)
	room := "userinfo_" + p.address

	expectStatus(t, h.postJSON(room, models.UserDetails{SessionAddress: p.sessionAddress}), http.StatusBadRequest)
	expectStatus(t, h.do(room, party.NewRequest(http.MethodPost, []byte("{"))), http.StatusBadRequest)

	d := p.details()
	d.SessionAddress = "not-base58-0OIl"
	expectStatus(t, h.postJSON(room, d), http.StatusBadRequest)
}

func TestUserInfoRefusesConnections(t *testing.T) {
	h, _ := newHarness(t)
	conn := partytest.NewConn("")
	if _, err := h.reg.Join("userinfo_x", conn); err != nil {
		t.Fatal(err)
	}
	h.flush("userinfo_x")
	if !conn.Closed() {
		t.Fatal("expected userinfo to close connections")
	}
}

func signedQuest(t *testing.T, title, description, reward string) (models.QuestDetails, string) {
	t.Helper()
	priv, id := newKey(t)
	d := models.QuestDetails{ID: id, Title: title, Description: description, Reward: reward}
	d.Signature = crypto.Sign(priv, []byte(id+title+description+reward))
	return d, crypto.ContentKey(id, title, description, reward)
}

func TestQuestInfoContentAddressed(t *testing.T) {
	h, _ := newHarness(t)
	d, key := signedQuest(t, "Fix my bike", "Rear wheel wobbles", "0.5 SOL")
	room := "questinfo_" + d.ID

	expectStatus(t, h.get(room), http.StatusNotFound)

	var rec models.QuestRecord
	resp := h.postJSON(room, d)
	expectStatus(t, resp, http.StatusOK)
	if err := resp.Decode(&rec); err != nil {
		t.Fatal(err)
	}
	if rec.Key != key {
		t.Fatalf("expected content key %s, got %s", key, rec.Key)
	}

	// Idempotent.
	resp = h.postJSON(room, d)
	expectStatus(t, resp, http.StatusOK)
	resp.Decode(&rec)
	if rec.Key != key {
		t.Fatal("re-posting identical content changed the key")
	}

	if err := h.get(room).Decode(&rec); err != nil {
		t.Fatal(err)
	}
	if rec.Details.Title != "Fix my bike" {
		t.Fatalf("unexpected latest %+v", rec)
	}

	req := party.NewRequest(http.MethodGet, nil)
	req.Query.Set("hash", key)
	expectStatus(t, h.do(room, req), http.StatusOK)

	req = party.NewRequest(http.MethodGet, nil)
	req.Query.Set("hash", "unknown")
	expectStatus(t, h.do(room, req), http.StatusNotFound)
}

func TestQuestInfoKeepsVersions(t *testing.T) {
	h, _ := newHarness(t)
	priv, id := newKey(t)
	room := "questinfo_" + id

	post := func(title string) string {
		d := models.QuestDetails{ID: id, Title: title, Description: "d", Reward: "1"}
		d.Signature = crypto.Sign(priv, []byte(id+title+"d"+"1"))
		resp := h.postJSON(room, d)
		expectStatus(t, resp, http.StatusOK)
		var rec models.QuestRecord
		resp.Decode(&rec)
		return rec.Key
	}
	first := post("v1")
	post("v2")

	h.restart()

	var rec models.QuestRecord
	h.get(room).Decode(&rec)
	if rec.Details.Title != "v2" {
		t.Fatalf("expected latest v2, got %q", rec.Details.Title)
	}
	req := party.NewRequest(http.MethodGet, nil)
	req.Query.Set("hash", first)
	h.do(room, req).Decode(&rec)
	if rec.Details.Title != "v1" {
		t.Fatalf("expected v1 by hash, got %q", rec.Details.Title)
	}
}

func TestQuestInfoRejectsForgery(t *testing.T) {
	h, _ := newHarness(t)
	d, _ := signedQuest(t, "title", "desc", "reward")
	room := "questinfo_" + d.ID

	tampered := d
	tampered.Reward = "1000 SOL"
	expectStatus(t, h.postJSON(room, tampered), http.StatusForbidden)

	// Record id must match the room.
	other, _ := signedQuest(t, "title", "desc", "reward")
	expectStatus(t, h.postJSON(room, other), http.StatusBadRequest)

	missing := d
	missing.Signature = ""
	expectStatus(t, h.postJSON(room, missing), http.StatusBadRequest)

	expectStatus(t, h.get(room), http.StatusNotFound)
}

func TestUnknownRolesAreForbidden(t *testing.T) {
	h, _ := newHarness(t)
	for _, id := range []string{"core_x", "chat_x", "nothing"} {
		expectStatus(t, h.get(id), http.StatusForbidden)
	}
}
