package rooms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/eldtechnologies/questrelay/internal/crypto"
	"github.com/eldtechnologies/questrelay/internal/ledger"
	"github.com/eldtechnologies/questrelay/internal/metrics"
	"github.com/eldtechnologies/questrelay/internal/models"
	"github.com/eldtechnologies/questrelay/internal/party"
)

const (
	dealSnapshotKey   = "snapshot"
	dealAuthorizedKey = "authorized"
	dealMessagePrefix = "msg_"
)

// Deal is the room for one on-ledger deal, keyed by the deal account address.
// Participants join over HTTP, then chat over a hash-chained log.
type Deal struct {
	party.BaseRoom
	env  *party.Env
	deps Deps

	snapshot   *ledger.DealSnapshot
	authorized AuthorizedSet
	chain      Chain
}

func NewDeal(env *party.Env, deps Deps) *Deal {
	return &Deal{
		env:   env,
		deps:  deps,
		chain: Chain{DealID: env.Key},
	}
}

func (r *Deal) OnStart(ctx context.Context) error {
	var snap ledger.DealSnapshot
	ok, err := r.env.Storage.Get(ctx, dealSnapshotKey, &snap)
	if err != nil {
		return err
	}
	if ok {
		r.snapshot = &snap
	}

	if _, err := r.env.Storage.Get(ctx, dealAuthorizedKey, &r.authorized); err != nil {
		r.authorized = nil
		return err
	}

	raw, err := r.env.Storage.List(ctx, dealMessagePrefix)
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	msgs := make([]models.Message, 0, len(keys))
	for _, k := range keys {
		var m models.Message
		if err := json.Unmarshal(raw[k], &m); err != nil {
			return fmt.Errorf("decode %s: %w", k, err)
		}
		msgs = append(msgs, m)
	}
	r.chain.Messages = msgs

	if err := r.chain.Verify(r.proposalHash()); err != nil {
		r.env.Log.Error().Err(err).Int("messages", len(msgs)).Msg("stored chain does not verify")
	}
	return nil
}

func (r *Deal) proposalHash() string {
	if r.snapshot == nil {
		return ""
	}
	return r.snapshot.ProposalHash()
}

// State reports the join state.
func (r *Deal) State() DealState {
	return r.authorized.State()
}

// loadSnapshot returns the cached snapshot, reading the ledger when there is
// none or when refresh is set.
func (r *Deal) loadSnapshot(ctx context.Context, refresh bool) (*ledger.DealSnapshot, error) {
	if r.snapshot != nil && !refresh {
		return r.snapshot, nil
	}
	if r.deps.Ledger == nil {
		return nil, fmt.Errorf("%w: no ledger configured", party.ErrUpstream)
	}

	ctx, cancel := context.WithTimeout(ctx, r.deps.LedgerTimeout)
	defer cancel()

	data, err := r.deps.Ledger.AccountBytes(ctx, r.env.Key)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		return nil, fmt.Errorf("%w: deal %s", party.ErrNotFound, r.env.Key)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", party.ErrUpstream, err)
	}
	snap, err := ledger.DecodeDeal(data, r.deps.CheckDiscriminator)
	if err != nil {
		return nil, fmt.Errorf("%w: decode deal account: %v", party.ErrUpstream, err)
	}

	if err := r.env.Storage.Put(ctx, dealSnapshotKey, snap); err != nil {
		r.env.Log.Error().Err(err).Msg("failed to persist deal snapshot")
	}
	r.snapshot = snap
	return snap, nil
}

// Admit lets only authorized participants open a connection.
func (r *Deal) Admit(ctx context.Context, identity string) error {
	if _, ok := r.authorized.Find(identity); !ok {
		return fmt.Errorf("%w: %s has not joined this deal", party.ErrForbidden, identity)
	}
	return nil
}

func (r *Deal) OnRequest(ctx context.Context, req *party.Request) *party.Response {
	switch req.Method {
	case http.MethodGet:
		snap, err := r.loadSnapshot(ctx, false)
		if err != nil {
			return party.Fail(err)
		}
		return party.JSON(http.StatusOK, snap)
	case http.MethodPost:
		rec, err := r.join(ctx, req)
		if err != nil {
			return party.Fail(err)
		}
		return party.JSON(http.StatusOK, rec)
	}
	return accessDenied()
}

func (r *Deal) join(ctx context.Context, req *party.Request) (*models.AuthorizedAddress, error) {
	address := req.Header.Get(HeaderUserAddress)
	session := req.Header.Get(HeaderDealSession)
	encryption := req.Header.Get(HeaderDealEncryption)
	if address == "" || session == "" || encryption == "" {
		metrics.DealJoins.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: join not authenticated", party.ErrUnauthorized)
	}

	if existing, ok := r.authorized.Find(address); ok {
		metrics.DealJoins.WithLabelValues("repeat").Inc()
		return &existing, nil
	}

	snap, err := r.loadSnapshot(ctx, false)
	if err != nil {
		metrics.DealJoins.WithLabelValues("error").Inc()
		return nil, err
	}
	isOwner, isCounterparty := snap.IsParticipant(address)
	if !isOwner && !isCounterparty && snap.Counterparty() == "" {
		// The deal may have been accepted since the snapshot was cached.
		if snap, err = r.loadSnapshot(ctx, true); err != nil {
			metrics.DealJoins.WithLabelValues("error").Inc()
			return nil, err
		}
		isOwner, isCounterparty = snap.IsParticipant(address)
	}
	if !isOwner && !isCounterparty {
		metrics.DealJoins.WithLabelValues("forbidden").Inc()
		r.env.Log.Warn().Str("type", "security").Str("address", address).Msg("join by non-participant")
		return nil, fmt.Errorf("%w: %s is not a participant", party.ErrForbidden, address)
	}

	next := append(AuthorizedSet(nil), r.authorized...)
	rec, _, err := next.Add(models.AuthorizedAddress{
		Address:           address,
		SessionAddress:    session,
		EncryptionAddress: encryption,
		IsOwner:           isOwner,
		IsCounterparty:    isCounterparty,
	})
	if err != nil {
		metrics.DealJoins.WithLabelValues("forbidden").Inc()
		return nil, err
	}
	if err := r.env.Storage.Put(ctx, dealAuthorizedKey, next); err != nil {
		metrics.DealJoins.WithLabelValues("error").Inc()
		return nil, err
	}
	r.authorized = next

	metrics.DealJoins.WithLabelValues("joined").Inc()
	r.env.Log.Info().
		Str("address", address).
		Bool("owner", isOwner).
		Str("state", r.State().String()).
		Msg("participant joined")
	return &rec, nil
}

func (r *Deal) init() models.DealInit {
	return models.DealInit{
		AuthorizedAddresses: append([]models.AuthorizedAddress{}, r.authorized...),
		ProposalHash:        r.proposalHash(),
		Messages:            r.chain.Snapshot(),
	}
}

// OnConnect resyncs every connection once both sides have joined.
func (r *Deal) OnConnect(ctx context.Context, conn party.Conn) {
	if r.State() == DealReady {
		r.env.Broadcast(r.init())
		return
	}
	if err := party.SendJSON(conn, models.Standby{Standby: true}); err != nil {
		r.env.Log.Debug().Err(err).Msg("failed to send standby")
	}
}

func (r *Deal) OnMessage(ctx context.Context, conn party.Conn, data []byte) {
	var f models.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		r.env.Log.Debug().Err(err).Msg("ignoring malformed frame")
		return
	}

	switch f.Type {
	case models.FrameMessage:
		if err := r.appendMessage(ctx, conn.Identity(), f); err != nil {
			if errors.Is(err, party.ErrIntegrity) {
				metrics.IntegrityDrops.Inc()
			}
			r.env.Log.Warn().Err(err).Str("sender", conn.Identity()).Msg("chat message dropped")
		}
	case models.FrameGetMessages:
		if err := party.SendJSON(conn, r.init()); err != nil {
			r.env.Log.Debug().Err(err).Msg("failed to send messages")
		}
	default:
		r.env.Log.Debug().Str("type", f.Type).Msg("ignoring unknown frame")
	}
}

// appendMessage verifies a chat frame against the sender's registered deal
// session key, links it to the chain, persists it and broadcasts it.
func (r *Deal) appendMessage(ctx context.Context, sender string, f models.Frame) error {
	if r.State() != DealReady {
		return fmt.Errorf("deal room not ready (%s)", r.State())
	}
	rec, ok := r.authorized.Find(sender)
	if !ok {
		return fmt.Errorf("%w: sender %s not authorized", party.ErrIntegrity, sender)
	}
	if f.Data == "" {
		return fmt.Errorf("%w: empty message", party.ErrInvalid)
	}
	if err := crypto.VerifyWithAddress(rec.SessionAddress, []byte(f.Data), f.Signature); err != nil {
		return fmt.Errorf("%w: %v", party.ErrIntegrity, err)
	}

	seed := r.proposalHash()
	entry, err := r.chain.Next(seed, f.Data, sender, f.Signature, r.env.Now())
	if err != nil {
		return err
	}
	key := fmt.Sprintf("%s%010d", dealMessagePrefix, len(r.chain.Messages))
	if err := r.env.Storage.Put(ctx, key, entry); err != nil {
		return err
	}
	if err := r.chain.Append(seed, entry); err != nil {
		return err
	}

	metrics.ChatMessagesAppended.Inc()
	r.env.Broadcast(models.MessageEvent{Message: entry})
	return nil
}
