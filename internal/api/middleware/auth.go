package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/questrelay/internal/crypto"
	"github.com/eldtechnologies/questrelay/internal/metrics"
	"github.com/eldtechnologies/questrelay/internal/models"
	"github.com/eldtechnologies/questrelay/internal/party"
	"github.com/eldtechnologies/questrelay/internal/rooms"
)

type contextKey string

// IdentityContextKey holds the verified address of a connecting client.
const IdentityContextKey contextKey = "identity"

// Parties is the part of the room registry the gate needs.
type Parties interface {
	Fetch(ctx context.Context, roomID string, req *party.Request) (*party.Response, error)
	Admit(ctx context.Context, roomID, identity string) error
}

// GateConfig tunes token checks.
type GateConfig struct {
	// MaxAge rejects access messages older than this. Zero disables the check.
	MaxAge time.Duration
	// MaxSkew rejects access messages further than this in the future.
	MaxSkew time.Duration
	// FetchTimeout bounds the session key lookup.
	FetchTimeout time.Duration
	Now          func() time.Time
}

// Gate authenticates requests and connections before they reach a room.
// Rooms trust the identity headers it sets; client copies are always stripped.
type Gate struct {
	parties Parties
	cfg     GateConfig
	logger  zerolog.Logger
}

// NewGate creates the room auth gate.
func NewGate(parties Parties, logger zerolog.Logger, cfg GateConfig) *Gate {
	if cfg.MaxSkew <= 0 {
		cfg.MaxSkew = 30 * time.Second
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 5 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Gate{parties: parties, cfg: cfg, logger: logger}
}

// authError carries the metric label for a rejection.
type authError struct {
	kind string
	err  error
}

func (e *authError) Error() string { return e.err.Error() }
func (e *authError) Unwrap() error { return e.err }

func reject(kind string, err error) error {
	return &authError{kind: kind, err: err}
}

// Require runs the per-role checks for the room named by the roomID URL param.
func (g *Gate) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		SetCORSHeaders(w.Header())
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		StripIdentityHeaders(r.Header)
		roomID := chi.URLParam(r, "roomID")
		role, key := party.ParseRoomID(roomID)

		var err error
		if websocket.IsWebSocketUpgrade(r) {
			var identity string
			identity, err = g.beforeConnect(r.Context(), roomID, role, key, r)
			if err == nil {
				r = r.WithContext(context.WithValue(r.Context(), IdentityContextKey, identity))
			}
		} else {
			err = g.beforeRequest(r.Context(), role, r)
		}

		if err != nil {
			kind := "denied"
			var ae *authError
			if errors.As(err, &ae) {
				kind = ae.kind
			}
			metrics.AuthFailures.WithLabelValues(metricRole(role), kind).Inc()
			g.logger.Warn().
				Str("type", "security").
				Str("event", "auth_rejected").
				Str("room", roomID).
				Str("kind", kind).
				Str("ip", RealIP(r)).
				Err(err).
				Msg("room access rejected")
			jsonError(w, party.StatusFor(err), err.Error())
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (g *Gate) beforeRequest(ctx context.Context, role string, r *http.Request) error {
	switch role {
	case rooms.RoleUserInfo, rooms.RoleQuestInfo:
		return nil

	case rooms.RolePresence:
		// Updates come only from user rooms through the registry.
		if r.Method != http.MethodGet {
			return reject("role", fmt.Errorf("%w: presence is read-only", party.ErrForbidden))
		}
		return nil

	case rooms.RoleUser:
		if r.Method != http.MethodPost {
			return nil
		}
		address, message, sig, err := g.httpToken(r)
		if err != nil {
			return err
		}
		details, err := g.verify(ctx, address, message, sig, true)
		if err != nil {
			return err
		}
		r.Header.Set(rooms.HeaderUserAddress, address)
		r.Header.Set(rooms.HeaderUserNotifKey, details.NotifAddress)
		return nil

	case rooms.RoleQuest:
		if r.Method != http.MethodPost {
			return nil
		}
		address, message, sig, err := g.httpToken(r)
		if err != nil {
			return err
		}
		if _, err := g.verify(ctx, address, message, sig, false); err != nil {
			return err
		}
		join, err := crypto.ParseJoinMessage(message)
		if err != nil {
			return reject("join", fmt.Errorf("%w: invalid join token: %v", party.ErrUnauthorized, err))
		}
		r.Header.Set(rooms.HeaderUserAddress, address)
		r.Header.Set(rooms.HeaderDealSession, join.SessionAddress)
		r.Header.Set(rooms.HeaderDealEncryption, join.EncryptionAddress)
		return nil
	}
	return reject("role", fmt.Errorf("%w: access denied", party.ErrForbidden))
}

func (g *Gate) beforeConnect(ctx context.Context, roomID, role, key string, r *http.Request) (string, error) {
	token := r.URL.Query().Get("token")

	switch role {
	case rooms.RolePresence:
		return "", nil

	case rooms.RoleUser:
		message, sig, err := crypto.ParseConnectToken(token)
		if err != nil {
			return "", reject("malformed", fmt.Errorf("%w: %v", party.ErrUnauthorized, err))
		}
		if _, err := g.verify(ctx, key, message, sig, true); err != nil {
			return "", err
		}
		return key, nil

	case rooms.RoleQuest:
		address, message, sig, err := crypto.ParseHTTPToken(token)
		if err != nil {
			return "", reject("malformed", fmt.Errorf("%w: %v", party.ErrUnauthorized, err))
		}
		if _, err := g.verify(ctx, address, message, sig, true); err != nil {
			return "", err
		}
		if err := g.parties.Admit(ctx, roomID, address); err != nil {
			return "", reject("admission", err)
		}
		return address, nil
	}
	return "", reject("role", fmt.Errorf("%w: access denied", party.ErrForbidden))
}

func (g *Gate) httpToken(r *http.Request) (address, message, sig string, err error) {
	token := r.Header.Get("Authorization")
	if token == "" {
		return "", "", "", reject("missing", fmt.Errorf("%w: missing authorization", party.ErrUnauthorized))
	}
	address, message, sig, err = crypto.ParseHTTPToken(token)
	if err != nil {
		return "", "", "", reject("malformed", fmt.Errorf("%w: %v", party.ErrUnauthorized, err))
	}
	return address, message, sig, nil
}

// verify checks message against the session key registered for address.
func (g *Gate) verify(ctx context.Context, address, message, sig string, timed bool) (*models.UserDetails, error) {
	if timed {
		if err := g.checkFresh(message); err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, g.cfg.FetchTimeout)
	defer cancel()
	resp, err := g.parties.Fetch(ctx, party.RoomID(rooms.RoleUserInfo, address), party.NewRequest(http.MethodGet, nil))
	if err != nil {
		return nil, reject("lookup", err)
	}
	if resp.Status == http.StatusNotFound {
		return nil, reject("unregistered", fmt.Errorf("%w: no session registered for %s", party.ErrUnauthorized, address))
	}
	if !resp.OK() {
		return nil, reject("lookup", fmt.Errorf("%w: session lookup returned %d", party.ErrUpstream, resp.Status))
	}

	var details models.UserDetails
	if err := json.Unmarshal(resp.Body, &details); err != nil {
		return nil, reject("lookup", fmt.Errorf("%w: %v", party.ErrUpstream, err))
	}
	if err := crypto.VerifyWithAddress(details.SessionAddress, []byte(message), sig); err != nil {
		return nil, reject("signature", fmt.Errorf("%w: %v", party.ErrUnauthorized, err))
	}
	return &details, nil
}

func (g *Gate) checkFresh(message string) error {
	ts, err := crypto.MessageTime(message)
	if err != nil {
		return reject("malformed", fmt.Errorf("%w: %v", party.ErrUnauthorized, err))
	}
	now := g.cfg.Now()
	if ts.After(now.Add(g.cfg.MaxSkew)) {
		return reject("stale", fmt.Errorf("%w: token issued in the future", party.ErrUnauthorized))
	}
	if g.cfg.MaxAge > 0 && now.Sub(ts) > g.cfg.MaxAge {
		return reject("stale", fmt.Errorf("%w: token expired", party.ErrUnauthorized))
	}
	return nil
}

// IdentityFromContext returns the address verified for a connection.
func IdentityFromContext(ctx context.Context) string {
	id, _ := ctx.Value(IdentityContextKey).(string)
	return id
}

// StripIdentityHeaders removes headers only the gate may set.
func StripIdentityHeaders(h http.Header) {
	for name := range h {
		canon := strings.ToLower(name)
		if strings.HasPrefix(canon, "x-user-") || strings.HasPrefix(canon, "x-deal-") {
			delete(h, name)
		}
	}
}

// SetCORSHeaders writes the headers every room response carries.
func SetCORSHeaders(h http.Header) {
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Message-Type")
}

// metricRole bounds label cardinality to known roles.
func metricRole(role string) string {
	switch role {
	case rooms.RoleUserInfo, rooms.RoleQuestInfo, rooms.RolePresence, rooms.RoleUser, rooms.RoleQuest:
		return role
	}
	return "other"
}

func jsonError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
