package rooms

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/eldtechnologies/questrelay/internal/metrics"
	"github.com/eldtechnologies/questrelay/internal/models"
	"github.com/eldtechnologies/questrelay/internal/party"
)

const presenceKeyPrefix = "user_"

// Presence is the canonical set of online addresses. Each member is stored
// as its own key so updates never rewrite the whole set.
type Presence struct {
	party.BaseRoom
	env         *party.Env
	connections map[string]struct{}
}

func NewPresence(env *party.Env) party.Room {
	return &Presence{env: env, connections: make(map[string]struct{})}
}

func (r *Presence) OnStart(ctx context.Context) error {
	keys, err := r.env.Storage.List(ctx, presenceKeyPrefix)
	if err != nil {
		return err
	}
	for k := range keys {
		r.connections[strings.TrimPrefix(k, presenceKeyPrefix)] = struct{}{}
	}
	metrics.PresenceOnline.Set(float64(len(r.connections)))
	return nil
}

// Addresses returns the set sorted.
func (r *Presence) Addresses() []string {
	out := make([]string, 0, len(r.connections))
	for a := range r.connections {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

func (r *Presence) OnConnect(ctx context.Context, conn party.Conn) {
	if err := party.SendJSON(conn, r.Addresses()); err != nil {
		r.env.Log.Debug().Err(err).Msg("failed to send presence set")
	}
}

func (r *Presence) OnRequest(ctx context.Context, req *party.Request) *party.Response {
	switch req.Method {
	case http.MethodGet:
		return party.JSON(http.StatusOK, r.Addresses())
	case http.MethodPost:
		var updates []models.PresenceUpdate
		if err := req.Decode(&updates); err != nil {
			return party.Fail(err)
		}
		if err := r.apply(ctx, updates); err != nil {
			return party.Fail(err)
		}
		return party.Text(http.StatusOK, "OK")
	}
	return accessDenied()
}

// apply validates the whole batch before touching state, persists each
// change, then broadcasts the resulting set if anything changed.
func (r *Presence) apply(ctx context.Context, updates []models.PresenceUpdate) error {
	for _, u := range updates {
		if u.Address == "" {
			return fmt.Errorf("%w: update without address", party.ErrInvalid)
		}
		if u.Type != models.PresenceConnect && u.Type != models.PresenceDisconnect {
			return fmt.Errorf("%w: unknown update type %q", party.ErrInvalid, u.Type)
		}
	}

	changed := false
	for _, u := range updates {
		_, present := r.connections[u.Address]
		switch u.Type {
		case models.PresenceConnect:
			if present {
				continue
			}
			if err := r.env.Storage.Put(ctx, presenceKeyPrefix+u.Address, ""); err != nil {
				return err
			}
			r.connections[u.Address] = struct{}{}
			changed = true
		case models.PresenceDisconnect:
			if !present {
				continue
			}
			if err := r.env.Storage.Delete(ctx, presenceKeyPrefix+u.Address); err != nil {
				return err
			}
			delete(r.connections, u.Address)
			changed = true
		}
	}

	if !changed {
		return nil
	}
	metrics.PresenceOnline.Set(float64(len(r.connections)))
	r.env.Broadcast(r.Addresses())
	return nil
}
