package rooms

import (
	"context"
	"fmt"
	"net/http"

	"github.com/eldtechnologies/questrelay/internal/crypto"
	"github.com/eldtechnologies/questrelay/internal/models"
	"github.com/eldtechnologies/questrelay/internal/party"
)

const userDetailsKey = "details"

// UserInfo holds the session registration of one wallet, keyed by the
// wallet address.
type UserInfo struct {
	party.BaseRoom
	env     *party.Env
	details *models.UserDetails
}

func NewUserInfo(env *party.Env) party.Room {
	return &UserInfo{env: env}
}

func (r *UserInfo) OnStart(ctx context.Context) error {
	var d models.UserDetails
	ok, err := r.env.Storage.Get(ctx, userDetailsKey, &d)
	if err != nil {
		return err
	}
	if ok {
		r.details = &d
	}
	return nil
}

func (r *UserInfo) OnConnect(ctx context.Context, conn party.Conn) {
	conn.Close()
}

func (r *UserInfo) OnRequest(ctx context.Context, req *party.Request) *party.Response {
	switch req.Method {
	case http.MethodGet:
		if r.details == nil {
			return party.Error(http.StatusNotFound, "user not found")
		}
		return party.JSON(http.StatusOK, r.details)
	case http.MethodPost:
		d, err := r.register(ctx, req)
		if err != nil {
			return party.Fail(err)
		}
		return party.JSON(http.StatusOK, d)
	}
	return accessDenied()
}

// register replaces the session. The session public key must be signed by
// the wallet in the room key, so a leaked session key cannot rotate itself.
func (r *UserInfo) register(ctx context.Context, req *party.Request) (*models.UserDetails, error) {
	var d models.UserDetails
	if err := req.Decode(&d); err != nil {
		return nil, err
	}
	if d.SessionAddress == "" || d.Signature == "" {
		return nil, fmt.Errorf("%w: missing required fields", party.ErrInvalid)
	}
	if d.AvailableStart == "" {
		d.AvailableStart = models.DefaultAvailableStart
	}
	if d.AvailableEnd == "" {
		d.AvailableEnd = models.DefaultAvailableEnd
	}

	wallet, err := crypto.ValidatePublicKey(r.env.Key)
	if err != nil {
		return nil, fmt.Errorf("%w: wallet address: %v", party.ErrInvalid, err)
	}
	session, err := crypto.ValidatePublicKey(d.SessionAddress)
	if err != nil {
		return nil, fmt.Errorf("%w: session address: %v", party.ErrInvalid, err)
	}
	if d.NotifAddress != "" {
		if _, err := crypto.ValidatePublicKey(d.NotifAddress); err != nil {
			return nil, fmt.Errorf("%w: notification address: %v", party.ErrInvalid, err)
		}
	}
	if err := crypto.VerifySignature(wallet, session, d.Signature); err != nil {
		return nil, fmt.Errorf("%w: session not signed by wallet", party.ErrForbidden)
	}

	if err := r.env.Storage.Put(ctx, userDetailsKey, d); err != nil {
		return nil, err
	}
	r.details = &d
	r.env.Log.Info().Str("session", d.SessionAddress).Msg("session registered")
	return &d, nil
}
