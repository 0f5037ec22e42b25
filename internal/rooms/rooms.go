// Package rooms implements the room roles: user and quest directories,
// presence, per-user mailboxes and deal rooms.
package rooms

import (
	"context"
	"net/http"
	"time"

	"github.com/eldtechnologies/questrelay/internal/ledger"
	"github.com/eldtechnologies/questrelay/internal/party"
)

// Room roles.
const (
	RoleUserInfo  = "userinfo"
	RoleQuestInfo = "questinfo"
	RolePresence  = "presence"
	RoleUser      = "user"
	RoleQuest     = "quest"
	RoleCore      = "core"
)

// PresenceRoom is the canonical presence singleton.
const PresenceRoom = RolePresence + party.Separator + "main"

// Headers set by the auth gate after verification. Client-supplied copies are stripped.
const (
	HeaderUserAddress    = "X-User-Address"
	HeaderUserNotifKey   = "X-User-Notif-Key"
	HeaderMessageType    = "X-Message-Type"
	HeaderDealSession    = "X-Deal-Session"
	HeaderDealEncryption = "X-Deal-Encryption"
)

// HeartbeatTimeout is how long a user stays online without a heartbeat.
const HeartbeatTimeout = 10 * time.Second

// Deps are the collaborators injected into rooms.
type Deps struct {
	Ledger             ledger.Reader
	LedgerTimeout      time.Duration
	CheckDiscriminator bool
}

// Register installs the dispatch table on reg. Unknown roles and core get
// a room that refuses everything.
func Register(reg *party.Registry, deps Deps) {
	if deps.LedgerTimeout <= 0 {
		deps.LedgerTimeout = 5 * time.Second
	}
	reg.Handle(RoleUserInfo, NewUserInfo)
	reg.Handle(RoleQuestInfo, NewQuestInfo)
	reg.Handle(RolePresence, NewPresence)
	reg.Handle(RoleUser, NewUser)
	reg.Handle(RoleQuest, func(env *party.Env) party.Room {
		return NewDeal(env, deps)
	})
	reg.Default(NewForbidden)
}

// Forbidden answers 403 to every request and connection.
type Forbidden struct {
	party.BaseRoom
}

func NewForbidden(env *party.Env) party.Room {
	return Forbidden{}
}

func (Forbidden) OnRequest(ctx context.Context, req *party.Request) *party.Response {
	return party.Error(http.StatusForbidden, "access denied")
}

func (Forbidden) Admit(ctx context.Context, identity string) error {
	return party.ErrForbidden
}

func (Forbidden) OnConnect(ctx context.Context, conn party.Conn) {
	conn.Close()
}

func accessDenied() *party.Response {
	return party.Error(http.StatusForbidden, "access denied")
}
