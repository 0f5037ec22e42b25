// Package party hosts rooms: addressable, single-threaded actors that own
// their state, their WebSocket connections and their slice of storage.
//
// Every hook of a room runs on that room's worker goroutine, one at a time,
// in arrival order. Rooms reach each other only through a Dispatcher.
package party

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/questrelay/internal/store"
)

// Room is implemented by every role.
type Room interface {
	OnStart(ctx context.Context) error
	OnConnect(ctx context.Context, conn Conn)
	OnMessage(ctx context.Context, conn Conn, data []byte)
	OnRequest(ctx context.Context, req *Request) *Response
	OnClose(ctx context.Context, conn Conn)
	OnAlarm(ctx context.Context)
}

// Admitter is implemented by rooms that decide which identities may connect.
// Admit runs on the room's worker before the connection is upgraded.
type Admitter interface {
	Admit(ctx context.Context, identity string) error
}

// Factory builds a room for a freshly started actor.
type Factory func(env *Env) Room

// Dispatcher is the internal call surface between rooms.
type Dispatcher interface {
	// Fetch enqueues req on the target room and waits for its response.
	Fetch(ctx context.Context, roomID string, req *Request) (*Response, error)
	// Post enqueues req without waiting. Posts from one caller keep their order.
	Post(roomID string, req *Request) error
}

// BaseRoom provides no-op hooks.
type BaseRoom struct{}

func (BaseRoom) OnStart(ctx context.Context) error                 { return nil }
func (BaseRoom) OnConnect(ctx context.Context, conn Conn)          {}
func (BaseRoom) OnMessage(ctx context.Context, conn Conn, b []byte) {}
func (BaseRoom) OnClose(ctx context.Context, conn Conn)            {}
func (BaseRoom) OnAlarm(ctx context.Context)                       {}

func (BaseRoom) OnRequest(ctx context.Context, req *Request) *Response {
	return Error(http.StatusMethodNotAllowed, "method not allowed")
}

// Env is a room's handle on its surroundings. Only the room's own worker
// may touch it.
type Env struct {
	ID      string
	Role    string
	Key     string
	Storage *store.Storage
	Log     zerolog.Logger
	Parties Dispatcher

	clock func() time.Time
	conns map[string]Conn
	alarm *time.Timer
	reg   *Registry
}

// Now returns the registry clock.
func (e *Env) Now() time.Time {
	return e.clock()
}

// Connections returns the open connections ordered by id.
func (e *Env) Connections() []Conn {
	out := make([]Conn, 0, len(e.conns))
	for _, c := range e.conns {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// ConnectionsFor returns the open connections authenticated as identity.
func (e *Env) ConnectionsFor(identity string) []Conn {
	var out []Conn
	for _, c := range e.Connections() {
		if c.Identity() == identity {
			out = append(out, c)
		}
	}
	return out
}

// Broadcast sends v to every open connection except the listed ids.
func (e *Env) Broadcast(v interface{}, except ...string) {
	data, err := json.Marshal(v)
	if err != nil {
		e.Log.Error().Err(err).Msg("broadcast encode failed")
		return
	}
	skip := make(map[string]bool, len(except))
	for _, id := range except {
		skip[id] = true
	}
	for _, c := range e.Connections() {
		if skip[c.ID()] {
			continue
		}
		if err := c.Send(data); err != nil {
			e.Log.Debug().Err(err).Str("conn", c.ID()).Msg("broadcast send failed")
		}
	}
}

// SetAlarm schedules OnAlarm at t, replacing any pending alarm. The alarm
// fires on the room id, so it survives eviction of the current actor.
func (e *Env) SetAlarm(t time.Time) {
	e.ClearAlarm()
	d := t.Sub(e.Now())
	if d < 0 {
		d = 0
	}
	id := e.ID
	reg := e.reg
	e.alarm = time.AfterFunc(d, func() {
		err := reg.submit(id, func(ctx context.Context, a *actor) {
			a.room.OnAlarm(ctx)
		})
		if err != nil {
			reg.log.Debug().Err(err).Str("room", id).Msg("alarm dropped")
		}
	})
}

// ClearAlarm cancels a pending alarm.
func (e *Env) ClearAlarm() {
	if e.alarm != nil {
		e.alarm.Stop()
		e.alarm = nil
	}
}
