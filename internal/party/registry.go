package party

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/questrelay/internal/metrics"
	"github.com/eldtechnologies/questrelay/internal/store"
)

// Separator splits a room id into role and key.
const Separator = "_"

var errStopped = errors.New("actor stopped")

// ParseRoomID splits id on the first separator. The role is lower-cased and trimmed.
func ParseRoomID(id string) (role, key string) {
	role, key, _ = strings.Cut(id, Separator)
	return strings.ToLower(strings.TrimSpace(role)), key
}

// RoomID joins a role and key.
func RoomID(role, key string) string {
	return role + Separator + key
}

// Options configures a Registry.
type Options struct {
	// IdleTimeout evicts rooms with no connections and no queued work. Zero disables eviction.
	IdleTimeout time.Duration
	// Clock overrides time.Now for rooms.
	Clock func() time.Time
}

// Registry owns the live actors, one per room id.
type Registry struct {
	backend store.Backend
	log     zerolog.Logger
	opts    Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	factories map[string]Factory
	fallback  Factory
	actors    map[string]*actor
	closed    bool
}

// NewRegistry creates a registry backed by the given storage.
func NewRegistry(backend store.Backend, log zerolog.Logger, opts Options) *Registry {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		backend:   backend,
		log:       log,
		opts:      opts,
		ctx:       ctx,
		cancel:    cancel,
		factories: make(map[string]Factory),
		actors:    make(map[string]*actor),
	}
}

// Handle registers the factory for a role.
func (r *Registry) Handle(role string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[strings.ToLower(role)] = f
}

// Default registers the factory for unknown roles.
func (r *Registry) Default(f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = f
}

// Known reports whether role has a registered factory.
func (r *Registry) Known(role string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.factories[role]
	return ok
}

// Live returns the number of running actors.
func (r *Registry) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.actors)
}

// Now returns the registry clock.
func (r *Registry) Now() time.Time {
	return r.opts.Clock()
}

func (r *Registry) actorFor(roomID string) (*actor, error) {
	role, key := ParseRoomID(roomID)
	id := RoomID(role, key)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if a, ok := r.actors[id]; ok {
		return a, nil
	}

	f, ok := r.factories[role]
	if !ok {
		f = r.fallback
	}
	if f == nil {
		return nil, fmt.Errorf("%w: no room for role %q", ErrForbidden, role)
	}

	env := &Env{
		ID:      id,
		Role:    role,
		Key:     key,
		Storage: store.Scope(r.backend, id),
		Log:     r.log.With().Str("room", id).Str("role", role).Logger(),
		Parties: r,
		clock:   r.opts.Clock,
		conns:   make(map[string]Conn),
		reg:     r,
	}
	a := &actor{
		id:   id,
		role: role,
		env:  env,
		room: f(env),
		reg:  r,
		wake: make(chan struct{}, 1),
	}
	r.actors[id] = a
	r.wg.Add(1)
	metrics.RoomsActive.WithLabelValues(role).Inc()
	go a.run(r.ctx)
	return a, nil
}

func (r *Registry) remove(a *actor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.actors[a.id] == a {
		delete(r.actors, a.id)
	}
}

// submit enqueues t on the live actor for roomID, starting one if needed.
func (r *Registry) submit(roomID string, t task) error {
	for {
		a, err := r.actorFor(roomID)
		if err != nil {
			return err
		}
		if err := a.submit(t); !errors.Is(err, errStopped) {
			return err
		}
		// The actor was evicted between lookup and enqueue; a fresh one will be created.
	}
}

// call runs fn on the room's worker and waits for it, bounded by ctx.
func call[T any](ctx context.Context, r *Registry, roomID string, fn func(ctx context.Context, a *actor) T) (T, error) {
	var zero T
	result := make(chan T, 1)
	err := r.submit(roomID, func(taskCtx context.Context, a *actor) {
		result <- fn(ctx, a)
	})
	if err != nil {
		return zero, err
	}
	select {
	case v := <-result:
		return v, nil
	case <-ctx.Done():
		return zero, fmt.Errorf("%w: %s: %v", ErrTimeout, roomID, ctx.Err())
	}
}

// Fetch implements Dispatcher.
func (r *Registry) Fetch(ctx context.Context, roomID string, req *Request) (*Response, error) {
	return call(ctx, r, roomID, func(ctx context.Context, a *actor) *Response {
		resp := a.room.OnRequest(ctx, req)
		if resp == nil {
			resp = Error(http.StatusInternalServerError, "room returned no response")
		}
		return resp
	})
}

// Post implements Dispatcher.
func (r *Registry) Post(roomID string, req *Request) error {
	return r.submit(roomID, func(ctx context.Context, a *actor) {
		resp := a.room.OnRequest(ctx, req)
		if resp != nil && !resp.OK() {
			a.env.Log.Warn().Int("status", resp.Status).Str("body", string(resp.Body)).Msg("posted request rejected")
		}
	})
}

// Admit asks the room whether identity may connect. Rooms that do not
// implement Admitter admit everyone.
func (r *Registry) Admit(ctx context.Context, roomID, identity string) error {
	admitErr, err := call(ctx, r, roomID, func(ctx context.Context, a *actor) error {
		ad, ok := a.room.(Admitter)
		if !ok {
			return nil
		}
		return ad.Admit(ctx, identity)
	})
	if err != nil {
		return err
	}
	return admitErr
}

// TriggerAlarm runs the room's OnAlarm now, independent of any scheduled alarm.
func (r *Registry) TriggerAlarm(roomID string) error {
	return r.submit(roomID, func(ctx context.Context, a *actor) {
		a.room.OnAlarm(ctx)
	})
}

// Flush waits until every task queued on roomID before the call has run.
func (r *Registry) Flush(ctx context.Context, roomID string) error {
	_, err := call(ctx, r, roomID, func(ctx context.Context, a *actor) struct{} {
		return struct{}{}
	})
	return err
}

// Join attaches conn to the room and runs OnConnect. Frames and the final
// close go through the returned session.
func (r *Registry) Join(roomID string, conn Conn) (*Session, error) {
	for {
		a, err := r.actorFor(roomID)
		if err != nil {
			return nil, err
		}
		err = a.submit(func(ctx context.Context, a *actor) {
			a.env.conns[conn.ID()] = conn
			metrics.ConnectionsOpen.WithLabelValues(a.role).Inc()
			a.room.OnConnect(ctx, conn)
		})
		if errors.Is(err, errStopped) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return &Session{actor: a, conn: conn}, nil
	}
}

// Close stops every actor and closes their connections.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cancel()
	r.wg.Wait()
}

// Session is a connection attached to one actor. An actor with attached
// connections is never evicted.
type Session struct {
	actor *actor
	conn  Conn
	once  sync.Once
}

// Message delivers a client frame to the room.
func (s *Session) Message(data []byte) error {
	return s.actor.submit(func(ctx context.Context, a *actor) {
		if _, ok := a.env.conns[s.conn.ID()]; !ok {
			return
		}
		a.room.OnMessage(ctx, s.conn, data)
	})
}

// Leave detaches the connection and runs OnClose. Calls after the first are ignored.
func (s *Session) Leave() {
	s.once.Do(func() {
		s.actor.submit(func(ctx context.Context, a *actor) {
			if _, ok := a.env.conns[s.conn.ID()]; !ok {
				return
			}
			delete(a.env.conns, s.conn.ID())
			metrics.ConnectionsOpen.WithLabelValues(a.role).Dec()
			a.room.OnClose(ctx, s.conn)
		})
	})
}

type task func(ctx context.Context, a *actor)

type actor struct {
	id   string
	role string
	env  *Env
	room Room
	reg  *Registry

	mu      sync.Mutex
	queue   []task
	stopped bool
	wake    chan struct{}
}

func (a *actor) submit(t task) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return errStopped
	}
	a.queue = append(a.queue, t)
	select {
	case a.wake <- struct{}{}:
	default:
	}
	return nil
}

func (a *actor) run(ctx context.Context) {
	defer a.reg.wg.Done()
	defer metrics.RoomsActive.WithLabelValues(a.role).Dec()

	if err := a.room.OnStart(ctx); err != nil {
		a.env.Log.Error().Err(err).Msg("failed to load room state, starting empty")
	}

	for {
		var idle <-chan time.Time
		var timer *time.Timer
		if a.reg.opts.IdleTimeout > 0 {
			timer = time.NewTimer(a.reg.opts.IdleTimeout)
			idle = timer.C
		}

		select {
		case <-a.wake:
			a.drain(ctx)
		case <-idle:
			if a.tryStop() {
				return
			}
		case <-ctx.Done():
			a.shutdown()
			return
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func (a *actor) drain(ctx context.Context) {
	for {
		a.mu.Lock()
		batch := a.queue
		a.queue = nil
		a.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, t := range batch {
			a.exec(ctx, t)
		}
	}
}

func (a *actor) exec(ctx context.Context, t task) {
	defer func() {
		if rec := recover(); rec != nil {
			a.env.Log.Error().
				Interface("panic", rec).
				Str("stack", string(debug.Stack())).
				Msg("room task panicked")
		}
	}()
	t(ctx, a)
}

// tryStop evicts the actor when nothing is attached or queued.
func (a *actor) tryStop() bool {
	a.mu.Lock()
	if len(a.queue) > 0 || len(a.env.conns) > 0 {
		a.mu.Unlock()
		return false
	}
	a.stopped = true
	a.mu.Unlock()
	a.reg.remove(a)
	a.env.Log.Debug().Msg("room evicted")
	return true
}

func (a *actor) shutdown() {
	a.mu.Lock()
	a.stopped = true
	a.queue = nil
	a.mu.Unlock()
	a.env.ClearAlarm()
	for _, c := range a.env.conns {
		c.Close()
		metrics.ConnectionsOpen.WithLabelValues(a.role).Dec()
	}
	a.env.conns = nil
	a.reg.remove(a)
}
