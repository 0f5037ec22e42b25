package rooms

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/eldtechnologies/questrelay/internal/crypto"
	"github.com/eldtechnologies/questrelay/internal/metrics"
	"github.com/eldtechnologies/questrelay/internal/models"
	"github.com/eldtechnologies/questrelay/internal/party"
)

const (
	heartbeatKey          = "heartbeat"
	notificationKeyPrefix = "notif_"

	// MaxNotificationSize bounds one encrypted notification payload.
	MaxNotificationSize = 8 << 10
)

// User is one participant's connection state and notification mailbox.
type User struct {
	party.BaseRoom
	env           *party.Env
	connected     bool
	lastHeartbeat time.Time
	mailbox       map[string]models.Notification
}

func NewUser(env *party.Env) party.Room {
	return &User{env: env, mailbox: make(map[string]models.Notification)}
}

func (r *User) OnStart(ctx context.Context) error {
	var ms int64
	if _, err := r.env.Storage.Get(ctx, heartbeatKey, &ms); err != nil {
		return err
	}
	if ms > 0 {
		r.lastHeartbeat = time.UnixMilli(ms)
	}

	raw, err := r.env.Storage.List(ctx, notificationKeyPrefix)
	if err != nil {
		return err
	}
	for k, v := range raw {
		var n models.Notification
		if err := json.Unmarshal(v, &n); err != nil {
			r.env.Log.Warn().Err(err).Str("key", k).Msg("skipping unreadable notification")
			continue
		}
		r.mailbox[n.ID] = n
	}
	return nil
}

func (r *User) address() string {
	return r.env.Key
}

func (r *User) notifications() []models.Notification {
	out := make([]models.Notification, 0, len(r.mailbox))
	for _, n := range r.mailbox {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (r *User) announce(kind string) {
	req, err := party.NewJSONRequest(http.MethodPost, []models.PresenceUpdate{{Type: kind, Address: r.address()}})
	if err != nil {
		r.env.Log.Error().Err(err).Msg("failed to encode presence update")
		return
	}
	if err := r.env.Parties.Post(PresenceRoom, req); err != nil {
		r.env.Log.Warn().Err(err).Str("update", kind).Msg("failed to post presence update")
	}
}

// beat records a heartbeat and arms the staleness alarm.
func (r *User) beat(ctx context.Context) {
	r.lastHeartbeat = r.env.Now()
	if err := r.env.Storage.Put(ctx, heartbeatKey, r.lastHeartbeat.UnixMilli()); err != nil {
		r.env.Log.Error().Err(err).Msg("failed to persist heartbeat")
	}
	r.env.SetAlarm(r.lastHeartbeat.Add(HeartbeatTimeout + time.Second))
}

func (r *User) OnConnect(ctx context.Context, conn party.Conn) {
	r.connected = true
	r.beat(ctx)
	r.announce(models.PresenceConnect)

	err := party.SendJSON(conn, models.NotificationsEvent{
		Type:          models.FrameNotifications,
		Notifications: r.notifications(),
	})
	if err != nil {
		r.env.Log.Debug().Err(err).Msg("failed to send mailbox")
	}
}

func (r *User) OnClose(ctx context.Context, conn party.Conn) {
	if len(r.env.Connections()) > 0 {
		return
	}
	r.connected = false
	r.env.ClearAlarm()
	r.announce(models.PresenceDisconnect)
}

// OnAlarm marks the user offline when heartbeats stopped while a socket
// stayed open. The next heartbeat brings it back.
func (r *User) OnAlarm(ctx context.Context) {
	if !r.connected || r.env.Now().Sub(r.lastHeartbeat) <= HeartbeatTimeout {
		return
	}
	r.connected = false
	r.env.Log.Info().Time("last_heartbeat", r.lastHeartbeat).Msg("heartbeat expired")
	r.announce(models.PresenceDisconnect)
}

func (r *User) OnMessage(ctx context.Context, conn party.Conn, data []byte) {
	var f models.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		r.env.Log.Debug().Err(err).Msg("ignoring malformed frame")
		return
	}

	switch f.Type {
	case models.FrameHeartbeat:
		r.beat(ctx)
		r.connected = true
		// Presence may have dropped us in a sweep; connect is idempotent there.
		r.announce(models.PresenceConnect)
	case models.FrameDeleteNotification:
		if _, ok := r.mailbox[f.ID]; !ok {
			return
		}
		if err := r.env.Storage.Delete(ctx, notificationKeyPrefix+f.ID); err != nil {
			r.env.Log.Error().Err(err).Str("id", f.ID).Msg("failed to delete notification")
			return
		}
		delete(r.mailbox, f.ID)
		r.env.Broadcast(models.DeleteNotificationEvent{Type: models.FrameDeleteNotification, ID: f.ID})
	case models.FrameClearNotifications:
		for id := range r.mailbox {
			if err := r.env.Storage.Delete(ctx, notificationKeyPrefix+id); err != nil {
				r.env.Log.Error().Err(err).Str("id", id).Msg("failed to delete notification")
				return
			}
			delete(r.mailbox, id)
		}
		r.env.Broadcast(models.NotificationsEvent{
			Type:          models.FrameNotifications,
			Notifications: []models.Notification{},
		})
	default:
		r.env.Log.Debug().Str("type", f.Type).Msg("ignoring unknown frame")
	}
}

func (r *User) OnRequest(ctx context.Context, req *party.Request) *party.Response {
	switch req.Method {
	case http.MethodGet:
		var hb int64
		if !r.lastHeartbeat.IsZero() {
			hb = r.lastHeartbeat.UnixMilli()
		}
		return party.JSON(http.StatusOK, models.UserStatus{Online: r.connected, Heartbeat: hb})
	case http.MethodPost:
		n, err := r.deliver(ctx, req)
		if err != nil {
			return party.Fail(err)
		}
		return party.JSON(http.StatusOK, n)
	}
	return accessDenied()
}

// deliver stores a visitor's encrypted notification and pushes it to the
// user's open connections.
func (r *User) deliver(ctx context.Context, req *party.Request) (*models.Notification, error) {
	visitor := req.Header.Get(HeaderUserAddress)
	if visitor == "" {
		return nil, fmt.Errorf("%w: visitor not authenticated", party.ErrUnauthorized)
	}
	payload := strings.TrimSpace(string(req.Body))
	if payload == "" {
		return nil, fmt.Errorf("%w: empty payload", party.ErrInvalid)
	}
	if len(payload) > MaxNotificationSize {
		return nil, fmt.Errorf("%w: payload exceeds %d bytes", party.ErrTooLarge, MaxNotificationSize)
	}
	kind := req.Header.Get(HeaderMessageType)
	if kind == "" {
		return nil, fmt.Errorf("%w: missing %s", party.ErrInvalid, HeaderMessageType)
	}

	n := models.Notification{
		ID:               crypto.NewULID(),
		EncryptedPayload: payload,
		Kind:             kind,
		VisitorAddress:   visitor,
		VisitorNotifKey:  req.Header.Get(HeaderUserNotifKey),
		Timestamp:        r.env.Now().UnixMilli(),
	}
	if err := r.env.Storage.Put(ctx, notificationKeyPrefix+n.ID, n); err != nil {
		return nil, err
	}
	r.mailbox[n.ID] = n
	metrics.NotificationsDelivered.WithLabelValues(metricKind(kind)).Inc()

	r.env.Broadcast(models.NotificationEvent{Type: models.FrameNotification, Notification: n})
	return &n, nil
}

// metricKind keeps client-chosen kinds from blowing up label cardinality.
func metricKind(kind string) string {
	if len(kind) > 32 {
		return "other"
	}
	for _, c := range kind {
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') && c != '_' && c != '-' {
			return "other"
		}
	}
	return kind
}
