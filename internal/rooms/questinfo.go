package rooms

import (
	"context"
	"fmt"
	"net/http"

	"github.com/eldtechnologies/questrelay/internal/crypto"
	"github.com/eldtechnologies/questrelay/internal/models"
	"github.com/eldtechnologies/questrelay/internal/party"
)

const (
	questVersionsKey = "versions"
	questLatestKey   = "latest"
)

// QuestInfo stores content-addressed, self-signed quest descriptions.
// Every accepted version stays retrievable by its content key.
type QuestInfo struct {
	party.BaseRoom
	env      *party.Env
	versions map[string]models.QuestDetails
	latest   string
}

func NewQuestInfo(env *party.Env) party.Room {
	return &QuestInfo{env: env, versions: make(map[string]models.QuestDetails)}
}

func (r *QuestInfo) OnStart(ctx context.Context) error {
	if _, err := r.env.Storage.Get(ctx, questVersionsKey, &r.versions); err != nil {
		r.versions = make(map[string]models.QuestDetails)
		return err
	}
	if r.versions == nil {
		r.versions = make(map[string]models.QuestDetails)
	}
	_, err := r.env.Storage.Get(ctx, questLatestKey, &r.latest)
	return err
}

func (r *QuestInfo) OnConnect(ctx context.Context, conn party.Conn) {
	conn.Close()
}

func (r *QuestInfo) OnRequest(ctx context.Context, req *party.Request) *party.Response {
	switch req.Method {
	case http.MethodGet:
		key := req.Query.Get("hash")
		if key == "" {
			key = r.latest
		}
		d, ok := r.versions[key]
		if !ok {
			return party.Error(http.StatusNotFound, "quest details not found")
		}
		return party.JSON(http.StatusOK, models.QuestRecord{Key: key, Details: d})
	case http.MethodPost:
		rec, err := r.put(ctx, req)
		if err != nil {
			return party.Fail(err)
		}
		return party.JSON(http.StatusOK, rec)
	}
	return accessDenied()
}

func questContent(d models.QuestDetails) []string {
	return []string{d.ID, d.Title, d.Description, d.Reward}
}

func (r *QuestInfo) put(ctx context.Context, req *party.Request) (*models.QuestRecord, error) {
	var d models.QuestDetails
	if err := req.Decode(&d); err != nil {
		return nil, err
	}
	if d.ID == "" || d.Title == "" || d.Signature == "" {
		return nil, fmt.Errorf("%w: missing required fields", party.ErrInvalid)
	}
	if d.ID != r.env.Key {
		return nil, fmt.Errorf("%w: id does not match room", party.ErrInvalid)
	}
	pub, err := crypto.ValidatePublicKey(d.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: id: %v", party.ErrInvalid, err)
	}

	parts := questContent(d)
	var msg []byte
	for _, p := range parts {
		msg = append(msg, p...)
	}
	if err := crypto.VerifySignature(pub, msg, d.Signature); err != nil {
		return nil, fmt.Errorf("%w: details not signed by quest id", party.ErrForbidden)
	}

	key := crypto.ContentKey(parts...)
	if _, exists := r.versions[key]; exists && r.latest == key {
		return &models.QuestRecord{Key: key, Details: r.versions[key]}, nil
	}

	versions := make(map[string]models.QuestDetails, len(r.versions)+1)
	for k, v := range r.versions {
		versions[k] = v
	}
	versions[key] = d
	if err := r.env.Storage.Put(ctx, questVersionsKey, versions); err != nil {
		return nil, err
	}
	if err := r.env.Storage.Put(ctx, questLatestKey, key); err != nil {
		return nil, err
	}
	r.versions = versions
	r.latest = key
	return &models.QuestRecord{Key: key, Details: d}, nil
}
