// Package questrelay provides a client for the questrelay coordination server.
package questrelay

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/eldtechnologies/questrelay/internal/crypto"
	"github.com/eldtechnologies/questrelay/internal/models"
)

// DefaultURL is used when no base URL is given.
const DefaultURL = "http://localhost:8080"

const partyPrefix = "/parties/main/"

// Client is a questrelay API client acting for one wallet.
//
// The wallet key is only needed to register a session; every other call is
// signed by the session key.
type Client struct {
	BaseURL    string
	ConfigDir  string
	Address    string
	Wallet     ed25519.PrivateKey
	Session    ed25519.PrivateKey
	HTTPClient *http.Client
	Dialer     *websocket.Dialer
}

// Config holds the persisted identity.
type Config struct {
	Address        string `json:"address"`
	SessionAddress string `json:"session_address"`
}

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("questrelay error %d: %s", e.Status, e.Message)
}

// NewClient creates a new client and loads saved keys if present.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultURL
	}

	configDir := os.Getenv("QUESTRELAY_CONFIG")
	if configDir == "" {
		home, _ := os.UserHomeDir()
		configDir = filepath.Join(home, ".questrelay")
	}

	c := &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		ConfigDir:  configDir,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		Dialer:     websocket.DefaultDialer,
	}

	_ = c.LoadConfig()
	return c
}

// LoadConfig loads the wallet and session keys from disk.
func (c *Client) LoadConfig() error {
	data, err := os.ReadFile(filepath.Join(c.ConfigDir, "identity.json"))
	if err != nil {
		return err
	}
	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return err
	}

	session, err := readKey(filepath.Join(c.ConfigDir, "session.key"))
	if err != nil {
		return err
	}
	// The wallet key is optional on machines that only hold a session.
	if wallet, err := readKey(filepath.Join(c.ConfigDir, "wallet.key")); err == nil {
		c.Wallet = wallet
	}

	c.Address = config.Address
	c.Session = session
	return nil
}

func readKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return crypto.ParsePrivateKey(strings.TrimSpace(string(data)))
}

// SaveConfig writes the keys to disk.
func (c *Client) SaveConfig() error {
	if c.Session == nil {
		return fmt.Errorf("no session key to save")
	}
	if err := os.MkdirAll(c.ConfigDir, 0700); err != nil {
		return err
	}

	config := Config{Address: c.Address, SessionAddress: c.SessionAddress()}
	data, _ := json.MarshalIndent(config, "", "  ")
	if err := os.WriteFile(filepath.Join(c.ConfigDir, "identity.json"), data, 0600); err != nil {
		return err
	}
	if c.Wallet != nil {
		if err := os.WriteFile(filepath.Join(c.ConfigDir, "wallet.key"), []byte(crypto.EncodeBase58(c.Wallet.Seed())), 0600); err != nil {
			return err
		}
	}
	return os.WriteFile(filepath.Join(c.ConfigDir, "session.key"), []byte(crypto.EncodeBase58(c.Session.Seed())), 0600)
}

// GenerateKeys creates a fresh wallet and session key pair.
func (c *Client) GenerateKeys() error {
	pub, wallet, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return err
	}
	_, session, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return err
	}
	c.Address = crypto.EncodeBase58(pub)
	c.Wallet = wallet
	c.Session = session
	return nil
}

// SessionAddress returns the base58 session public key.
func (c *Client) SessionAddress() string {
	if c.Session == nil {
		return ""
	}
	return crypto.EncodeBase58(c.Session.Public().(ed25519.PublicKey))
}

// NotifAddress is the X25519 key visitors encrypt notifications to. It is
// derived from the session key.
func (c *Client) NotifAddress() (string, error) {
	pub, err := crypto.X25519Public(c.Session)
	if err != nil {
		return "", err
	}
	return crypto.EncodeBase58(pub), nil
}

func (c *Client) accessMessage() string {
	nonceBytes := make([]byte, 12)
	rand.Read(nonceBytes)
	return crypto.AccessMessage(time.Now(), hex.EncodeToString(nonceBytes))
}

// authorization builds "address.message.signature" for message.
func (c *Client) authorization(message string) (string, error) {
	if c.Session == nil || c.Address == "" {
		return "", fmt.Errorf("no session configured")
	}
	return c.Address + "." + crypto.NewAccessToken(c.Session, message), nil
}

func partyPath(role, key string) string {
	return partyPrefix + role + "_" + key
}

// doRequest performs an HTTP request and returns the body of a 2xx response.
func (c *Client) doRequest(ctx context.Context, method, path string, body []byte, header http.Header) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	for k, v := range header {
		req.Header[k] = v
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(respBody, &errResp) != nil || errResp.Error == "" {
			errResp.Error = strings.TrimSpace(string(respBody))
		}
		return nil, &APIError{Status: resp.StatusCode, Message: errResp.Error}
	}

	return respBody, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	respBody, err := c.doRequest(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return err
	}
	return json.Unmarshal(respBody, out)
}

// RegisterSession publishes the session key, signed by the wallet.
func (c *Client) RegisterSession(ctx context.Context, availableStart, availableEnd string) (*models.UserDetails, error) {
	if c.Wallet == nil || c.Session == nil {
		return nil, fmt.Errorf("wallet and session keys are required")
	}
	notif, err := c.NotifAddress()
	if err != nil {
		return nil, err
	}

	sessionPub := c.Session.Public().(ed25519.PublicKey)
	body, _ := json.Marshal(models.UserDetails{
		SessionAddress: crypto.EncodeBase58(sessionPub),
		NotifAddress:   notif,
		Signature:      crypto.Sign(c.Wallet, sessionPub),
		AvailableStart: availableStart,
		AvailableEnd:   availableEnd,
	})
	respBody, err := c.doRequest(ctx, http.MethodPost, partyPath("userinfo", c.Address), body, nil)
	if err != nil {
		return nil, err
	}

	var resp models.UserDetails
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetUserInfo returns the session registered for a wallet.
func (c *Client) GetUserInfo(ctx context.Context, address string) (*models.UserDetails, error) {
	var resp models.UserDetails
	if err := c.getJSON(ctx, partyPath("userinfo", address), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// QuestContent is the descriptive part of a quest.
type QuestContent struct {
	Title       string
	Description string
	Reward      string
}

// PublishQuest signs and stores quest details under the quest key's address.
func (c *Client) PublishQuest(ctx context.Context, questKey ed25519.PrivateKey, content QuestContent) (*models.QuestRecord, error) {
	id := crypto.EncodeBase58(questKey.Public().(ed25519.PublicKey))
	msg := id + content.Title + content.Description + content.Reward
	body, _ := json.Marshal(models.QuestDetails{
		ID:          id,
		Title:       content.Title,
		Description: content.Description,
		Reward:      content.Reward,
		Signature:   crypto.Sign(questKey, []byte(msg)),
	})
	respBody, err := c.doRequest(ctx, http.MethodPost, partyPath("questinfo", id), body, nil)
	if err != nil {
		return nil, err
	}

	var resp models.QuestRecord
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetQuest returns a quest version. An empty hash returns the latest one.
func (c *Client) GetQuest(ctx context.Context, id, hash string) (*models.QuestRecord, error) {
	path := partyPath("questinfo", id)
	if hash != "" {
		path += "?hash=" + url.QueryEscape(hash)
	}
	var resp models.QuestRecord
	if err := c.getJSON(ctx, path, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Presence lists the addresses currently online.
func (c *Client) Presence(ctx context.Context) ([]string, error) {
	var resp []string
	if err := c.getJSON(ctx, partyPrefix+"presence_main", &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Status returns a user's connection state and last heartbeat.
func (c *Client) Status(ctx context.Context, address string) (*models.UserStatus, error) {
	var resp models.UserStatus
	if err := c.getJSON(ctx, partyPath("user", address), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Notify encrypts plaintext to the host's notification key and drops it in
// their mailbox.
func (c *Client) Notify(ctx context.Context, host, kind, plaintext string) (*models.Notification, error) {
	details, err := c.GetUserInfo(ctx, host)
	if err != nil {
		return nil, err
	}
	secret, err := c.hostSecret(details)
	if err != nil {
		return nil, err
	}
	ciphertext, err := crypto.Encrypt(plaintext, secret)
	if err != nil {
		return nil, err
	}

	token, err := c.authorization(c.accessMessage())
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Authorization", token)
	header.Set("Content-Type", "text/plain")
	header.Set("X-Message-Type", kind)

	respBody, err := c.doRequest(ctx, http.MethodPost, partyPath("user", host), []byte(ciphertext), header)
	if err != nil {
		return nil, err
	}

	var resp models.Notification
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// hostSecret falls back to the host's session key when no notification key
// was registered.
func (c *Client) hostSecret(details *models.UserDetails) ([]byte, error) {
	if details.NotifAddress != "" {
		peer, err := crypto.DecodeBase58(details.NotifAddress)
		if err != nil {
			return nil, err
		}
		return crypto.SharedSecretWithX25519(c.Session, peer)
	}
	peer, err := crypto.ValidatePublicKey(details.SessionAddress)
	if err != nil {
		return nil, err
	}
	return crypto.SharedSecretWithEd25519(c.Session, peer)
}

// OpenNotification decrypts a notification addressed to this client.
func (c *Client) OpenNotification(n models.Notification) (string, error) {
	var secret []byte
	var err error
	if n.VisitorNotifKey != "" {
		peer, derr := crypto.DecodeBase58(n.VisitorNotifKey)
		if derr != nil {
			return "", derr
		}
		secret, err = crypto.SharedSecretWithX25519(c.Session, peer)
	} else {
		var details *models.UserDetails
		if details, err = c.GetUserInfo(context.Background(), n.VisitorAddress); err == nil {
			secret, err = c.hostSecret(details)
		}
	}
	if err != nil {
		return "", err
	}
	return crypto.Decrypt(n.EncryptedPayload, secret)
}

// JoinDeal registers a per-deal session key with the deal room.
func (c *Client) JoinDeal(ctx context.Context, dealAddress string, dealKey ed25519.PrivateKey) (*models.AuthorizedAddress, error) {
	enc, err := crypto.X25519Public(dealKey)
	if err != nil {
		return nil, err
	}
	token, err := c.authorization(crypto.JoinMessage(dealKey, crypto.EncodeBase58(enc)))
	if err != nil {
		return nil, err
	}

	respBody, err := c.doRequest(ctx, http.MethodPost, partyPath("quest", dealAddress), nil, http.Header{"Authorization": {token}})
	if err != nil {
		return nil, err
	}

	var resp models.AuthorizedAddress
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Deal returns the decoded on-chain deal snapshot.
func (c *Client) Deal(ctx context.Context, dealAddress string) (map[string]interface{}, error) {
	var resp map[string]interface{}
	if err := c.getJSON(ctx, partyPath("quest", dealAddress), &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// HealthResponse is the response from the health endpoint.
type HealthResponse struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	Checks    map[string]interface{} `json:"checks"`
	Timestamp string                 `json:"timestamp"`
}

// Health checks server health.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.getJSON(ctx, "/health", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) wsURL(path, token string) string {
	u := c.BaseURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	u += path
	if token != "" {
		u += "?token=" + url.QueryEscape(token)
	}
	return u
}

func (c *Client) dial(ctx context.Context, path, token string) (*websocket.Conn, error) {
	ws, resp, err := c.Dialer.DialContext(ctx, c.wsURL(path, token), nil)
	if err != nil {
		if resp != nil {
			return nil, &APIError{Status: resp.StatusCode, Message: err.Error()}
		}
		return nil, err
	}
	return ws, nil
}

// ConnectUser opens this wallet's user room, marking it online.
func (c *Client) ConnectUser(ctx context.Context) (*websocket.Conn, error) {
	if c.Session == nil || c.Address == "" {
		return nil, fmt.Errorf("no session configured")
	}
	return c.dial(ctx, partyPath("user", c.Address), crypto.NewAccessToken(c.Session, c.accessMessage()))
}

// ConnectDeal opens a deal room after JoinDeal succeeded.
func (c *Client) ConnectDeal(ctx context.Context, dealAddress string) (*websocket.Conn, error) {
	token, err := c.authorization(c.accessMessage())
	if err != nil {
		return nil, err
	}
	return c.dial(ctx, partyPath("quest", dealAddress), token)
}

// ConnectPresence subscribes to presence updates.
func (c *Client) ConnectPresence(ctx context.Context) (*websocket.Conn, error) {
	return c.dial(ctx, partyPrefix+"presence_main", "")
}
