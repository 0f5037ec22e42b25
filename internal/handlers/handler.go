package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/questrelay/internal/party"
	"github.com/eldtechnologies/questrelay/internal/store"
	"github.com/eldtechnologies/questrelay/internal/sweep"
)

// Options are the dependencies of the HTTP handlers.
type Options struct {
	Backend      store.Backend
	Driver       string
	Parties      *party.Registry
	Sweeper      *sweep.Scheduler
	LedgerURL    string
	AdminToken   string
	FetchTimeout time.Duration
	Logger       zerolog.Logger
}

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	backend      store.Backend
	driver       string
	parties      *party.Registry
	sweeper      *sweep.Scheduler
	ledgerURL    string
	adminToken   string
	fetchTimeout time.Duration
	logger       zerolog.Logger
	upgrader     websocket.Upgrader
	started      time.Time
}

// NewHandler creates a new Handler.
func NewHandler(opts Options) *Handler {
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 5 * time.Second
	}
	return &Handler{
		backend:      opts.Backend,
		driver:       opts.Driver,
		parties:      opts.Parties,
		sweeper:      opts.Sweeper,
		ledgerURL:    opts.LedgerURL,
		adminToken:   opts.AdminToken,
		fetchTimeout: opts.FetchTimeout,
		logger:       opts.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browsers connect from any origin, as with the CORS policy.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		started: time.Now(),
	}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}
