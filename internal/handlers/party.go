package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/eldtechnologies/questrelay/internal/api/middleware"
	"github.com/eldtechnologies/questrelay/internal/party"
)

// Party serves /parties/main/{roomID}: plain requests are dispatched to the
// room, upgrade requests join it. The auth gate has already run.
func (h *Handler) Party(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	if websocket.IsWebSocketUpgrade(r) {
		h.connect(w, r, roomID)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		h.Error(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	req := &party.Request{
		Method: r.Method,
		Header: r.Header.Clone(),
		Query:  r.URL.Query(),
		Body:   body,
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.fetchTimeout)
	defer cancel()
	resp, err := h.parties.Fetch(ctx, roomID, req)
	if err != nil {
		h.logger.Warn().Err(err).Str("room", roomID).Msg("room request failed")
		resp = party.Fail(err)
	}
	writeResponse(w, resp)
}

func writeResponse(w http.ResponseWriter, resp *party.Response) {
	for k, v := range resp.Header {
		w.Header()[k] = v
	}
	w.WriteHeader(resp.Status)
	w.Write(resp.Body)
}

func (h *Handler) connect(w http.ResponseWriter, r *http.Request, roomID string) {
	identity := middleware.IdentityFromContext(r.Context())

	// Upgrade writes its own error response.
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug().Err(err).Str("room", roomID).Msg("websocket upgrade failed")
		return
	}

	conn := party.NewWSConn(ws, identity, h.logger.With().Str("room", roomID).Logger())
	sess, err := h.parties.Join(roomID, conn)
	if err != nil {
		h.logger.Warn().Err(err).Str("room", roomID).Msg("join failed")
		ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()))
		ws.Close()
		return
	}

	conn.Serve(sess)
}
