package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/eldtechnologies/questrelay/internal/party"
	"github.com/eldtechnologies/questrelay/internal/rooms"
)

// SweepStats describes the latest reconciliation pass.
type SweepStats struct {
	Schedule string `json:"schedule"`
	LastRun  string `json:"last_run"`
	Checked  int    `json:"checked"`
	Stale    int    `json:"stale"`
	Failed   int    `json:"failed"`
}

// StatsResponse represents the response from the stats endpoint.
type StatsResponse struct {
	LiveRooms   int         `json:"live_rooms"`
	OnlineUsers int         `json:"online_users"`
	Uptime      string      `json:"uptime"`
	Sweep       *SweepStats `json:"sweep,omitempty"`
}

// Stats returns relay statistics.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.fetchTimeout)
	defer cancel()

	resp, err := h.parties.Fetch(ctx, rooms.PresenceRoom, party.NewRequest(http.MethodGet, nil))
	if err != nil {
		h.Error(w, party.StatusFor(err), "failed to read presence")
		return
	}
	var online []string
	if err := resp.Decode(&online); err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to decode presence")
		return
	}

	out := StatsResponse{
		LiveRooms:   h.parties.Live(),
		OnlineUsers: len(online),
		Uptime:      time.Since(h.started).Truncate(time.Second).String(),
	}

	if h.sweeper != nil {
		s := &SweepStats{Schedule: h.sweeper.Expr(), LastRun: "never"}
		if last, at, ok := h.sweeper.Last(); ok {
			s.LastRun = formatTimeAgo(at)
			s.Checked, s.Stale, s.Failed = last.Checked, last.Stale, last.Failed
		}
		out.Sweep = s
	}

	h.JSON(w, http.StatusOK, out)
}

// formatTimeAgo formats a time as a human-readable "X ago" string.
func formatTimeAgo(t time.Time) string {
	diff := time.Since(t)

	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		mins := int(diff.Minutes())
		if mins == 1 {
			return "1 minute ago"
		}
		return strconv.Itoa(mins) + " minutes ago"
	case diff < 24*time.Hour:
		hours := int(diff.Hours())
		if hours == 1 {
			return "1 hour ago"
		}
		return strconv.Itoa(hours) + " hours ago"
	default:
		days := int(diff.Hours() / 24)
		if days == 1 {
			return "1 day ago"
		}
		return strconv.Itoa(days) + " days ago"
	}
}
