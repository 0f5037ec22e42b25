package rooms

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/questrelay/internal/metrics"
	"github.com/eldtechnologies/questrelay/internal/models"
	"github.com/eldtechnologies/questrelay/internal/party"
)

// SweepResult summarizes one reconciliation pass.
type SweepResult struct {
	Checked int      `json:"checked"`
	Stale   int      `json:"stale"`
	Failed  int      `json:"failed"`
	Removed []string `json:"removed"`
}

// Reconciler corrects the presence set against what user rooms report.
// It runs outside every room's queue and talks to them through the dispatcher.
type Reconciler struct {
	Parties     party.Dispatcher
	Now         func() time.Time
	Timeout     time.Duration // per call
	Concurrency int
	Log         zerolog.Logger
}

// Run performs one sweep. Per-address failures are logged and skipped; the
// sweep always completes.
func (rc *Reconciler) Run(ctx context.Context) SweepResult {
	metrics.SweepRuns.Inc()
	result := SweepResult{Removed: []string{}}

	addresses, err := rc.presenceSet(ctx)
	if err != nil {
		rc.Log.Error().Err(err).Msg("reconciliation could not read presence")
		return result
	}
	result.Checked = len(addresses)

	limit := rc.Concurrency
	if limit <= 0 {
		limit = 16
	}
	sem := make(chan struct{}, limit)

	var (
		mu    sync.Mutex
		wg    sync.WaitGroup
		stale []string
	)
	now := rc.now()
	for _, addr := range addresses {
		wg.Add(1)
		sem <- struct{}{}
		go func(addr string) {
			defer wg.Done()
			defer func() { <-sem }()

			status, err := rc.userStatus(ctx, addr)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed++
				metrics.SweepFailures.Inc()
				rc.Log.Warn().Err(err).Str("address", addr).Msg("user room query failed")
				return
			}
			if isStale(status, now) {
				stale = append(stale, addr)
			}
		}(addr)
	}
	wg.Wait()

	sort.Strings(stale)
	result.Stale = len(stale)
	if len(stale) == 0 {
		return result
	}

	if err := rc.disconnect(ctx, stale); err != nil {
		rc.Log.Error().Err(err).Int("stale", len(stale)).Msg("failed to submit disconnects")
		return result
	}
	result.Removed = stale
	metrics.SweepRemoved.Add(float64(len(stale)))
	rc.Log.Info().Strs("removed", stale).Int("checked", result.Checked).Msg("presence reconciled")
	return result
}

func isStale(s models.UserStatus, now time.Time) bool {
	if !s.Online {
		return true
	}
	return now.Sub(time.UnixMilli(s.Heartbeat)) > HeartbeatTimeout
}

func (rc *Reconciler) now() time.Time {
	if rc.Now != nil {
		return rc.Now()
	}
	return time.Now()
}

func (rc *Reconciler) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if rc.Timeout <= 0 {
		return context.WithTimeout(ctx, 5*time.Second)
	}
	return context.WithTimeout(ctx, rc.Timeout)
}

func (rc *Reconciler) presenceSet(ctx context.Context) ([]string, error) {
	ctx, cancel := rc.callCtx(ctx)
	defer cancel()
	resp, err := rc.Parties.Fetch(ctx, PresenceRoom, party.NewRequest(http.MethodGet, nil))
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, fmt.Errorf("presence returned %d", resp.Status)
	}
	var addrs []string
	if err := resp.Decode(&addrs); err != nil {
		return nil, err
	}
	return addrs, nil
}

func (rc *Reconciler) userStatus(ctx context.Context, address string) (models.UserStatus, error) {
	var s models.UserStatus
	ctx, cancel := rc.callCtx(ctx)
	defer cancel()
	resp, err := rc.Parties.Fetch(ctx, party.RoomID(RoleUser, address), party.NewRequest(http.MethodGet, nil))
	if err != nil {
		return s, err
	}
	if !resp.OK() {
		return s, fmt.Errorf("user room returned %d", resp.Status)
	}
	err = resp.Decode(&s)
	return s, err
}

func (rc *Reconciler) disconnect(ctx context.Context, addresses []string) error {
	updates := make([]models.PresenceUpdate, len(addresses))
	for i, a := range addresses {
		updates[i] = models.PresenceUpdate{Type: models.PresenceDisconnect, Address: a}
	}
	req, err := party.NewJSONRequest(http.MethodPost, updates)
	if err != nil {
		return err
	}
	ctx, cancel := rc.callCtx(ctx)
	defer cancel()
	resp, err := rc.Parties.Fetch(ctx, PresenceRoom, req)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return fmt.Errorf("presence returned %d: %s", resp.Status, resp.Body)
	}
	return nil
}
