package sync

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/SichengYang/Worthier-Desktop-sub000/internal/auth"
	"github.com/SichengYang/Worthier-Desktop-sub000/internal/clock"
	"github.com/SichengYang/Worthier-Desktop-sub000/internal/ledger"
	"github.com/SichengYang/Worthier-Desktop-sub000/internal/metrics"
)

// compressionThreshold is the serialized payload size at and above which the
// body is gzipped. Below it the compression overhead is not worth the bytes.
const compressionThreshold = 1024

const (
	syncTypeDelta = "delta"
	syncTypeFull  = "full"
)

var (
	// ErrOffline means the authority was unreachable or failing server-side;
	// the cycle should simply run again later.
	ErrOffline = errors.New("sync authority unreachable")
	// ErrReauthRequired means the access token is dead and could not be
	// refreshed; the user must log in again.
	ErrReauthRequired = errors.New("re-authentication required")
)

// HTTPError is a non-2xx response that has no recovery path.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Store is the ledger surface the engine reconciles. All access goes through
// these methods, never raw storage, so merges stay atomic at blob
// granularity.
type Store interface {
	ChangedSince(watermark time.Time) []ledger.Record
	LastDays(n int) []ledger.Record
	Snapshot() []ledger.Record
	MergeRemote(records []ledger.Record) error
	ReplaceAll(records []ledger.Record) error
}

// Credentials supplies identity and token refresh. *auth.Manager satisfies
// it.
type Credentials interface {
	Load() (*auth.Identity, error)
	Refresh(ctx context.Context) (string, error)
	DeviceID() (string, error)
}

// Config holds sync engine settings.
type Config struct {
	ServerURL        string
	WatermarkTimeout time.Duration
	DeltaTimeout     time.Duration
	FullTimeout      time.Duration
	FirstSyncDays    int
}

// Engine reconciles the local ledger with the remote sync authority using
// delta-since-watermark semantics, falling back to a full sync on conflict.
type Engine struct {
	cfg        Config
	store      Store
	creds      Credentials
	httpClient *http.Client
	clk        clock.Clock
	logger     zerolog.Logger
}

// NewEngine creates a sync engine.
func NewEngine(cfg Config, store Store, creds Credentials, httpClient *http.Client, clk clock.Clock, logger zerolog.Logger) *Engine {
	cfg.ServerURL = strings.TrimRight(cfg.ServerURL, "/")
	if cfg.WatermarkTimeout == 0 {
		cfg.WatermarkTimeout = 5 * time.Second
	}
	if cfg.DeltaTimeout == 0 {
		cfg.DeltaTimeout = 15 * time.Second
	}
	if cfg.FullTimeout == 0 {
		cfg.FullTimeout = 45 * time.Second
	}
	if cfg.FirstSyncDays == 0 {
		cfg.FirstSyncDays = 30
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Engine{
		cfg:        cfg,
		store:      store,
		creds:      creds,
		httpClient: httpClient,
		clk:        clk,
		logger:     logger.With().Str("component", "sync").Logger(),
	}
}

// payload is the update body sent to the authority. The record tree is keyed
// by calendar date.
type payload struct {
	Identity      payloadIdentity          `json:"identity"`
	DeviceID      string                   `json:"deviceId"`
	Records       map[string]ledger.Record `json:"changedRecords"`
	LastUpdatedAt time.Time                `json:"lastUpdatedAt"`
	SyncType      string                   `json:"syncType"`
}

type payloadIdentity struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

type updateResponse struct {
	Records map[string]ledger.Record `json:"records"`
}

// Sync runs one reconciliation cycle.
func (e *Engine) Sync(ctx context.Context) error {
	id, err := e.creds.Load()
	if err != nil {
		return err
	}
	deviceID, err := e.creds.DeviceID()
	if err != nil {
		return err
	}

	token := id.AccessToken
	if auth.TokenExpired(token, e.clk.Now()) {
		token, err = e.creds.Refresh(ctx)
		if err != nil {
			metrics.SyncCycles.WithLabelValues("reauth").Inc()
			return fmt.Errorf("%w: %v", ErrReauthRequired, err)
		}
	}

	// Step 1: watermark. Unreachable is non-fatal; we fall back to the
	// bounded first-sync window.
	watermark, err := e.fetchWatermark(ctx, token, id.UserID, deviceID)
	if err != nil {
		e.logger.Warn().Err(err).Msg("Watermark fetch failed, treating as first sync")
		watermark = time.Time{}
	}

	// Step 2: changed-record set.
	var records []ledger.Record
	if watermark.IsZero() {
		records = e.store.LastDays(e.cfg.FirstSyncDays)
	} else {
		records = e.store.ChangedSince(watermark)
	}

	if len(records) == 0 {
		e.logger.Debug().Msg("Nothing to sync")
		metrics.SyncCycles.WithLabelValues("noop").Inc()
		return nil
	}

	finalType, err := e.upload(ctx, token, id, deviceID, syncTypeDelta, records)
	if err == nil {
		// A conflict-escalated cycle completes as a full sync and is
		// counted as one.
		metrics.SyncCycles.WithLabelValues(finalType).Inc()
		return nil
	}

	switch {
	case errors.Is(err, ErrReauthRequired):
		metrics.SyncCycles.WithLabelValues("reauth").Inc()
	case errors.Is(err, ErrOffline):
		metrics.SyncCycles.WithLabelValues("offline").Inc()
	default:
		metrics.SyncCycles.WithLabelValues("error").Inc()
	}
	return err
}

// fetchWatermark asks the authority for the last-synced timestamp of this
// (user, device) pair.
func (e *Engine) fetchWatermark(ctx context.Context, token, userID, deviceID string) (time.Time, error) {
	body, err := json.Marshal(map[string]string{
		"userId":   userID,
		"deviceId": deviceID,
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("encode watermark request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.WatermarkTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.ServerURL+"/getLastSyncTime", bytes.NewReader(body))
	if err != nil {
		return time.Time{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrOffline, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return time.Time{}, &HTTPError{StatusCode: resp.StatusCode, Message: "watermark fetch"}
	}

	payloadBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return time.Time{}, err
	}

	var out struct {
		LastSyncTime *time.Time `json:"lastSyncTime"`
	}
	if err := json.Unmarshal(payloadBytes, &out); err != nil {
		return time.Time{}, fmt.Errorf("decode watermark response: %w", err)
	}
	if out.LastSyncTime == nil {
		return time.Time{}, nil
	}
	return *out.LastSyncTime, nil
}

// upload sends one changed-record set, handling every recovery path the
// protocol defines: refresh-and-retry on auth failure, full-sync escalation
// on conflict, uncompressed retransmit when the authority rejects gzip. The
// returned string is the sync type of the final attempt.
func (e *Engine) upload(ctx context.Context, token string, id *auth.Identity, deviceID, syncType string, records []ledger.Record) (string, error) {
	tree := make(map[string]ledger.Record, len(records))
	var lastUpdated time.Time
	for _, rec := range records {
		tree[rec.Date] = rec
		if rec.LastUpdated.After(lastUpdated) {
			lastUpdated = rec.LastUpdated
		}
	}

	raw, err := json.Marshal(payload{
		Identity: payloadIdentity{
			UserID:   id.UserID,
			Username: id.Username,
			Email:    id.Email,
		},
		DeviceID:      deviceID,
		Records:       tree,
		LastUpdatedAt: lastUpdated,
		SyncType:      syncType,
	})
	if err != nil {
		return syncType, fmt.Errorf("encode sync payload: %w", err)
	}

	metrics.SyncPayloadBytes.Observe(float64(len(raw)))

	timeout := e.cfg.DeltaTimeout
	if syncType == syncTypeFull {
		timeout = e.cfg.FullTimeout
	}

	compressed := len(raw) >= compressionThreshold
	refreshed := false
	retransmitted := false

	for {
		resp, err := e.post(ctx, token, raw, compressed, syncType, timeout)
		if err != nil {
			return syncType, err
		}

		switch {
		case resp.status >= 200 && resp.status <= 299:
			return syncType, e.applyResponse(syncType, resp.body)

		case resp.status == http.StatusUnauthorized || resp.status == http.StatusForbidden:
			if refreshed {
				return syncType, fmt.Errorf("%w: authority rejected refreshed token", ErrReauthRequired)
			}
			refreshed = true
			token, err = e.creds.Refresh(ctx)
			if err != nil {
				return syncType, fmt.Errorf("%w: %v", ErrReauthRequired, err)
			}
			e.logger.Debug().Msg("Retrying sync with refreshed token")

		case resp.status == http.StatusConflict:
			if syncType == syncTypeFull {
				return syncType, &HTTPError{StatusCode: resp.status, Message: "conflict on full sync"}
			}
			// Concurrent remote write beat our delta. Full sync wins
			// over partial reconciliation.
			e.logger.Info().Msg("Delta conflict, escalating to full sync")
			return e.upload(ctx, token, id, deviceID, syncTypeFull, e.store.Snapshot())

		case resp.status == http.StatusBadRequest || resp.status == http.StatusUnsupportedMediaType:
			if !compressed || retransmitted {
				return syncType, &HTTPError{StatusCode: resp.status, Message: "payload rejected"}
			}
			// Authority may not understand gzip; one raw retransmit.
			retransmitted = true
			compressed = false
			e.logger.Debug().Msg("Retransmitting sync payload uncompressed")

		case resp.status >= 500:
			return syncType, fmt.Errorf("%w: status %d", ErrOffline, resp.status)

		default:
			return syncType, &HTTPError{StatusCode: resp.status, Message: "sync update"}
		}
	}
}

type postResult struct {
	status int
	body   []byte
}

func (e *Engine) post(ctx context.Context, token string, raw []byte, compressed bool, syncType string, timeout time.Duration) (*postResult, error) {
	body := raw
	if compressed {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(raw); err != nil {
			return nil, fmt.Errorf("compress payload: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("compress payload: %w", err)
		}
		body = buf.Bytes()
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.ServerURL+"/updateLog", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Sync-Type", syncType)
	if compressed {
		req.Header.Set("Content-Encoding", "gzip")
	}

	e.logger.Debug().
		Str("sync_type", syncType).
		Int("bytes", len(body)).
		Bool("compressed", compressed).
		Msg("Posting sync payload")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOffline, err)
	}
	defer func() { _ = resp.Body.Close() }()

	payloadBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read sync response: %w", err)
	}

	return &postResult{status: resp.StatusCode, body: payloadBytes}, nil
}

// applyResponse folds the authority's answer back into the ledger: deltas
// merge day by day, full syncs adopt the remote snapshot wholesale.
func (e *Engine) applyResponse(syncType string, body []byte) error {
	var out updateResponse
	if len(body) > 0 {
		if err := json.Unmarshal(body, &out); err != nil {
			return fmt.Errorf("decode sync response: %w", err)
		}
	}

	records := make([]ledger.Record, 0, len(out.Records))
	for date, rec := range out.Records {
		if rec.Date == "" {
			rec.Date = date
		}
		records = append(records, rec)
	}

	if syncType == syncTypeFull {
		if len(records) == 0 {
			// A full sync with an empty authoritative snapshot would
			// wipe local history; treat it as merge-nothing instead.
			e.logger.Warn().Msg("Full sync returned no records, keeping local ledger")
			return nil
		}
		return e.store.ReplaceAll(records)
	}

	if len(records) == 0 {
		return nil
	}
	return e.store.MergeRemote(records)
}
