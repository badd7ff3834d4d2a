package sync

import (
	"compress/gzip"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/SichengYang/Worthier-Desktop-sub000/internal/auth"
	"github.com/SichengYang/Worthier-Desktop-sub000/internal/clock"
	"github.com/SichengYang/Worthier-Desktop-sub000/internal/ledger"
	"github.com/SichengYang/Worthier-Desktop-sub000/internal/metrics"
)

type fakeStore struct {
	mu sync.Mutex

	changed  []ledger.Record
	recent   []ledger.Record
	snapshot []ledger.Record

	changedSinceArg time.Time
	lastDaysArg     int
	merged          []ledger.Record
	replaced        []ledger.Record
	replaceCalled   bool
}

func (s *fakeStore) ChangedSince(watermark time.Time) []ledger.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changedSinceArg = watermark
	return s.changed
}

func (s *fakeStore) LastDays(n int) []ledger.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastDaysArg = n
	return s.recent
}

func (s *fakeStore) Snapshot() []ledger.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot
}

func (s *fakeStore) MergeRemote(records []ledger.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.merged = append(s.merged, records...)
	return nil
}

func (s *fakeStore) ReplaceAll(records []ledger.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replaceCalled = true
	s.replaced = records
	return nil
}

type fakeCreds struct {
	mu           sync.Mutex
	identity     auth.Identity
	refreshErr   error
	refreshCalls int
}

func (c *fakeCreds) Load() (*auth.Identity, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.identity
	return &id, nil
}

func (c *fakeCreds) Refresh(context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshCalls++
	if c.refreshErr != nil {
		return "", c.refreshErr
	}
	return "tok-refreshed", nil
}

func (c *fakeCreds) DeviceID() (string, error) { return "dev-1", nil }

func (c *fakeCreds) refreshCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshCalls
}

// updateRequest is one captured POST to /updateLog.
type updateRequest struct {
	bearer   string
	syncType string
	encoding string
	body     payload
}

// authority is a scripted stand-in for the remote sync server.
type authority struct {
	t   *testing.T
	srv *httptest.Server

	mu              sync.Mutex
	watermark       *time.Time
	watermarkStatus int
	updateStatuses  []int
	updateBody      string
	watermarkHits   int
	updates         []updateRequest
}

func newAuthority(t *testing.T) *authority {
	t.Helper()
	a := &authority{t: t, updateStatuses: []int{http.StatusOK}, updateBody: "{}"}
	a.srv = httptest.NewServer(http.HandlerFunc(a.handle))
	t.Cleanup(a.srv.Close)
	return a
}

func (a *authority) handle(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch r.URL.Path {
	case "/getLastSyncTime":
		a.watermarkHits++
		if a.watermarkStatus != 0 {
			w.WriteHeader(a.watermarkStatus)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]*time.Time{"lastSyncTime": a.watermark})

	case "/updateLog":
		var reader io.Reader = r.Body
		if r.Header.Get("Content-Encoding") == "gzip" {
			zr, err := gzip.NewReader(r.Body)
			if err != nil {
				a.t.Errorf("bad gzip body: %v", err)
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			reader = zr
		}

		var body payload
		if err := json.NewDecoder(reader).Decode(&body); err != nil {
			a.t.Errorf("bad update body: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		a.updates = append(a.updates, updateRequest{
			bearer:   strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "),
			syncType: r.Header.Get("X-Sync-Type"),
			encoding: r.Header.Get("Content-Encoding"),
			body:     body,
		})

		status := a.updateStatuses[0]
		if len(a.updateStatuses) > 1 {
			a.updateStatuses = a.updateStatuses[1:]
		}
		w.WriteHeader(status)
		if status >= 200 && status <= 299 {
			_, _ = w.Write([]byte(a.updateBody))
		}

	default:
		a.t.Errorf("unexpected request path %s", r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
	}
}

func (a *authority) updateCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.updates)
}

func (a *authority) update(i int) updateRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.updates[i]
}

func record(date string, minutes int, updated time.Time) ledger.Record {
	return ledger.Record{
		Date:           date,
		WorkingMinutes: minutes,
		CreatedAt:      updated,
		LastUpdated:    updated,
	}
}

func newTestEngine(t *testing.T, a *authority, store *fakeStore, creds *fakeCreds) *Engine {
	t.Helper()
	clk := &clock.TestClock{CurrentTime: time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)}
	return NewEngine(Config{ServerURL: a.srv.URL}, store, creds, a.srv.Client(), clk, zerolog.Nop())
}

func validCreds() *fakeCreds {
	return &fakeCreds{identity: auth.Identity{
		UserID:      "u1",
		Username:    "alice",
		Email:       "alice@example.com",
		AccessToken: "tok-1",
	}}
}

func TestSync_DeltaSendsRecordsChangedSinceWatermark(t *testing.T) {
	a := newAuthority(t)
	mark := time.Date(2025, 3, 8, 0, 0, 0, 0, time.UTC)
	a.watermark = &mark

	updated := mark.Add(24 * time.Hour)
	store := &fakeStore{changed: []ledger.Record{record("2025-03-09", 120, updated)}}
	creds := validCreds()
	eng := newTestEngine(t, a, store, creds)

	if err := eng.Sync(context.Background()); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	if !store.changedSinceArg.Equal(mark) {
		t.Errorf("ChangedSince called with %v, want %v", store.changedSinceArg, mark)
	}
	if store.lastDaysArg != 0 {
		t.Error("LastDays should not be consulted when a watermark exists")
	}

	if a.updateCount() != 1 {
		t.Fatalf("authority saw %d updates, want 1", a.updateCount())
	}
	up := a.update(0)
	if up.syncType != "delta" {
		t.Errorf("sync type = %q, want delta", up.syncType)
	}
	if up.bearer != "tok-1" {
		t.Errorf("bearer = %q, want tok-1", up.bearer)
	}
	if up.body.DeviceID != "dev-1" {
		t.Errorf("device = %q, want dev-1", up.body.DeviceID)
	}
	rec, ok := up.body.Records["2025-03-09"]
	if !ok {
		t.Fatalf("payload missing record for 2025-03-09: %v", up.body.Records)
	}
	if rec.WorkingMinutes != 120 {
		t.Errorf("payload minutes = %d, want 120", rec.WorkingMinutes)
	}
	if !up.body.LastUpdatedAt.Equal(updated) {
		t.Errorf("payload lastUpdatedAt = %v, want %v", up.body.LastUpdatedAt, updated)
	}
}

func TestSync_ZeroWatermarkUsesFirstSyncWindow(t *testing.T) {
	a := newAuthority(t)
	a.watermark = nil // device never synced

	store := &fakeStore{recent: []ledger.Record{record("2025-03-09", 30, time.Now())}}
	eng := newTestEngine(t, a, store, validCreds())

	if err := eng.Sync(context.Background()); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	if store.lastDaysArg != 30 {
		t.Errorf("first sync window = %d days, want 30", store.lastDaysArg)
	}
	if !store.changedSinceArg.IsZero() {
		t.Error("ChangedSince should not be consulted on first sync")
	}
}

func TestSync_WatermarkFetchFailureFallsBackToFirstSync(t *testing.T) {
	a := newAuthority(t)
	a.watermarkStatus = http.StatusInternalServerError

	store := &fakeStore{recent: []ledger.Record{record("2025-03-09", 30, time.Now())}}
	eng := newTestEngine(t, a, store, validCreds())

	if err := eng.Sync(context.Background()); err != nil {
		t.Fatalf("Sync should survive a watermark fetch failure, got %v", err)
	}
	if store.lastDaysArg != 30 {
		t.Errorf("fallback window = %d days, want 30", store.lastDaysArg)
	}
	if a.updateCount() != 1 {
		t.Errorf("authority saw %d updates, want 1", a.updateCount())
	}
}

func TestSync_NoChangesSkipsUpload(t *testing.T) {
	a := newAuthority(t)
	mark := time.Date(2025, 3, 8, 0, 0, 0, 0, time.UTC)
	a.watermark = &mark

	store := &fakeStore{} // nothing changed since the watermark
	eng := newTestEngine(t, a, store, validCreds())

	if err := eng.Sync(context.Background()); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if a.updateCount() != 0 {
		t.Errorf("authority saw %d updates, want 0", a.updateCount())
	}
}

func TestSync_SmallPayloadStaysUncompressed(t *testing.T) {
	a := newAuthority(t)
	store := &fakeStore{recent: []ledger.Record{record("2025-03-09", 30, time.Now())}}
	eng := newTestEngine(t, a, store, validCreds())

	if err := eng.Sync(context.Background()); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	if got := a.update(0).encoding; got != "" {
		t.Errorf("small payload sent with Content-Encoding %q, want none", got)
	}
}

func TestSync_LargePayloadGzipped(t *testing.T) {
	a := newAuthority(t)
	store := &fakeStore{recent: manyRecords(40)}
	eng := newTestEngine(t, a, store, validCreds())

	if err := eng.Sync(context.Background()); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	up := a.update(0)
	if up.encoding != "gzip" {
		t.Fatalf("large payload Content-Encoding = %q, want gzip", up.encoding)
	}
	// The authority handler already gunzipped and decoded; the record tree
	// must have survived the round trip.
	if len(up.body.Records) != 40 {
		t.Errorf("decoded %d records, want 40", len(up.body.Records))
	}
}

func TestSync_CompressionThresholdBoundary(t *testing.T) {
	tests := []struct {
		name     string
		rawBytes int
		wantGzip bool
	}{
		{
			name:     "one byte below threshold",
			rawBytes: compressionThreshold - 1,
			wantGzip: false,
		},
		{
			name:     "exactly at threshold",
			rawBytes: compressionThreshold,
			wantGzip: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newAuthority(t)
			records := []ledger.Record{record("2025-03-09", 30, time.Date(2025, 3, 9, 8, 0, 0, 0, time.UTC))}

			creds := validCreds()
			creds.identity.Username = padUsernameTo(t, creds.identity, records, tt.rawBytes)

			store := &fakeStore{recent: records}
			eng := newTestEngine(t, a, store, creds)

			if err := eng.Sync(context.Background()); err != nil {
				t.Fatalf("Sync failed: %v", err)
			}

			gzipped := a.update(0).encoding == "gzip"
			if gzipped != tt.wantGzip {
				t.Errorf("payload of %d bytes gzipped = %v, want %v", tt.rawBytes, gzipped, tt.wantGzip)
			}
		})
	}
}

// padUsernameTo returns a username that brings the serialized payload for
// the given identity and records to exactly target bytes. Every username
// character adds one byte to the encoding.
func padUsernameTo(t *testing.T, id auth.Identity, records []ledger.Record, target int) string {
	t.Helper()

	tree := make(map[string]ledger.Record, len(records))
	var last time.Time
	for _, rec := range records {
		tree[rec.Date] = rec
		if rec.LastUpdated.After(last) {
			last = rec.LastUpdated
		}
	}

	raw, err := json.Marshal(payload{
		Identity: payloadIdentity{
			UserID:   id.UserID,
			Username: "",
			Email:    id.Email,
		},
		DeviceID:      "dev-1",
		Records:       tree,
		LastUpdatedAt: last,
		SyncType:      syncTypeDelta,
	})
	if err != nil {
		t.Fatalf("encode payload: %v", err)
	}
	if len(raw) > target {
		t.Fatalf("base payload is already %d bytes, past target %d", len(raw), target)
	}
	return strings.Repeat("a", target-len(raw))
}

// manyRecords builds a changed-record set whose JSON encoding is comfortably
// past the compression threshold.
func manyRecords(n int) []ledger.Record {
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	records := make([]ledger.Record, 0, n)
	for i := 0; i < n; i++ {
		day := now.AddDate(0, 0, -i)
		records = append(records, record(day.Format(ledger.DateFormat), 60+i, day))
	}
	return records
}

func TestSync_UnauthorizedRefreshesOnceAndRetries(t *testing.T) {
	a := newAuthority(t)
	a.updateStatuses = []int{http.StatusUnauthorized, http.StatusOK}

	store := &fakeStore{recent: []ledger.Record{record("2025-03-09", 30, time.Now())}}
	creds := validCreds()
	eng := newTestEngine(t, a, store, creds)

	if err := eng.Sync(context.Background()); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	if creds.refreshCount() != 1 {
		t.Errorf("refresh called %d times, want 1", creds.refreshCount())
	}
	if a.updateCount() != 2 {
		t.Fatalf("authority saw %d updates, want 2", a.updateCount())
	}
	if got := a.update(1).bearer; got != "tok-refreshed" {
		t.Errorf("retry bearer = %q, want tok-refreshed", got)
	}
}

func TestSync_RefreshedTokenStillRejectedMeansReauth(t *testing.T) {
	a := newAuthority(t)
	a.updateStatuses = []int{http.StatusUnauthorized}

	store := &fakeStore{recent: []ledger.Record{record("2025-03-09", 30, time.Now())}}
	creds := validCreds()
	eng := newTestEngine(t, a, store, creds)

	err := eng.Sync(context.Background())
	if !errors.Is(err, ErrReauthRequired) {
		t.Fatalf("err = %v, want ErrReauthRequired", err)
	}
	if creds.refreshCount() != 1 {
		t.Errorf("refresh called %d times, want exactly 1", creds.refreshCount())
	}
}

func TestSync_RefreshFailureMeansReauth(t *testing.T) {
	a := newAuthority(t)
	a.updateStatuses = []int{http.StatusUnauthorized}

	store := &fakeStore{recent: []ledger.Record{record("2025-03-09", 30, time.Now())}}
	creds := validCreds()
	creds.refreshErr = errors.New("refresh endpoint said no")
	eng := newTestEngine(t, a, store, creds)

	if err := eng.Sync(context.Background()); !errors.Is(err, ErrReauthRequired) {
		t.Fatalf("err = %v, want ErrReauthRequired", err)
	}
}

func TestSync_ConflictEscalatesToFullSync(t *testing.T) {
	a := newAuthority(t)
	a.updateStatuses = []int{http.StatusConflict, http.StatusOK}

	now := time.Now()
	store := &fakeStore{
		recent: []ledger.Record{record("2025-03-09", 30, now)},
		snapshot: []ledger.Record{
			record("2025-03-08", 90, now),
			record("2025-03-09", 30, now),
			record("2025-03-10", 15, now),
		},
	}
	eng := newTestEngine(t, a, store, validCreds())

	fullBefore := testutil.ToFloat64(metrics.SyncCycles.WithLabelValues("full"))
	deltaBefore := testutil.ToFloat64(metrics.SyncCycles.WithLabelValues("delta"))

	if err := eng.Sync(context.Background()); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	if a.updateCount() != 2 {
		t.Fatalf("authority saw %d updates, want delta then full", a.updateCount())
	}
	full := a.update(1)
	if full.syncType != "full" {
		t.Errorf("escalation sync type = %q, want full", full.syncType)
	}
	if len(full.body.Records) != 3 {
		t.Errorf("full sync carried %d records, want the whole ledger (3)", len(full.body.Records))
	}

	// The cycle completed as a full sync and is counted as one.
	if got := testutil.ToFloat64(metrics.SyncCycles.WithLabelValues("full")); got != fullBefore+1 {
		t.Errorf("full cycle count = %v, want %v", got, fullBefore+1)
	}
	if got := testutil.ToFloat64(metrics.SyncCycles.WithLabelValues("delta")); got != deltaBefore {
		t.Errorf("delta cycle count = %v, want unchanged %v", got, deltaBefore)
	}
}

func TestSync_ConflictOnFullSyncIsFatal(t *testing.T) {
	a := newAuthority(t)
	a.updateStatuses = []int{http.StatusConflict}

	store := &fakeStore{
		recent:   []ledger.Record{record("2025-03-09", 30, time.Now())},
		snapshot: []ledger.Record{record("2025-03-09", 30, time.Now())},
	}
	eng := newTestEngine(t, a, store, validCreds())

	err := eng.Sync(context.Background())
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("err = %v, want HTTPError", err)
	}
	if httpErr.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", httpErr.StatusCode)
	}
	// Delta conflict, then full conflict. No third attempt.
	if a.updateCount() != 2 {
		t.Errorf("authority saw %d updates, want 2", a.updateCount())
	}
}

func TestSync_RejectedGzipRetransmitsUncompressedOnce(t *testing.T) {
	a := newAuthority(t)
	a.updateStatuses = []int{http.StatusUnsupportedMediaType, http.StatusOK}

	store := &fakeStore{recent: manyRecords(40)}
	eng := newTestEngine(t, a, store, validCreds())

	if err := eng.Sync(context.Background()); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	if a.updateCount() != 2 {
		t.Fatalf("authority saw %d updates, want 2", a.updateCount())
	}
	if a.update(0).encoding != "gzip" {
		t.Error("first attempt should have been gzipped")
	}
	if got := a.update(1).encoding; got != "" {
		t.Errorf("retransmit Content-Encoding = %q, want none", got)
	}
}

func TestSync_UncompressedRejectionIsFatal(t *testing.T) {
	a := newAuthority(t)
	a.updateStatuses = []int{http.StatusUnsupportedMediaType}

	// Small payload, never compressed, so no retransmit path applies.
	store := &fakeStore{recent: []ledger.Record{record("2025-03-09", 30, time.Now())}}
	eng := newTestEngine(t, a, store, validCreds())

	err := eng.Sync(context.Background())
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("err = %v, want HTTPError", err)
	}
	if a.updateCount() != 1 {
		t.Errorf("authority saw %d updates, want 1", a.updateCount())
	}
}

func TestSync_ServerErrorIsOffline(t *testing.T) {
	a := newAuthority(t)
	a.updateStatuses = []int{http.StatusBadGateway}

	store := &fakeStore{recent: []ledger.Record{record("2025-03-09", 30, time.Now())}}
	eng := newTestEngine(t, a, store, validCreds())

	if err := eng.Sync(context.Background()); !errors.Is(err, ErrOffline) {
		t.Fatalf("err = %v, want ErrOffline", err)
	}
}

func TestSync_DeltaResponseMergesIntoLedger(t *testing.T) {
	a := newAuthority(t)
	a.updateBody = `{"records":{"2025-03-07":{"workingMinutes":200,"extendedSessions":1}}}`

	store := &fakeStore{recent: []ledger.Record{record("2025-03-09", 30, time.Now())}}
	eng := newTestEngine(t, a, store, validCreds())

	if err := eng.Sync(context.Background()); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	if len(store.merged) != 1 {
		t.Fatalf("merged %d records, want 1", len(store.merged))
	}
	got := store.merged[0]
	if got.Date != "2025-03-07" || got.WorkingMinutes != 200 || got.ExtendedSessions != 1 {
		t.Errorf("merged record = %+v, want 2025-03-07 / 200 min / 1 extended", got)
	}
	if store.replaceCalled {
		t.Error("delta response must merge, never replace")
	}
}

func TestSync_FullResponseReplacesLedger(t *testing.T) {
	a := newAuthority(t)
	a.updateStatuses = []int{http.StatusConflict, http.StatusOK}
	a.updateBody = `{"records":{"2025-03-01":{"workingMinutes":45}}}`

	store := &fakeStore{
		recent:   []ledger.Record{record("2025-03-09", 30, time.Now())},
		snapshot: []ledger.Record{record("2025-03-09", 30, time.Now())},
	}
	eng := newTestEngine(t, a, store, validCreds())

	if err := eng.Sync(context.Background()); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	if !store.replaceCalled {
		t.Fatal("full sync response should replace the ledger")
	}
	if len(store.replaced) != 1 || store.replaced[0].Date != "2025-03-01" {
		t.Errorf("replaced = %+v, want the remote snapshot", store.replaced)
	}
}

func TestSync_EmptyFullResponseKeepsLocalLedger(t *testing.T) {
	a := newAuthority(t)
	a.updateStatuses = []int{http.StatusConflict, http.StatusOK}
	a.updateBody = `{}`

	store := &fakeStore{
		recent:   []ledger.Record{record("2025-03-09", 30, time.Now())},
		snapshot: []ledger.Record{record("2025-03-09", 30, time.Now())},
	}
	eng := newTestEngine(t, a, store, validCreds())

	if err := eng.Sync(context.Background()); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if store.replaceCalled {
		t.Error("an empty authoritative snapshot must not wipe local history")
	}
}

func TestSync_ExpiredTokenRefreshedBeforeUpload(t *testing.T) {
	a := newAuthority(t)
	store := &fakeStore{recent: []ledger.Record{record("2025-03-09", 30, time.Now())}}
	creds := validCreds()
	creds.identity.AccessToken = expiredJWT(t)
	eng := newTestEngine(t, a, store, creds)

	if err := eng.Sync(context.Background()); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	if creds.refreshCount() != 1 {
		t.Errorf("refresh called %d times, want 1", creds.refreshCount())
	}
	if got := a.update(0).bearer; got != "tok-refreshed" {
		t.Errorf("upload bearer = %q, want the refreshed token", got)
	}
}

// expiredJWT builds an unsigned token whose exp claim is long past. Expiry
// inspection does not verify signatures, so a placeholder one is enough.
func expiredJWT(t *testing.T) string {
	t.Helper()
	enc := func(v any) string {
		raw, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("encode claim: %v", err)
		}
		return base64.RawURLEncoding.EncodeToString(raw)
	}
	header := enc(map[string]string{"alg": "HS256", "typ": "JWT"})
	claims := enc(map[string]int64{"exp": time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC).Unix()})
	return fmt.Sprintf("%s.%s.%s", header, claims, base64.RawURLEncoding.EncodeToString([]byte("sig")))
}

func TestRunner_SyncNowIsSingleFlight(t *testing.T) {
	a := newAuthority(t)
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	// Hold the first cycle open on its first request so a second SyncNow
	// lands while it is in flight.
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() { close(started) })
		<-release
		a.handle(w, r)
	}))
	defer slow.Close()

	store := &fakeStore{recent: []ledger.Record{record("2025-03-09", 30, time.Now())}}
	clk := &clock.TestClock{CurrentTime: time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)}
	eng := NewEngine(Config{ServerURL: slow.URL}, store, validCreds(), slow.Client(), clk, zerolog.Nop())
	runner := NewRunner(eng, time.Hour, zerolog.Nop())

	done := make(chan error, 1)
	go func() { done <- runner.SyncNow(context.Background()) }()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("first cycle never reached the authority")
	}

	if err := runner.SyncNow(context.Background()); !errors.Is(err, ErrSyncInProgress) {
		t.Fatalf("concurrent SyncNow returned %v, want ErrSyncInProgress", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first cycle failed: %v", err)
	}
}
