package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	killmailModels "go-kestrel/internal/killmails/models"
	killmailServices "go-kestrel/internal/killmails/services"
	queueServices "go-kestrel/internal/queue/services"
	"go-kestrel/internal/zkillboard/models"
	"go-kestrel/pkg/evegateway"
	esikillmails "go-kestrel/pkg/evegateway/killmails"
)

type fakeKillmailStore struct {
	mu       sync.Mutex
	existing map[int64]bool
}

func (f *fakeKillmailStore) Exists(_ context.Context, id int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.existing[id], nil
}

func (f *fakeKillmailStore) ExistingIDs(_ context.Context, ids []int64) (map[int64]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	found := make(map[int64]bool)
	for _, id := range ids {
		if f.existing[id] {
			found[id] = true
		}
	}
	return found, nil
}

type fakeDispatcher struct {
	mu   sync.Mutex
	reqs []queueServices.Request
}

func (f *fakeDispatcher) Dispatch(_ context.Context, req queueServices.Request) (*int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	id := int64(len(f.reqs))
	return &id, nil
}

func (f *fakeDispatcher) DispatchMany(_ context.Context, reqs []queueServices.Request) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, reqs...)
	return int64(len(reqs)), nil
}

func (f *fakeDispatcher) requests() []queueServices.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]queueServices.Request(nil), f.reqs...)
}

type fakeIngestor struct {
	mu   sync.Mutex
	seen map[int64]bool
	ids  []int64
}

func (f *fakeIngestor) Ingest(_ context.Context, full *killmailModels.Full, _ float64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen == nil {
		f.seen = make(map[int64]bool)
	}
	if f.seen[full.Killmail.KillmailID] {
		return false, nil
	}
	f.seen[full.Killmail.KillmailID] = true
	f.ids = append(f.ids, full.Killmail.KillmailID)
	return true, nil
}

type fakeState struct {
	mu    sync.Mutex
	pages map[string]int
}

func (f *fakeState) LastPage(_ context.Context, name string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pages[name], nil
}

func (f *fakeState) SavePage(_ context.Context, name string, page int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pages == nil {
		f.pages = make(map[string]int)
	}
	f.pages[name] = page
	return nil
}

func refRecord(id int64) models.ExportRecord {
	return models.ExportRecord{KillmailID: id, Hash: fmt.Sprintf("hash-%d", id)}
}

func fullRecord(id int64) models.ExportRecord {
	return models.ExportRecord{
		KillmailID: id,
		Hash:       fmt.Sprintf("hash-%d", id),
		ZKB:        &models.ZKB{Hash: fmt.Sprintf("hash-%d", id), TotalValue: 1000},
		Killmail: &esikillmails.KillmailResponse{
			KillmailID:    id,
			KillmailTime:  time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC),
			SolarSystemID: 30000142,
			Victim:        esikillmails.Victim{ShipTypeID: 587, DamageTaken: 450},
			Attackers:     []esikillmails.Attacker{{DamageDone: 450, FinalBlow: true}},
		},
	}
}

// exportServer serves pages of a fixed dataset and records requested skips
func exportServer(t *testing.T, records []models.ExportRecord, skips *[]int) *httptest.Server {
	t.Helper()
	var mu sync.Mutex
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req models.ExportRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		if skips != nil {
			mu.Lock()
			*skips = append(*skips, req.Options.Skip)
			mu.Unlock()
		}

		start := min(req.Options.Skip, len(records))
		end := min(start+req.Options.Limit, len(records))

		response := models.ExportResponse{Data: records[start:end]}
		response.Pagination.HasMore = end < len(records)
		json.NewEncoder(w).Encode(response)
	}))
}

func newTestBackfill(url string, store killmailStore, ingestor killmailIngestor, dispatcher jobDispatcher, state backfillStateStore) *Backfill {
	b := NewBackfill(store, ingestor, dispatcher, state)
	b.baseURL = url
	b.retryInitial = time.Millisecond
	return b
}

func TestBackfillEnqueueTerminatesOnShortPage(t *testing.T) {
	records := make([]models.ExportRecord, 0, 25)
	for id := int64(1); id <= 25; id++ {
		records = append(records, refRecord(id))
	}
	server := exportServer(t, records, nil)
	defer server.Close()

	store := &fakeKillmailStore{existing: map[int64]bool{3: true, 7: true, 21: true}}
	dispatcher := &fakeDispatcher{}
	state := &fakeState{}
	b := newTestBackfill(server.URL, store, &fakeIngestor{}, dispatcher, state)

	err := b.Run(context.Background(), BackfillConfig{
		Name:     "history",
		Mode:     ModeEnqueue,
		PageSize: 10,
	})
	require.NoError(t, err)

	progress := b.Progress()
	assert.Equal(t, int64(3), progress.Pages)
	assert.Equal(t, int64(22), progress.Enqueued)
	assert.Equal(t, int64(3), progress.Duplicates)
	assert.Equal(t, 3, state.pages["history"])

	reqs := dispatcher.requests()
	require.Len(t, reqs, 22)
	for _, req := range reqs {
		assert.Equal(t, killmailServices.QueueKillmails, req.Queue)
		assert.Equal(t, killmailServices.JobTypeFetch, req.Type)
		assert.True(t, req.Options.Dedup)
	}
}

func TestBackfillEnqueueStopsOnEmptyPage(t *testing.T) {
	server := exportServer(t, nil, nil)
	defer server.Close()

	b := newTestBackfill(server.URL, &fakeKillmailStore{}, &fakeIngestor{}, &fakeDispatcher{}, &fakeState{})

	err := b.Run(context.Background(), BackfillConfig{Name: "empty", Mode: ModeEnqueue, PageSize: 10})
	require.NoError(t, err)
	assert.Equal(t, int64(0), b.Progress().Enqueued)
}

func TestBackfillResumeSkipsCompletedPages(t *testing.T) {
	records := make([]models.ExportRecord, 0, 25)
	for id := int64(1); id <= 25; id++ {
		records = append(records, refRecord(id))
	}
	var skips []int
	server := exportServer(t, records, &skips)
	defer server.Close()

	state := &fakeState{pages: map[string]int{"history": 2}}
	dispatcher := &fakeDispatcher{}
	b := newTestBackfill(server.URL, &fakeKillmailStore{}, &fakeIngestor{}, dispatcher, state)

	err := b.Run(context.Background(), BackfillConfig{
		Name:     "history",
		Mode:     ModeEnqueue,
		PageSize: 10,
		Resume:   true,
	})
	require.NoError(t, err)

	for _, skip := range skips {
		assert.GreaterOrEqual(t, skip, 20, "resumed run must not refetch completed pages")
	}
	assert.Equal(t, int64(5), b.Progress().Enqueued)
}

func TestBackfillRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(models.ExportResponse{})
	}))
	defer server.Close()

	b := newTestBackfill(server.URL, &fakeKillmailStore{}, &fakeIngestor{}, &fakeDispatcher{}, &fakeState{})

	err := b.Run(context.Background(), BackfillConfig{Name: "flaky", Mode: ModeEnqueue, PageSize: 10})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, calls.Load(), int64(3))
}

func TestBackfillAbortsOnContractError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad filter", http.StatusBadRequest)
	}))
	defer server.Close()

	b := newTestBackfill(server.URL, &fakeKillmailStore{}, &fakeIngestor{}, &fakeDispatcher{}, &fakeState{})

	err := b.Run(context.Background(), BackfillConfig{Name: "broken", Mode: ModeEnqueue, PageSize: 10})
	require.Error(t, err)
	assert.False(t, evegateway.IsRetryable(err))
}

func TestBackfillDirectModeIngests(t *testing.T) {
	records := make([]models.ExportRecord, 0, 14)
	for id := int64(1); id <= 14; id++ {
		records = append(records, fullRecord(id))
	}
	server := exportServer(t, records, nil)
	defer server.Close()

	ingestor := &fakeIngestor{seen: map[int64]bool{5: true}}
	state := &fakeState{}
	b := newTestBackfill(server.URL, &fakeKillmailStore{}, ingestor, &fakeDispatcher{}, state)

	err := b.Run(context.Background(), BackfillConfig{Name: "direct", Mode: ModeDirect, PageSize: 10})
	require.NoError(t, err)

	progress := b.Progress()
	assert.Equal(t, int64(2), progress.Pages)
	assert.Equal(t, int64(13), progress.Ingested)
	assert.Equal(t, int64(1), progress.Duplicates)
	assert.Equal(t, 2, state.pages["direct"])
}

func TestResumeCommand(t *testing.T) {
	cmd := ResumeCommand(BackfillConfig{Name: "history", Mode: ModeEnqueue, PageSize: 500})
	assert.Equal(t, "backfill -name history -mode enqueue -page-size 500 -resume", cmd)
}
