package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	killmailServices "go-kestrel/internal/killmails/services"
	"go-kestrel/internal/zkillboard/models"
	esikillmails "go-kestrel/pkg/evegateway/killmails"
)

func ptr[T any](v T) *T { return &v }

func streamMessage(victimCorp int64, attackerChars ...int64) *models.StreamMessage {
	msg := &models.StreamMessage{
		KillmailResponse: esikillmails.KillmailResponse{
			KillmailID:    99,
			SolarSystemID: 30000142,
			Victim:        esikillmails.Victim{ShipTypeID: 587, CorporationID: ptr(victimCorp)},
		},
		ZKB: models.ZKB{Hash: "abc", TotalValue: 5000},
	}
	for _, id := range attackerChars {
		msg.Attackers = append(msg.Attackers, esikillmails.Attacker{
			CharacterID: ptr(id),
			FinalBlow:   len(msg.Attackers) == 0,
		})
	}
	return msg
}

func TestFollowFilterEmptyPassesEverything(t *testing.T) {
	filter := NewFollowFilter()
	assert.True(t, filter.Empty())
	assert.True(t, filter.Matches(streamMessage(98000001, 2112000001)))
}

func TestFollowFilterMatchesVictim(t *testing.T) {
	filter := NewFollowFilter([]int64{98000001})
	assert.True(t, filter.Matches(streamMessage(98000001, 2112000001)))
	assert.False(t, filter.Matches(streamMessage(98000002, 2112000001)))
}

func TestFollowFilterMatchesAnyAttacker(t *testing.T) {
	filter := NewFollowFilter([]int64{2112000007})
	assert.True(t, filter.Matches(streamMessage(98000001, 2112000001, 2112000007)))
	assert.False(t, filter.Matches(streamMessage(98000001, 2112000001, 2112000002)))
}

func TestFollowFilterFromEnv(t *testing.T) {
	t.Setenv("FOLLOW_CHARACTER_IDS", "100, 200")
	t.Setenv("FOLLOW_CORPORATION_IDS", "98000001")
	t.Setenv("FOLLOW_ALLIANCE_IDS", "")

	filter := FollowFilterFromEnv()
	assert.False(t, filter.Empty())
	assert.True(t, filter.Matches(streamMessage(98000001)))
	assert.True(t, filter.Matches(streamMessage(1, 200)))
	assert.False(t, filter.Matches(streamMessage(1, 300)))
}

func TestStreamListenerHandleFrame(t *testing.T) {
	ingestor := &fakeIngestor{}
	listener := NewStreamListener(ingestor, NewFollowFilter())

	frame, err := json.Marshal(streamMessage(98000001, 2112000001))
	require.NoError(t, err)

	listener.handleFrame(context.Background(), frame)
	listener.handleFrame(context.Background(), frame)

	counters := listener.Counters()
	assert.Equal(t, int64(2), counters.Received)
	assert.Equal(t, int64(1), counters.Ingested)
	assert.Equal(t, int64(1), counters.Duplicates)
	assert.Equal(t, []int64{99}, ingestor.ids)
}

func TestStreamListenerHandleFrameFiltered(t *testing.T) {
	ingestor := &fakeIngestor{}
	listener := NewStreamListener(ingestor, NewFollowFilter([]int64{424242}))

	frame, err := json.Marshal(streamMessage(98000001, 2112000001))
	require.NoError(t, err)
	listener.handleFrame(context.Background(), frame)

	counters := listener.Counters()
	assert.Equal(t, int64(1), counters.Filtered)
	assert.Equal(t, int64(0), counters.Ingested)
	assert.Empty(t, ingestor.ids)
}

func TestStreamListenerIgnoresNonKillmailFrames(t *testing.T) {
	ingestor := &fakeIngestor{}
	listener := NewStreamListener(ingestor, NewFollowFilter())

	listener.handleFrame(context.Background(), []byte(`{"action":"pong"}`))
	listener.handleFrame(context.Background(), []byte(`not json`))

	counters := listener.Counters()
	assert.Equal(t, int64(0), counters.Received)
	assert.Equal(t, int64(1), counters.Errors)
}

func TestRedisQHandleEnqueuesUnseen(t *testing.T) {
	store := &fakeKillmailStore{existing: map[int64]bool{7: true}}
	dispatcher := &fakeDispatcher{}
	consumer := NewRedisQConsumer(store, dispatcher)

	err := consumer.handle(context.Background(), &models.RedisQPackage{
		KillID: 12345,
		ZKB:    models.ZKB{Hash: "abc123"},
	})
	require.NoError(t, err)

	reqs := dispatcher.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, killmailServices.QueueKillmails, reqs[0].Queue)
	assert.Equal(t, killmailServices.JobTypeFetch, reqs[0].Type)

	payload, ok := reqs[0].Payload.(killmailServices.FetchPayload)
	require.True(t, ok)
	assert.Equal(t, int64(12345), payload.KillmailID)
	assert.Equal(t, "abc123", payload.Hash)
}

func TestRedisQHandleSkipsDuplicates(t *testing.T) {
	store := &fakeKillmailStore{existing: map[int64]bool{7: true}}
	dispatcher := &fakeDispatcher{}
	consumer := NewRedisQConsumer(store, dispatcher)

	err := consumer.handle(context.Background(), &models.RedisQPackage{
		KillID: 7,
		ZKB:    models.ZKB{Hash: "abc123"},
	})
	require.NoError(t, err)
	assert.Empty(t, dispatcher.requests())
	assert.Equal(t, int64(1), consumer.Counters().Duplicates)
}

func TestRedisQHandleRejectsIncompletePackage(t *testing.T) {
	consumer := NewRedisQConsumer(&fakeKillmailStore{}, &fakeDispatcher{})

	err := consumer.handle(context.Background(), &models.RedisQPackage{KillID: 7})
	assert.Error(t, err)

	err = consumer.handle(context.Background(), &models.RedisQPackage{ZKB: models.ZKB{Hash: "x"}})
	assert.Error(t, err)
}

func TestRedisQPollDecodesPackage(t *testing.T) {
	var gotQuery atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery.Store(r.URL.RawQuery)
		json.NewEncoder(w).Encode(models.RedisQResponse{
			Package: &models.RedisQPackage{
				KillID: 555,
				ZKB:    models.ZKB{Hash: "h555"},
			},
		})
	}))
	defer server.Close()

	consumer := NewRedisQConsumer(&fakeKillmailStore{}, &fakeDispatcher{})
	consumer.baseURL = server.URL
	consumer.queueID = "test-queue"
	consumer.httpClient = &http.Client{Timeout: time.Second}

	pkg, err := consumer.poll(context.Background(), 5)
	require.NoError(t, err)
	require.NotNil(t, pkg)
	assert.Equal(t, int64(555), pkg.KillID)
	assert.Contains(t, gotQuery.Load().(string), "queueID=test-queue")
	assert.Contains(t, gotQuery.Load().(string), "ttw=5")
}

func TestRedisQPollNullPackage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"package":null}`))
	}))
	defer server.Close()

	consumer := NewRedisQConsumer(&fakeKillmailStore{}, &fakeDispatcher{})
	consumer.baseURL = server.URL

	pkg, err := consumer.poll(context.Background(), 1)
	require.NoError(t, err)
	assert.Nil(t, pkg)
}

func TestStreamListenerResetsReconnectBudgetAfterSession(t *testing.T) {
	var sessions atomic.Int32
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		sessions.Add(1)
		conn.ReadMessage() // the subscription frame
		conn.Close()
	}))
	defer server.Close()

	t.Setenv("ZKILL_STREAM_URL", "ws"+strings.TrimPrefix(server.URL, "http"))
	t.Setenv("ZKILL_STREAM_MAX_RECONNECTS", "2")

	listener := NewStreamListener(&fakeIngestor{}, NewFollowFilter())
	listener.backoffBase = time.Millisecond

	listener.Start(context.Background())
	deadline := time.Now().Add(5 * time.Second)
	for sessions.Load() < 6 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	listener.Stop()

	// Without the reset, the third established drop would exhaust the
	// budget of two reconnects.
	assert.GreaterOrEqual(t, sessions.Load(), int32(6))
}
