package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	killmailServices "go-kestrel/internal/killmails/services"
	"go-kestrel/internal/zkillboard/models"
	"go-kestrel/pkg/config"
)

// Listener connection states
type ListenerState int32

const (
	StateDisconnected ListenerState = iota
	StateConnecting
	StateConnected
	StateSubscribed
	StateReceiving
)

func (s ListenerState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateSubscribed:
		return "subscribed"
	case StateReceiving:
		return "receiving"
	default:
		return "disconnected"
	}
}

const (
	defaultStreamURL = "wss://zkillboard.com/websocket/"
	streamChannel    = "killstream"

	reconnectBase        = 5 * time.Second
	defaultMaxReconnects = 10

	pongWait   = 90 * time.Second
	pingPeriod = 30 * time.Second
)

// FollowFilter is the in-memory set of followed entity ids. An empty
// filter passes everything.
type FollowFilter struct {
	ids map[int64]bool
}

// NewFollowFilter builds a filter from id lists
func NewFollowFilter(ids ...[]int64) *FollowFilter {
	f := &FollowFilter{ids: make(map[int64]bool)}
	for _, list := range ids {
		for _, id := range list {
			f.ids[id] = true
		}
	}
	return f
}

// FollowFilterFromEnv reads FOLLOW_CHARACTER_IDS, FOLLOW_CORPORATION_IDS,
// and FOLLOW_ALLIANCE_IDS (comma-separated)
func FollowFilterFromEnv() *FollowFilter {
	return NewFollowFilter(
		config.GetInt64ListEnv("FOLLOW_CHARACTER_IDS"),
		config.GetInt64ListEnv("FOLLOW_CORPORATION_IDS"),
		config.GetInt64ListEnv("FOLLOW_ALLIANCE_IDS"),
	)
}

// Empty reports whether the filter passes everything
func (f *FollowFilter) Empty() bool {
	return len(f.ids) == 0
}

// Matches reports whether the victim or any attacker intersects the
// followed set
func (f *FollowFilter) Matches(msg *models.StreamMessage) bool {
	if f.Empty() {
		return true
	}

	check := func(ids ...*int64) bool {
		for _, id := range ids {
			if id != nil && f.ids[*id] {
				return true
			}
		}
		return false
	}

	if check(msg.Victim.CharacterID, msg.Victim.CorporationID, msg.Victim.AllianceID) {
		return true
	}
	for _, a := range msg.Attackers {
		if check(a.CharacterID, a.CorporationID, a.AllianceID) {
			return true
		}
	}
	return false
}

// StreamListener consumes full killmail bodies from the websocket
// killstream and pushes them straight through the ingestor
type StreamListener struct {
	url           string
	filter        *FollowFilter
	ingestor      killmailIngestor
	maxReconnects int
	backoffBase   time.Duration

	state atomic.Int32

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
	done   chan struct{}

	received atomic.Int64
	ingested atomic.Int64
	filtered atomic.Int64
	dupes    atomic.Int64
	errors   atomic.Int64
}

// NewStreamListener creates a new websocket listener
func NewStreamListener(ingestor killmailIngestor, filter *FollowFilter) *StreamListener {
	return &StreamListener{
		url:           config.GetEnv("ZKILL_STREAM_URL", defaultStreamURL),
		filter:        filter,
		ingestor:      ingestor,
		maxReconnects: config.GetIntEnv("ZKILL_STREAM_MAX_RECONNECTS", defaultMaxReconnects),
		backoffBase:   reconnectBase,
	}
}

// State returns the current connection state
func (l *StreamListener) State() ListenerState {
	return ListenerState(l.state.Load())
}

func (l *StreamListener) setState(s ListenerState) {
	old := ListenerState(l.state.Swap(int32(s)))
	if old != s {
		slog.Debug("Stream listener state changed", "from", old.String(), "to", s.String())
	}
}

// Counters returns the cumulative counters
func (l *StreamListener) Counters() models.ListenerCounters {
	return models.ListenerCounters{
		Received:   l.received.Load(),
		Ingested:   l.ingested.Load(),
		Duplicates: l.dupes.Load(),
		Filtered:   l.filtered.Load(),
		Errors:     l.errors.Load(),
	}
}

// Start launches the connect/receive loop
func (l *StreamListener) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.done = make(chan struct{})

	slog.Info("Starting killstream listener", "url", l.url, "filtered", !l.filter.Empty())
	go l.run(ctx)
}

// Stop closes the connection, waits for the loop, and logs the counters
func (l *StreamListener) Stop() {
	if l.cancel != nil {
		l.cancel()
	}

	l.mu.Lock()
	if l.conn != nil {
		l.conn.Close()
	}
	l.mu.Unlock()

	if l.done != nil {
		<-l.done
	}

	counters := l.Counters()
	slog.Info("Killstream listener stopped",
		"received", counters.Received,
		"ingested", counters.Ingested,
		"duplicates", counters.Duplicates,
		"filtered", counters.Filtered,
		"errors", counters.Errors)
}

func (l *StreamListener) run(ctx context.Context) {
	defer close(l.done)
	defer l.setState(StateDisconnected)

	attempts := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := l.connectAndReceive(ctx)
		if ctx.Err() != nil {
			return
		}

		// A session that made it to receiving ends a failure streak;
		// the budget only counts consecutive failed connects.
		if l.State() == StateReceiving {
			attempts = 0
		}

		attempts++
		if attempts > l.maxReconnects {
			slog.Error("Killstream reconnect attempts exhausted",
				"attempts", attempts-1, "error", err)
			return
		}

		backoff := l.backoffBase * time.Duration(1<<uint(attempts-1))
		if backoff > 5*time.Minute {
			backoff = 5 * time.Minute
		}
		slog.Warn("Killstream disconnected, reconnecting",
			"attempt", attempts, "backoff", backoff.String(), "error", err)

		l.setState(StateDisconnected)
		if !sleepUnlessDone(ctx, backoff) {
			return
		}
	}
}

// connectAndReceive runs one connection lifetime: dial, subscribe,
// receive until the connection drops
func (l *StreamListener) connectAndReceive(ctx context.Context) error {
	l.setState(StateConnecting)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, l.url, nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}
	defer conn.Close()

	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()

	l.setState(StateConnected)

	sub := models.StreamSubscribe{Action: "sub", Channel: streamChannel}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("subscribe failed: %w", err)
	}
	l.setState(StateSubscribed)

	// Keepalive: answer server pings and send our own on a timer.
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	conn.SetPingHandler(func(payload string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(payload), time.Now().Add(10*time.Second))
	})

	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-ticker.C:
				conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
			}
		}
	}()

	l.setState(StateReceiving)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read failed: %w", err)
		}
		l.handleFrame(ctx, data)
	}
}

func (l *StreamListener) handleFrame(ctx context.Context, data []byte) {
	var msg models.StreamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		l.errors.Add(1)
		slog.Warn("Unparseable killstream frame", "error", err)
		return
	}
	if msg.KillmailID == 0 {
		return
	}

	l.received.Add(1)

	if !l.filter.Matches(&msg) {
		l.filtered.Add(1)
		return
	}

	full := killmailServices.ConvertESI(&msg.KillmailResponse, msg.ZKB.Hash)
	inserted, err := l.ingestor.Ingest(ctx, full, msg.ZKB.TotalValue)
	if err != nil {
		l.errors.Add(1)
		return
	}
	if inserted {
		l.ingested.Add(1)
	} else {
		l.dupes.Add(1)
	}
}
