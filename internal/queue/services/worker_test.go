package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-kestrel/internal/queue/models"
	"go-kestrel/pkg/evegateway"
)

// fakeStore is an in-memory JobStore for worker tests
type fakeStore struct {
	mu   sync.Mutex
	jobs []*models.Job

	completed []int64
	released  []int64
	failures  []fakeFailure
}

type fakeFailure struct {
	id        int64
	permanent bool
	err       string
}

func (s *fakeStore) push(job *models.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job)
}

func (s *fakeStore) Claim(_ context.Context, queue string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, job := range s.jobs {
		if job.Queue == queue {
			s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
			job.Attempts++
			return job, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) Complete(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = append(s.completed, id)
	return nil
}

func (s *fakeStore) Fail(_ context.Context, job *models.Job, failure error, permanent bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, fakeFailure{id: job.ID, permanent: permanent, err: failure.Error()})
	// Mimic the repository retry semantics so the worker loop sees the job
	// again when attempts remain.
	if !permanent && job.Attempts < job.MaxAttempts {
		s.jobs = append(s.jobs, job)
	}
	return nil
}

func (s *fakeStore) Release(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = append(s.released, id)
	return nil
}

func (s *fakeStore) snapshot() ([]int64, []fakeFailure) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.completed...), append([]fakeFailure(nil), s.failures...)
}

func testJob(id int64, queue, jobType string) *models.Job {
	return &models.Job{
		ID:          id,
		Queue:       queue,
		Type:        jobType,
		Payload:     json.RawMessage(`{}`),
		Status:      models.StatusPending,
		MaxAttempts: 3,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestWorkerPool_CompletesJob(t *testing.T) {
	store := &fakeStore{}
	store.push(testJob(1, "killmails", "fetch"))

	pool := NewWorkerPool(store)
	handled := make(chan int64, 1)
	pool.Register("killmails", "fetch", func(_ context.Context, job *models.Job) error {
		handled <- job.ID
		return nil
	})

	pool.Start(context.Background(), []QueueConfig{{Name: "killmails", Workers: 1, PollInterval: 5 * time.Millisecond}})
	defer pool.Stop()

	select {
	case id := <-handled:
		assert.Equal(t, int64(1), id)
	case <-time.After(2 * time.Second):
		t.Fatal("job was not handled")
	}

	waitFor(t, func() bool {
		completed, _ := store.snapshot()
		return len(completed) == 1
	})
}

func TestWorkerPool_RetriesThenSucceeds(t *testing.T) {
	store := &fakeStore{}
	store.push(testJob(7, "killmails", "fetch"))

	pool := NewWorkerPool(store)
	var calls int
	var mu sync.Mutex
	pool.Register("killmails", "fetch", func(_ context.Context, _ *models.Job) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls < 3 {
			return &evegateway.TransientError{StatusCode: 502}
		}
		return nil
	})

	pool.Start(context.Background(), []QueueConfig{{Name: "killmails", Workers: 1, PollInterval: 5 * time.Millisecond}})
	defer pool.Stop()

	waitFor(t, func() bool {
		completed, _ := store.snapshot()
		return len(completed) == 1
	})

	completed, failures := store.snapshot()
	assert.Equal(t, []int64{7}, completed)
	require.Len(t, failures, 2)
	for _, failure := range failures {
		assert.False(t, failure.permanent)
	}
}

func TestWorkerPool_PermanentErrorDoesNotRetry(t *testing.T) {
	store := &fakeStore{}
	store.push(testJob(9, "killmails", "fetch"))

	pool := NewWorkerPool(store)
	pool.Register("killmails", "fetch", func(_ context.Context, _ *models.Job) error {
		return &evegateway.ContractError{Endpoint: "/killmails/9/x/", Err: errors.New("bad shape")}
	})

	pool.Start(context.Background(), []QueueConfig{{Name: "killmails", Workers: 1, PollInterval: 5 * time.Millisecond}})
	defer pool.Stop()

	waitFor(t, func() bool {
		_, failures := store.snapshot()
		return len(failures) == 1
	})

	_, failures := store.snapshot()
	assert.True(t, failures[0].permanent)

	completed, _ := store.snapshot()
	assert.Empty(t, completed)
}

func TestWorkerPool_UnknownTypeFailsPermanently(t *testing.T) {
	store := &fakeStore{}
	store.push(testJob(11, "killmails", "nope"))

	pool := NewWorkerPool(store)
	pool.Start(context.Background(), []QueueConfig{{Name: "killmails", Workers: 1, PollInterval: 5 * time.Millisecond}})
	defer pool.Stop()

	waitFor(t, func() bool {
		_, failures := store.snapshot()
		return len(failures) == 1
	})

	_, failures := store.snapshot()
	assert.True(t, failures[0].permanent)
	assert.Contains(t, failures[0].err, "no handler registered")
}

func TestIsPermanentFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"transient upstream", &evegateway.TransientError{StatusCode: 503}, false},
		{"contract violation", &evegateway.ContractError{Endpoint: "/x", Err: errors.New("boom")}, true},
		{"explicit permanent", Permanent(errors.New("bad payload")), true},
		{"wrapped transient", errors.Join(errors.New("outer"), &evegateway.TransientError{}), false},
		{"plain error", errors.New("who knows"), false},
		{"json type error", &json.UnmarshalTypeError{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isPermanentFailure(tt.err))
		})
	}
}

func TestTokenBucket_CapsRate(t *testing.T) {
	bucket := newTokenBucket(100, 1)

	now := time.Now()
	bucket.now = func() time.Time { return now }

	// Burst token available immediately.
	require.NoError(t, bucket.Wait(context.Background()))

	// Bucket empty; advancing fake time refills it.
	done := make(chan error, 1)
	go func() { done <- bucket.Wait(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	bucket.mu.Lock()
	now = now.Add(50 * time.Millisecond)
	bucket.mu.Unlock()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("token was not granted after refill")
	}
}

func TestTokenBucket_ContextCancel(t *testing.T) {
	bucket := newTokenBucket(0.001, 1)
	require.NoError(t, bucket.Wait(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, bucket.Wait(ctx))
}

func TestValidateConfigs(t *testing.T) {
	valid := []QueueConfig{
		{Name: "killmails", Workers: 5, RatePerSecond: 10},
		{Name: "stats", Workers: 1},
	}
	require.NoError(t, ValidateConfigs(valid))

	assert.Error(t, ValidateConfigs([]QueueConfig{{Name: "", Workers: 1}}))
	assert.Error(t, ValidateConfigs([]QueueConfig{{Name: "prices", Workers: 0}}))
}
