// Package storetest is a conformance suite every store.Store implementation
// runs from its own tests.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdluna/db-scheduler/internal/shared"
	"github.com/jdluna/db-scheduler/internal/store"
)

// Factory returns an empty, migrated store. It is called once per subtest.
type Factory func(t *testing.T) store.Store

// T0 is the reference instant used by the suite.
var T0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// Run executes the suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"InsertAndGet", testInsertAndGet},
		{"InsertDuplicate", testInsertDuplicate},
		{"GetMissing", testGetMissing},
		{"FetchDueOrdering", testFetchDueOrdering},
		{"FetchDueSkipsPickedAndFuture", testFetchDueSkipsPickedAndFuture},
		{"Claim", testClaim},
		{"ClaimStaleVersion", testClaimStaleVersion},
		{"ConcurrentClaim", testConcurrentClaim},
		{"Heartbeat", testHeartbeat},
		{"CompleteDeletes", testCompleteDeletes},
		{"CompleteSucceededReschedules", testCompleteSucceededReschedules},
		{"CompleteFailedCountsFailures", testCompleteFailedCountsFailures},
		{"CompleteStaleVersion", testCompleteStaleVersion},
		{"FindDeadStrictThreshold", testFindDeadStrictThreshold},
		{"ReclaimDead", testReclaimDead},
		{"RemoveDead", testRemoveDead},
		{"Reschedule", testReschedule},
		{"RescheduleGuards", testRescheduleGuards},
		{"Delete", testDelete},
		{"List", testList},
		{"PingAndSchema", testPingAndSchema},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

func id(name, instance string) store.ID {
	return store.ID{TaskName: name, InstanceID: instance}
}

func mustInsert(t *testing.T, s store.Store, id store.ID, at time.Time, data []byte) store.Execution {
	t.Helper()
	require.NoError(t, s.Insert(context.Background(), store.New(id, at, data)))
	e, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	return e
}

func mustClaim(t *testing.T, s store.Store, e store.Execution, owner string, now time.Time) store.Execution {
	t.Helper()
	claimed, err := s.Claim(context.Background(), e.ID, e.Version, owner, now)
	require.NoError(t, err)
	return claimed
}

func assertTime(t *testing.T, want time.Time, got time.Time) {
	t.Helper()
	assert.True(t, want.Equal(got), "want %s, got %s", want, got)
}

func testInsertAndGet(t *testing.T, s store.Store) {
	e := mustInsert(t, s, id("reminder", "42"), T0, []byte(`{"msg":"hi"}`))

	assert.Equal(t, "reminder", e.TaskName)
	assert.Equal(t, "42", e.InstanceID)
	assertTime(t, T0, e.ExecutionTime)
	assert.JSONEq(t, `{"msg":"hi"}`, string(e.TaskData))
	assert.False(t, e.Picked)
	assert.Empty(t, e.PickedBy)
	assert.Nil(t, e.LastHeartbeat)
	assert.Zero(t, e.ConsecutiveFailures)
	assert.Nil(t, e.LastSuccess)
	assert.Nil(t, e.LastFailure)
	assert.NotZero(t, e.Version)
}

func testInsertDuplicate(t *testing.T, s store.Store) {
	ctx := context.Background()
	original := mustInsert(t, s, id("reminder", "42"), T0, []byte("first"))

	err := s.Insert(ctx, store.New(id("reminder", "42"), T0.Add(time.Hour), []byte("second")))
	require.ErrorIs(t, err, shared.ErrDuplicateKey)
	assert.True(t, shared.IsConflict(err))

	got, err := s.Get(ctx, original.ID)
	require.NoError(t, err)
	assert.Equal(t, original, got)

	require.ErrorIs(t, s.Insert(ctx, store.New(id("", "1"), T0, nil)), shared.ErrValidation)
}

func testGetMissing(t *testing.T, s store.Store) {
	_, err := s.Get(context.Background(), id("nope", "1"))
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

func testFetchDueOrdering(t *testing.T, s store.Store) {
	ctx := context.Background()
	mustInsert(t, s, id("a", "late"), T0.Add(-time.Minute), nil)
	mustInsert(t, s, id("a", "tie-1"), T0.Add(-time.Hour), nil)
	mustInsert(t, s, id("a", "tie-2"), T0.Add(-time.Hour), nil)
	mustInsert(t, s, id("a", "oldest"), T0.Add(-2*time.Hour), nil)

	due, err := s.FetchDue(ctx, T0, 10)
	require.NoError(t, err)
	require.Len(t, due, 4)
	assert.Equal(t, []string{"oldest", "tie-1", "tie-2", "late"}, instances(due))

	due, err = s.FetchDue(ctx, T0, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"oldest", "tie-1"}, instances(due))

	due, err = s.FetchDue(ctx, T0, 0)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func testFetchDueSkipsPickedAndFuture(t *testing.T, s store.Store) {
	ctx := context.Background()
	picked := mustInsert(t, s, id("a", "picked"), T0.Add(-time.Minute), nil)
	mustClaim(t, s, picked, "node-1", T0)
	mustInsert(t, s, id("a", "future"), T0.Add(time.Second), nil)
	mustInsert(t, s, id("a", "exact"), T0, nil)

	due, err := s.FetchDue(ctx, T0, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"exact"}, instances(due))
}

func testClaim(t *testing.T, s store.Store) {
	e := mustInsert(t, s, id("reminder", "42"), T0, nil)
	claimed := mustClaim(t, s, e, "node-1", T0.Add(time.Second))

	assert.True(t, claimed.Picked)
	assert.Equal(t, "node-1", claimed.PickedBy)
	require.NotNil(t, claimed.LastHeartbeat)
	assertTime(t, T0.Add(time.Second), *claimed.LastHeartbeat)
	assert.Equal(t, e.Version+1, claimed.Version)

	stored, err := s.Get(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, claimed, stored)
}

func testClaimStaleVersion(t *testing.T, s store.Store) {
	ctx := context.Background()
	e := mustInsert(t, s, id("reminder", "42"), T0, nil)
	mustClaim(t, s, e, "node-1", T0)

	_, err := s.Claim(ctx, e.ID, e.Version, "node-2", T0)
	require.ErrorIs(t, err, shared.ErrClaimFailed)
	assert.ErrorIs(t, err, shared.ErrVersionMismatch)

	_, err = s.Claim(ctx, id("reminder", "missing"), 1, "node-2", T0)
	assert.ErrorIs(t, err, shared.ErrClaimFailed)

	stored, err := s.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, "node-1", stored.PickedBy)
}

func testConcurrentClaim(t *testing.T, s store.Store) {
	const claimers = 8
	e := mustInsert(t, s, id("reminder", "42"), T0, nil)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
		lost    int
	)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(owner string) {
			defer wg.Done()
			_, err := s.Claim(context.Background(), e.ID, e.Version, owner, T0)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, owner)
			case shared.IsVersionMismatch(err):
				lost++
			default:
				t.Errorf("unexpected claim error: %v", err)
			}
		}(fmt.Sprintf("node-%d", i))
	}
	wg.Wait()

	require.Len(t, winners, 1)
	assert.Equal(t, claimers-1, lost)

	stored, err := s.Get(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, winners[0], stored.PickedBy)
	assert.Equal(t, e.Version+1, stored.Version)
}

func testHeartbeat(t *testing.T, s store.Store) {
	ctx := context.Background()
	e := mustInsert(t, s, id("heartbeat-job", "recurring"), T0, nil)
	claimed := mustClaim(t, s, e, "node-1", T0)

	beat, err := s.Heartbeat(ctx, e.ID, claimed.Version, T0.Add(5*time.Minute))
	require.NoError(t, err)
	require.NotNil(t, beat.LastHeartbeat)
	assertTime(t, T0.Add(5*time.Minute), *beat.LastHeartbeat)
	assert.Equal(t, claimed.Version+1, beat.Version)

	_, err = s.Heartbeat(ctx, e.ID, claimed.Version, T0.Add(10*time.Minute))
	assert.ErrorIs(t, err, shared.ErrVersionMismatch)

	unpicked := mustInsert(t, s, id("heartbeat-job", "other"), T0, nil)
	_, err = s.Heartbeat(ctx, unpicked.ID, unpicked.Version, T0)
	assert.ErrorIs(t, err, shared.ErrVersionMismatch)
}

func testCompleteDeletes(t *testing.T, s store.Store) {
	ctx := context.Background()
	e := mustInsert(t, s, id("reminder", "42"), T0, []byte(`{"msg":"hi"}`))
	claimed := mustClaim(t, s, e, "node-1", T0)

	require.NoError(t, s.Complete(ctx, e.ID, claimed.Version, store.OutcomeSucceeded, nil, T0))

	_, err := s.Get(ctx, e.ID)
	require.ErrorIs(t, err, shared.ErrNotFound)

	// the id is free again once the row is gone
	require.NoError(t, s.Insert(ctx, store.New(e.ID, T0, nil)))
}

func testCompleteSucceededReschedules(t *testing.T, s store.Store) {
	ctx := context.Background()
	e := mustInsert(t, s, id("heartbeat-job", "recurring"), T0, nil)
	claimed := mustClaim(t, s, e, "node-1", T0)
	require.NoError(t, s.Complete(ctx, e.ID, claimed.Version, store.OutcomeFailed, ptr(T0.Add(time.Minute)), T0))

	e, err := s.Get(ctx, e.ID)
	require.NoError(t, err)
	claimed = mustClaim(t, s, e, "node-1", T0.Add(time.Minute))

	next := T0.Add(60 * time.Second)
	done := T0.Add(2 * time.Minute)
	require.NoError(t, s.Complete(ctx, e.ID, claimed.Version, store.OutcomeSucceeded, &next, done))

	got, err := s.Get(ctx, e.ID)
	require.NoError(t, err)
	assertTime(t, next, got.ExecutionTime)
	assert.False(t, got.Picked)
	assert.Empty(t, got.PickedBy)
	assert.Nil(t, got.LastHeartbeat)
	assert.Zero(t, got.ConsecutiveFailures)
	require.NotNil(t, got.LastSuccess)
	assertTime(t, done, *got.LastSuccess)
	require.NotNil(t, got.LastFailure)
	assert.Equal(t, claimed.Version+1, got.Version)
}

func testCompleteFailedCountsFailures(t *testing.T, s store.Store) {
	ctx := context.Background()
	e := mustInsert(t, s, id("flaky", "1"), T0, nil)

	for attempt := 1; attempt <= 3; attempt++ {
		now := T0.Add(time.Duration(attempt) * time.Minute)
		claimed := mustClaim(t, s, e, "node-1", now)
		require.NoError(t, s.Complete(ctx, e.ID, claimed.Version, store.OutcomeFailed, &now, now))

		var err error
		e, err = s.Get(ctx, e.ID)
		require.NoError(t, err)
		assert.Equal(t, attempt, e.ConsecutiveFailures)
		require.NotNil(t, e.LastFailure)
		assertTime(t, now, *e.LastFailure)
		assert.Nil(t, e.LastSuccess)
	}
}

func testCompleteStaleVersion(t *testing.T, s store.Store) {
	ctx := context.Background()
	e := mustInsert(t, s, id("reminder", "42"), T0, nil)
	claimed := mustClaim(t, s, e, "node-1", T0)

	err := s.Complete(ctx, e.ID, claimed.Version-1, store.OutcomeSucceeded, nil, T0)
	require.ErrorIs(t, err, shared.ErrVersionMismatch)

	// the row survives a stale completion
	got, err := s.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.True(t, got.Picked)

	// unpicked rows cannot be completed
	other := mustInsert(t, s, id("reminder", "43"), T0, nil)
	err = s.Complete(ctx, other.ID, other.Version, store.OutcomeSucceeded, nil, T0)
	assert.ErrorIs(t, err, shared.ErrVersionMismatch)
}

func testFindDeadStrictThreshold(t *testing.T, s store.Store) {
	ctx := context.Background()
	threshold := 20 * time.Minute

	stale := mustInsert(t, s, id("job", "stale"), T0, nil)
	mustClaim(t, s, stale, "crashed", T0)
	fresh := mustInsert(t, s, id("job", "fresh"), T0, nil)
	mustClaim(t, s, fresh, "alive", T0.Add(time.Minute))
	mustInsert(t, s, id("job", "idle"), T0, nil)

	dead, err := s.FindDead(ctx, threshold, T0.Add(threshold))
	require.NoError(t, err)
	assert.Empty(t, dead, "heartbeat exactly at the threshold is not dead")

	dead, err = s.FindDead(ctx, threshold, T0.Add(threshold+time.Microsecond))
	require.NoError(t, err)
	assert.Equal(t, []string{"stale"}, instances(dead))

	dead, err = s.FindDead(ctx, threshold, T0.Add(threshold+2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{"stale", "fresh"}, instances(dead))
}

func testReclaimDead(t *testing.T, s store.Store) {
	ctx := context.Background()
	e := mustInsert(t, s, id("job", "stale"), T0, []byte("payload"))
	claimed := mustClaim(t, s, e, "crashed", T0)

	now := T0.Add(time.Hour)
	require.NoError(t, s.ReclaimDead(ctx, e.ID, claimed.Version, claimed.ExecutionTime, now))

	got, err := s.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.False(t, got.Picked)
	assert.Empty(t, got.PickedBy)
	assert.Nil(t, got.LastHeartbeat)
	assert.Equal(t, 1, got.ConsecutiveFailures)
	require.NotNil(t, got.LastFailure)
	assertTime(t, now, *got.LastFailure)
	assertTime(t, T0, got.ExecutionTime)
	assert.Equal(t, []byte("payload"), got.TaskData)

	err = s.ReclaimDead(ctx, e.ID, claimed.Version, now, now)
	assert.ErrorIs(t, err, shared.ErrVersionMismatch)

	due, err := s.FetchDue(ctx, now, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"stale"}, instances(due))
}

func testRemoveDead(t *testing.T, s store.Store) {
	ctx := context.Background()
	e := mustInsert(t, s, id("job", "stale"), T0, nil)
	claimed := mustClaim(t, s, e, "crashed", T0)

	require.ErrorIs(t, s.RemoveDead(ctx, e.ID, e.Version), shared.ErrVersionMismatch)
	require.NoError(t, s.RemoveDead(ctx, e.ID, claimed.Version))

	_, err := s.Get(ctx, e.ID)
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

func testReschedule(t *testing.T, s store.Store) {
	ctx := context.Background()
	e := mustInsert(t, s, id("reminder", "42"), T0, []byte("old"))

	require.NoError(t, s.Reschedule(ctx, e.ID, e.Version, T0.Add(time.Hour), nil))
	got, err := s.Get(ctx, e.ID)
	require.NoError(t, err)
	assertTime(t, T0.Add(time.Hour), got.ExecutionTime)
	assert.Equal(t, []byte("old"), got.TaskData)
	assert.Equal(t, e.Version+1, got.Version)

	require.NoError(t, s.Reschedule(ctx, e.ID, got.Version, T0, []byte("new")))
	got, err = s.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), got.TaskData)
}

func testRescheduleGuards(t *testing.T, s store.Store) {
	ctx := context.Background()

	err := s.Reschedule(ctx, id("reminder", "missing"), 1, T0, nil)
	assert.ErrorIs(t, err, shared.ErrNotFound)

	e := mustInsert(t, s, id("reminder", "42"), T0, nil)
	err = s.Reschedule(ctx, e.ID, e.Version+7, T0, nil)
	assert.ErrorIs(t, err, shared.ErrVersionMismatch)

	claimed := mustClaim(t, s, e, "node-1", T0)
	err = s.Reschedule(ctx, e.ID, claimed.Version, T0.Add(time.Hour), nil)
	assert.ErrorIs(t, err, shared.ErrExecutionPicked)

	got, err := s.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, claimed, got)
}

func testDelete(t *testing.T, s store.Store) {
	ctx := context.Background()
	e := mustInsert(t, s, id("reminder", "42"), T0, nil)
	running := mustInsert(t, s, id("reminder", "43"), T0, nil)
	claimed := mustClaim(t, s, running, "node-1", T0)

	require.ErrorIs(t, s.Delete(ctx, e.ID, e.Version+1), shared.ErrVersionMismatch)
	require.NoError(t, s.Delete(ctx, e.ID, e.Version))
	require.ErrorIs(t, s.Delete(ctx, e.ID, e.Version), shared.ErrNotFound)
	require.ErrorIs(t, s.Delete(ctx, running.ID, claimed.Version), shared.ErrExecutionPicked)
}

func testList(t *testing.T, s store.Store) {
	ctx := context.Background()
	mustInsert(t, s, id("a", "2"), T0.Add(2*time.Minute), nil)
	first := mustInsert(t, s, id("a", "1"), T0.Add(time.Minute), nil)
	mustInsert(t, s, id("b", "1"), T0, nil)
	mustClaim(t, s, first, "node-1", T0)

	all, err := s.List(ctx, store.ListFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"b/1", "a/1", "a/2"}, ids(all))

	onlyA, err := s.List(ctx, store.ListFilter{TaskName: "a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a/1", "a/2"}, ids(onlyA))

	picked := true
	running, err := s.List(ctx, store.ListFilter{Picked: &picked})
	require.NoError(t, err)
	assert.Equal(t, []string{"a/1"}, ids(running))

	limited, err := s.List(ctx, store.ListFilter{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"b/1"}, ids(limited))
}

func testPingAndSchema(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Ping(ctx))
	require.NoError(t, s.VerifySchema(ctx))
}

func instances(es []store.Execution) []string {
	out := make([]string, 0, len(es))
	for _, e := range es {
		out = append(out, e.InstanceID)
	}
	return out
}

func ids(es []store.Execution) []string {
	out := make([]string, 0, len(es))
	for _, e := range es {
		out = append(out, e.ID.String())
	}
	return out
}

func ptr(t time.Time) *time.Time {
	return &t
}
