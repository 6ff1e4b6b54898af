package calls

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisStore(rdb, time.Hour), mr
}

func create(t *testing.T, s Store, rec CallRecord) {
	t.Helper()
	ok, err := s.Create(context.Background(), rec)
	require.NoError(t, err)
	require.True(t, ok)
}

func record(id, caller, receiver string, start time.Time) CallRecord {
	return CallRecord{
		CallID:     id,
		CallerID:   caller,
		ReceiverID: receiver,
		CallType:   CallTypeAudio,
		Status:     StatusInitiated,
		StartTime:  start,
	}
}

func TestRedisStore_CreateGetUpdate(t *testing.T) {
	s, mr := newRedisStore(t)
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()

	create(t, s, record("c1", "a", "b", now))
	assert.True(t, mr.Exists("calls:c1"))
	assert.Equal(t, time.Hour, mr.TTL("calls:c1"))

	got, err := s.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, StatusInitiated, got.Status)

	updated, err := s.Update(ctx, "c1", func(r *CallRecord) error {
		return r.Transition(StatusActive, now.Add(time.Second), "")
	})
	require.NoError(t, err)
	assert.Equal(t, StatusActive, updated.Status)
	require.NotNil(t, updated.AnsweredAt)

	got, err = s.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status)
}

func TestRedisStore_UpdateAbortDoesNotWrite(t *testing.T) {
	s, _ := newRedisStore(t)
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()
	create(t, s, record("c1", "a", "b", now))

	rec, err := s.Update(ctx, "c1", func(r *CallRecord) error {
		r.Status = StatusEnded
		return ErrSkip
	})
	assert.True(t, errors.Is(err, ErrSkip))
	assert.Equal(t, "c1", rec.CallID)

	got, err := s.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, StatusInitiated, got.Status)
}

func TestRedisStore_UnknownCall(t *testing.T) {
	s, _ := newRedisStore(t)
	ctx := context.Background()

	_, err := s.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Update(ctx, "nope", func(*CallRecord) error { return nil })
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStore_CreateRefusesOverwrite(t *testing.T) {
	s, _ := newRedisStore(t)
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()

	ok, err := s.Create(ctx, record("c1", "a", "b", now))
	require.NoError(t, err)
	assert.True(t, ok)

	dup := record("c1", "a", "b", now)
	dup.Status = StatusMissed
	ok, err = s.Create(ctx, dup)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, StatusInitiated, got.Status)
}

func TestRedisStore_ListForUserSortsByRecency(t *testing.T) {
	s, mr := newRedisStore(t)
	ctx := context.Background()
	base := time.Unix(1700000000, 0).UTC()

	older := record("c1", "a", "b", base)
	ended := base.Add(10 * time.Minute)
	older.Status = StatusEnded
	older.EndedAt = &ended

	newer := record("c2", "c", "a", base.Add(5*time.Minute))

	create(t, s, older)
	create(t, s, newer)
	create(t, s, record("c3", "b", "c", base))

	recs, err := s.ListForUser(ctx, "a", 20)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	// c1 ended after c2 started.
	assert.Equal(t, "c1", recs[0].CallID)
	assert.Equal(t, "c2", recs[1].CallID)

	// Expired records are skipped.
	mr.Del("calls:c1")
	recs, err = s.ListForUser(ctx, "a", 20)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "c2", recs[0].CallID)
}

func TestRedisStore_HistoryHoldsEachCallOnce(t *testing.T) {
	s, mr := newRedisStore(t)
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()

	// c2's record expired but its id is still in the list.
	_, err := mr.Lpush(historyKey("b"), "c2")
	require.NoError(t, err)
	create(t, s, record("c1", "a", "b", now))
	create(t, s, record("c2", "c", "b", now.Add(time.Minute)))

	ids, err := mr.List(historyKey("b"))
	require.NoError(t, err)
	assert.Equal(t, []string{"c2", "c1"}, ids)

	recs, err := s.ListForUser(ctx, "b", 2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "c2", recs[0].CallID)
}

func TestMemoryStore_MatchesContract(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()

	create(t, s, record("c1", "a", "b", now))
	create(t, s, record("c2", "b", "a", now.Add(time.Minute)))
	ok, err := s.Create(ctx, record("c1", "a", "b", now))
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Update(ctx, "c1", func(r *CallRecord) error { return ErrInvalidTransition })
	assert.ErrorIs(t, err, ErrInvalidTransition)

	recs, err := s.ListForUser(ctx, "b", 5)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "c2", recs[0].CallID)
}
