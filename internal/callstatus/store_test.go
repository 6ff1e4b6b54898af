package callstatus

import (
	"context"
	"testing"
	"time"

	"call-coordinator/internal/calls"

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

func info(callID, peer string) ActiveCallInfo {
	return ActiveCallInfo{
		CallID:    callID,
		PeerID:    peer,
		StartTime: time.Unix(1700000000, 0).UTC(),
		CallType:  calls.CallTypeVideo,
	}
}

func TestCanReceive(t *testing.T) {
	cases := []struct {
		name   string
		st     UserCallStatus
		user   string
		caller string
		want   bool
	}{
		{"idle", UserCallStatus{Status: StatusIdle}, "b", "a", true},
		{"self call", UserCallStatus{Status: StatusIdle}, "a", "a", false},
		{"busy same caller retry", UserCallStatus{Status: StatusBusy, Info: &ActiveCallInfo{PeerID: "a"}}, "b", "a", true},
		{"busy other caller", UserCallStatus{Status: StatusBusy, Info: &ActiveCallInfo{PeerID: "c"}}, "b", "a", false},
		{"busy without info", UserCallStatus{Status: StatusBusy}, "b", "a", false},
		{"in call", UserCallStatus{Status: StatusInCall, Info: &ActiveCallInfo{PeerID: "a"}}, "b", "a", false},
		{"empty caller", UserCallStatus{Status: StatusIdle}, "b", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, CanReceive(tc.st, tc.user, tc.caller))
		})
	}
}

func TestRedisStore_DefaultsToIdle(t *testing.T) {
	s, _ := newRedisStore(t)
	ctx := context.Background()

	st, err := s.GetStatus(ctx, "nobody")
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, st)

	i, err := s.GetActiveCallInfo(ctx, "nobody")
	require.NoError(t, err)
	assert.Nil(t, i)
}

func TestRedisStore_AssignAndReset(t *testing.T) {
	s, mr := newRedisStore(t)
	ctx := context.Background()

	require.NoError(t, s.Assign(ctx,
		Assignment{UserID: "a", Status: StatusInCall, Info: info("c1", "b")},
		Assignment{UserID: "b", Status: StatusBusy, Info: info("c1", "a")},
	))

	a, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, StatusInCall, a.Status)
	require.NotNil(t, a.Info)
	assert.Equal(t, "b", a.Info.PeerID)
	assert.Equal(t, calls.CallTypeVideo, a.Info.CallType)
	assert.Equal(t, time.Hour, mr.TTL("usercalls:a:status"))

	ok, err := s.CanReceiveCall(ctx, "b", "a")
	require.NoError(t, err)
	assert.True(t, ok, "same caller retry must be allowed")

	ok, err = s.CanReceiveCall(ctx, "b", "c")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Reset(ctx, "a"))
	st, err := s.GetStatus(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, st)
}

func TestRedisStore_SetInCallOverwritesBusy(t *testing.T) {
	s, _ := newRedisStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetBusy(ctx, "b", info("c1", "a")))
	require.NoError(t, s.SetInCall(ctx, "b", info("c1", "a")))

	st, err := s.GetStatus(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, StatusInCall, st)
}

func TestRedisStore_AssignRejectsIdle(t *testing.T) {
	s, _ := newRedisStore(t)
	err := s.Assign(context.Background(), Assignment{UserID: "a", Status: StatusIdle})
	assert.Error(t, err)
}

func TestRedisStore_ResetIfCall(t *testing.T) {
	s, _ := newRedisStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetInCall(ctx, "a", info("c2", "b")))

	reset, err := s.ResetIfCall(ctx, "a", "c1")
	require.NoError(t, err)
	assert.False(t, reset, "a stale call must not clear a newer one")

	st, err := s.GetStatus(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, StatusInCall, st)

	reset, err = s.ResetIfCall(ctx, "a", "c2")
	require.NoError(t, err)
	assert.True(t, reset)

	reset, err = s.ResetIfCall(ctx, "a", "c2")
	require.NoError(t, err)
	assert.True(t, reset, "resetting an idle user is a no-op success")
}

func TestMemoryStore_ResetIfCall(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.SetBusy(ctx, "b", info("c2", "a")))
	reset, err := s.ResetIfCall(ctx, "b", "c1")
	require.NoError(t, err)
	assert.False(t, reset)

	reset, err = s.ResetIfCall(ctx, "b", "c2")
	require.NoError(t, err)
	assert.True(t, reset)
}
