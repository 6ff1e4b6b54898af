package callstatus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store holds per-user call status. All operations are single round-trips.
type Store interface {
	Get(ctx context.Context, userID string) (UserCallStatus, error)
	GetStatus(ctx context.Context, userID string) (Status, error)
	GetActiveCallInfo(ctx context.Context, userID string) (*ActiveCallInfo, error)
	CanReceiveCall(ctx context.Context, userID, callerID string) (bool, error)

	SetInCall(ctx context.Context, userID string, info ActiveCallInfo) error
	SetBusy(ctx context.Context, userID string, info ActiveCallInfo) error
	// Assign writes all assignments atomically.
	Assign(ctx context.Context, as ...Assignment) error

	// Reset returns userID to idle and clears the active call.
	Reset(ctx context.Context, userID string) error
	// ResetIfCall resets userID only when the stored active call is callID or
	// there is none. It reports whether a reset happened.
	ResetIfCall(ctx context.Context, userID, callID string) (bool, error)
}

// DefaultTTL bounds how long a status survives without being rewritten.
const DefaultTTL = 2 * time.Hour

const (
	fieldStatus = "status"
	fieldCallID = "call_id"
	fieldInfo   = "info"
)

var resetIfCallScript = redis.NewScript(`
-- KEYS[1] = status hash
-- ARGV[1] = call id
local current = redis.call('HGET', KEYS[1], 'call_id')
if current and current ~= ARGV[1] then
  return 0
end
redis.call('DEL', KEYS[1])
return 1
`)

// RedisStore keeps one hash per user: usercalls:<user>:status.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{rdb: rdb, ttl: ttl}
}

func statusKey(userID string) string { return fmt.Sprintf("usercalls:%s:status", userID) }

func (s *RedisStore) Get(ctx context.Context, userID string) (UserCallStatus, error) {
	vals, err := s.rdb.HGetAll(ctx, statusKey(userID)).Result()
	if err != nil {
		return UserCallStatus{}, err
	}
	st := Status(vals[fieldStatus])
	if st == "" || st == StatusIdle {
		return UserCallStatus{Status: StatusIdle}, nil
	}
	out := UserCallStatus{Status: st}
	if raw := vals[fieldInfo]; raw != "" {
		var info ActiveCallInfo
		if err := json.Unmarshal([]byte(raw), &info); err != nil {
			return UserCallStatus{}, fmt.Errorf("decode call info for %s: %w", userID, err)
		}
		out.Info = &info
	}
	return out, nil
}

func (s *RedisStore) GetStatus(ctx context.Context, userID string) (Status, error) {
	st, err := s.Get(ctx, userID)
	return st.Status, err
}

func (s *RedisStore) GetActiveCallInfo(ctx context.Context, userID string) (*ActiveCallInfo, error) {
	st, err := s.Get(ctx, userID)
	return st.Info, err
}

func (s *RedisStore) CanReceiveCall(ctx context.Context, userID, callerID string) (bool, error) {
	st, err := s.Get(ctx, userID)
	if err != nil {
		return false, err
	}
	return CanReceive(st, userID, callerID), nil
}

func (s *RedisStore) SetInCall(ctx context.Context, userID string, info ActiveCallInfo) error {
	return s.Assign(ctx, Assignment{UserID: userID, Status: StatusInCall, Info: info})
}

func (s *RedisStore) SetBusy(ctx context.Context, userID string, info ActiveCallInfo) error {
	return s.Assign(ctx, Assignment{UserID: userID, Status: StatusBusy, Info: info})
}

func (s *RedisStore) Assign(ctx context.Context, as ...Assignment) error {
	if len(as) == 0 {
		return nil
	}
	type encoded struct {
		key    string
		fields []any
	}
	batch := make([]encoded, 0, len(as))
	for _, a := range as {
		if a.UserID == "" {
			return errors.New("user_id is required")
		}
		if a.Status == StatusIdle || a.Status == "" {
			return fmt.Errorf("assign %s: use Reset for idle", a.UserID)
		}
		info, err := json.Marshal(a.Info)
		if err != nil {
			return err
		}
		batch = append(batch, encoded{
			key:    statusKey(a.UserID),
			fields: []any{fieldStatus, string(a.Status), fieldCallID, a.Info.CallID, fieldInfo, string(info)},
		})
	}

	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, b := range batch {
			p.HSet(ctx, b.key, b.fields...)
			p.Expire(ctx, b.key, s.ttl)
		}
		return nil
	})
	return err
}

func (s *RedisStore) Reset(ctx context.Context, userID string) error {
	return s.rdb.Del(ctx, statusKey(userID)).Err()
}

func (s *RedisStore) ResetIfCall(ctx context.Context, userID, callID string) (bool, error) {
	n, err := resetIfCallScript.Run(ctx, s.rdb, []string{statusKey(userID)}, callID).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
