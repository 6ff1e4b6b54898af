package calls

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is the persistence contract for call records and per-user history.
type Store interface {
	// Create writes rec and indexes it in both participants' history lists.
	// An existing record with the same CallID is never replaced; the result
	// reports whether rec was written.
	Create(ctx context.Context, rec CallRecord) (bool, error)
	// Update applies mutate to the stored record as one read-modify-write.
	// If mutate returns an error nothing is written and that error is returned
	// together with the record as it was read.
	Update(ctx context.Context, callID string, mutate func(*CallRecord) error) (CallRecord, error)
	Get(ctx context.Context, callID string) (CallRecord, error)
	// ListForUser returns up to limit records, most recent first.
	ListForUser(ctx context.Context, userID string, limit int) ([]CallRecord, error)
}

const (
	// DefaultRetention bounds how long a record stays queryable for history.
	DefaultRetention = 30 * 24 * time.Hour

	historyMaxLen    = 200
	maxUpdateRetries = 8
)

var ErrConflict = errors.New("call record update conflict")

// RedisStore keeps records as JSON strings under calls:<id> and history as
// LPUSHed id lists under usercalls:<user>:calls.
type RedisStore struct {
	rdb       *redis.Client
	retention time.Duration
}

func NewRedisStore(rdb *redis.Client, retention time.Duration) *RedisStore {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &RedisStore{rdb: rdb, retention: retention}
}

func recordKey(callID string) string { return "calls:" + callID }

func historyKey(userID string) string { return fmt.Sprintf("usercalls:%s:calls", userID) }

func (s *RedisStore) Create(ctx context.Context, rec CallRecord) (bool, error) {
	data, err := encode(rec)
	if err != nil {
		return false, err
	}
	ok, err := s.rdb.SetNX(ctx, recordKey(rec.CallID), data, s.retention).Result()
	if err != nil || !ok {
		return false, err
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		s.index(ctx, p, rec)
		return nil
	})
	return true, err
}

func (s *RedisStore) index(ctx context.Context, p redis.Pipeliner, rec CallRecord) {
	users := []string{rec.CallerID}
	if rec.ReceiverID != rec.CallerID {
		users = append(users, rec.ReceiverID)
	}
	for _, u := range users {
		k := historyKey(u)
		p.LRem(ctx, k, 0, rec.CallID)
		p.LPush(ctx, k, rec.CallID)
		p.LTrim(ctx, k, 0, historyMaxLen-1)
		p.Expire(ctx, k, s.retention)
	}
}

func (s *RedisStore) Update(ctx context.Context, callID string, mutate func(*CallRecord) error) (CallRecord, error) {
	key := recordKey(callID)
	var out CallRecord

	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		rec, err := decode(raw)
		if err != nil {
			return err
		}
		if err := mutate(&rec); err != nil {
			out = rec
			return err
		}
		data, err := encode(rec)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, data, s.retention)
			return nil
		})
		if err == nil {
			out = rec
		}
		return err
	}

	for i := 0; i < maxUpdateRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return out, err
	}
	return CallRecord{}, ErrConflict
}

func (s *RedisStore) Get(ctx context.Context, callID string) (CallRecord, error) {
	raw, err := s.rdb.Get(ctx, recordKey(callID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return CallRecord{}, ErrNotFound
	}
	if err != nil {
		return CallRecord{}, err
	}
	return decode(raw)
}

func (s *RedisStore) ListForUser(ctx context.Context, userID string, limit int) ([]CallRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	ids, err := s.rdb.LRange(ctx, historyKey(userID), 0, int64(limit)-1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []CallRecord{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = recordKey(id)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	out := make([]CallRecord, 0, len(vals))
	for _, v := range vals {
		// Expired records leave dangling ids in the list.
		str, ok := v.(string)
		if !ok {
			continue
		}
		rec, err := decode([]byte(str))
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	SortByRecency(out)
	return out, nil
}

// SortByRecency orders records newest first by RecencyTime.
func SortByRecency(recs []CallRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].RecencyTime().After(recs[j].RecencyTime())
	})
}

func encode(rec CallRecord) ([]byte, error) {
	if rec.CallID == "" {
		return nil, errors.New("call_id is required")
	}
	return json.Marshal(rec)
}

func decode(raw []byte) (CallRecord, error) {
	var rec CallRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return CallRecord{}, fmt.Errorf("decode call record: %w", err)
	}
	return rec, nil
}
