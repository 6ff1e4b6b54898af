package messaging

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Timeline is the cached conversation view: per-conversation message lists
// and per-user chat lists.
type Timeline interface {
	Append(ctx context.Context, msg Message) error
	// UpsertChatList adds item to ownerID's chat list unless an entry for the
	// same peer already exists.
	UpsertChatList(ctx context.Context, ownerID string, item ChatItem) error
	Messages(ctx context.Context, conversationID string) ([]Message, error)
	ChatList(ctx context.Context, ownerID string) ([]ChatItem, error)
}

// RedisTimeline keeps messages:<conversationId> and chatList:<userId> lists.
type RedisTimeline struct {
	rdb *redis.Client
}

func NewRedisTimeline(rdb *redis.Client) *RedisTimeline {
	return &RedisTimeline{rdb: rdb}
}

func messagesKey(conversationID string) string { return "messages:" + conversationID }
func chatListKey(userID string) string         { return "chatList:" + userID }

func (t *RedisTimeline) Append(ctx context.Context, msg Message) error {
	if err := msg.validate(); err != nil {
		return err
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return t.rdb.RPush(ctx, messagesKey(msg.ConversationID), b).Err()
}

// upsertChatScript appends ARGV[2] unless an entry already names peer ARGV[1].
var upsertChatScript = redis.NewScript(`
local items = redis.call("LRANGE", KEYS[1], 0, -1)
for _, raw in ipairs(items) do
  local ok, item = pcall(cjson.decode, raw)
  if ok and item["receiverId"] == ARGV[1] then
    return 0
  end
end
redis.call("RPUSH", KEYS[1], ARGV[2])
return 1
`)

func (t *RedisTimeline) UpsertChatList(ctx context.Context, ownerID string, item ChatItem) error {
	if ownerID == "" || item.ReceiverID == "" {
		return ErrInvalidMessage
	}
	b, err := json.Marshal(item)
	if err != nil {
		return err
	}
	if err := upsertChatScript.Run(ctx, t.rdb, []string{chatListKey(ownerID)}, item.ReceiverID, string(b)).Err(); err != nil {
		return fmt.Errorf("upsert chat list: %w", err)
	}
	return nil
}

func (t *RedisTimeline) Messages(ctx context.Context, conversationID string) ([]Message, error) {
	raw, err := t.rdb.LRange(ctx, messagesKey(conversationID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(raw))
	for _, r := range raw {
		var m Message
		if err := json.Unmarshal([]byte(r), &m); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		out = append(out, m)
	}
	return out, nil
}

func (t *RedisTimeline) ChatList(ctx context.Context, ownerID string) ([]ChatItem, error) {
	raw, err := t.rdb.LRange(ctx, chatListKey(ownerID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]ChatItem, 0, len(raw))
	for _, r := range raw {
		var it ChatItem
		if err := json.Unmarshal([]byte(r), &it); err != nil {
			return nil, fmt.Errorf("decode chat item: %w", err)
		}
		out = append(out, it)
	}
	return out, nil
}
