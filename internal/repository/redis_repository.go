package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"chat-relay/bot/internal/model"
)

type redisRepository struct {
	rdb *redis.Client
}

func NewRedisRepository(rdb *redis.Client) Repository {
	return &redisRepository{rdb: rdb}
}

// Key generation helpers.
func (r *redisRepository) convKey(id int64) string  { return fmt.Sprintf("conv:%d", id) }
func (r *redisRepository) turnsKey(id int64) string { return fmt.Sprintf("conv:%d:turns", id) }
func (r *redisRepository) userKey(id int64) string  { return fmt.Sprintf("user:%d", id) }

func (r *redisRepository) GetConversation(ctx context.Context, conversationID int64) (*model.Conversation, error) {
	data, err := r.rdb.Get(ctx, r.convKey(conversationID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var conv model.Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, fmt.Errorf("could not decode conversation: %w", err)
	}
	return &conv, nil
}

func (r *redisRepository) CreateConversation(ctx context.Context, conv *model.Conversation) error {
	data, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("could not encode conversation: %w", err)
	}
	return r.rdb.Set(ctx, r.convKey(conv.ID), data, 0).Err()
}

func (r *redisRepository) SetMode(ctx context.Context, conversationID int64, mode string) error {
	return r.updateConversation(ctx, conversationID, func(conv *model.Conversation) {
		conv.Mode = mode
	})
}

func (r *redisRepository) TouchActivity(ctx context.Context, conversationID int64, at time.Time) error {
	return r.updateConversation(ctx, conversationID, func(conv *model.Conversation) {
		conv.LastActivity = at
	})
}

func (r *redisRepository) Reset(ctx context.Context, conversationID int64, mode string) error {
	if err := r.rdb.Del(ctx, r.turnsKey(conversationID)).Err(); err != nil {
		return err
	}
	return r.updateConversation(ctx, conversationID, func(conv *model.Conversation) {
		conv.Mode = mode
		conv.LastActivity = time.Now().UTC()
	})
}

func (r *redisRepository) GetTurns(ctx context.Context, conversationID int64) ([]model.Turn, error) {
	members, err := r.rdb.ZRange(ctx, r.turnsKey(conversationID), 0, -1).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	turns := make([]model.Turn, 0, len(members))
	for _, member := range members {
		var turn model.Turn
		if err := json.Unmarshal([]byte(member), &turn); err != nil {
			continue
		}
		turns = append(turns, turn)
	}
	return turns, nil
}

func (r *redisRepository) PushTurn(ctx context.Context, conversationID int64, turn *model.Turn, maxRetained int) error {
	data, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("could not encode turn: %w", err)
	}

	pipe := r.rdb.TxPipeline()
	pipe.ZAdd(ctx, r.turnsKey(conversationID), redis.Z{
		Score:  float64(turn.Timestamp.UnixNano()),
		Member: string(data),
	})
	if maxRetained > 0 {
		// Keep only the newest maxRetained turns.
		pipe.ZRemRangeByRank(ctx, r.turnsKey(conversationID), 0, int64(-maxRetained-1))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}

	return r.TouchActivity(ctx, conversationID, turn.Timestamp)
}

func (r *redisRepository) PopLastTurn(ctx context.Context, conversationID int64) (*model.Turn, error) {
	members, err := r.rdb.ZRange(ctx, r.turnsKey(conversationID), -1, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if len(members) == 0 {
		return nil, ErrNotFound
	}

	var turn model.Turn
	if err := json.Unmarshal([]byte(members[0]), &turn); err != nil {
		return nil, fmt.Errorf("could not decode turn: %w", err)
	}
	if err := r.rdb.ZRem(ctx, r.turnsKey(conversationID), members[0]).Err(); err != nil {
		return nil, err
	}
	return &turn, nil
}

func (r *redisRepository) GetOrCreateUser(ctx context.Context, userID int64, username string, initialBalance int) (*model.User, error) {
	key := r.userKey(userID)

	created, err := r.rdb.HSetNX(ctx, key, "id", userID).Result()
	if err != nil {
		return nil, err
	}
	if created {
		pipe := r.rdb.TxPipeline()
		pipe.HSet(ctx, key, "username", username)
		pipe.HSet(ctx, key, "balance", initialBalance)
		pipe.HSet(ctx, key, "first_seen", time.Now().UTC().Format(time.RFC3339Nano))
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, err
		}
	}

	fields, err := r.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	user := &model.User{ID: userID, Username: fields["username"]}
	if _, err := fmt.Sscanf(fields["balance"], "%d", &user.Balance); err != nil {
		user.Balance = 0
	}
	if ts, err := time.Parse(time.RFC3339Nano, fields["first_seen"]); err == nil {
		user.FirstSeen = ts
	}
	return user, nil
}

func (r *redisRepository) GetBalance(ctx context.Context, userID int64) (int, error) {
	balance, err := r.rdb.HGet(ctx, r.userKey(userID), "balance").Int()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	return balance, nil
}

func (r *redisRepository) Deduct(ctx context.Context, userID int64, amount int) error {
	exists, err := r.rdb.Exists(ctx, r.userKey(userID)).Result()
	if err != nil {
		return err
	}
	if exists == 0 {
		return ErrNotFound
	}
	return r.rdb.HIncrBy(ctx, r.userKey(userID), "balance", int64(-amount)).Err()
}

func (r *redisRepository) updateConversation(ctx context.Context, conversationID int64, mutate func(*model.Conversation)) error {
	conv, err := r.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	mutate(conv)
	data, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("could not encode conversation: %w", err)
	}
	return r.rdb.Set(ctx, r.convKey(conversationID), data, 0).Err()
}
