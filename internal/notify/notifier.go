// Package notify hands mention notifications to the delivery service.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Mention asks the delivery service to tell a user they were mentioned in a comment.
type Mention struct {
	MentionedUserID string    `json:"mentioned_user_id"`
	CommentID       string    `json:"comment_id"`
	TableID         string    `json:"table_id"`
	RowID           string    `json:"row_id"`
	AuthorID        string    `json:"author_id"`
	CreatedAt       time.Time `json:"created_at"`
}

// Notifier delivers one mention.
type Notifier interface {
	Notify(ctx context.Context, mention Mention) error
}

// LogNotifier writes mentions to the log. It is used when no broker is configured.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, mention Mention) error {
	n.logger.Info("mention notification",
		zap.String("mentioned_user_id", mention.MentionedUserID),
		zap.String("comment_id", mention.CommentID),
		zap.String("table_id", mention.TableID),
		zap.String("row_id", mention.RowID),
		zap.String("author_id", mention.AuthorID))
	return nil
}

// RedisNotifier publishes mentions as JSON on a pub/sub channel.
type RedisNotifier struct {
	rdb     *redis.Client
	channel string
}

// NewRedisClient opens a client for address.
func NewRedisClient(address, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
}

func NewRedisNotifier(client *redis.Client, channel string) *RedisNotifier {
	return &RedisNotifier{rdb: client, channel: channel}
}

func (n *RedisNotifier) Notify(ctx context.Context, mention Mention) error {
	payload, err := json.Marshal(mention)
	if err != nil {
		return err
	}
	return n.rdb.Publish(ctx, n.channel, payload).Err()
}
