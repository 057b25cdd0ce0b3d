package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const assistantCacheTTL = 5 * time.Minute

// Redis publishes live call events for dashboard consumers and caches
// assistant profiles for fast lookup at dispatch time.
type Redis struct {
	Client            *redis.Client
	Logger            *zap.SugaredLogger
	TranscriptChannel string
}

func New(host, password, transcriptChannel string, logger *zap.SugaredLogger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     host,
		Password: password,
	})

	_, err := client.Ping(context.Background()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &Redis{
		Client:            client,
		Logger:            logger,
		TranscriptChannel: transcriptChannel,
	}, nil
}

// Produce publishes data as JSON on the transcript channel.
func (r *Redis) Produce(data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	err = r.Client.Publish(context.Background(), r.TranscriptChannel, jsonData).Err()
	if err != nil {
		return err
	}

	r.Logger.Infow("redis: Produce", "channel", r.TranscriptChannel, "data", data)

	return nil
}

// CacheAssistant stores an assistant profile under a TTL.
func (r *Redis) CacheAssistant(ctx context.Context, assistantID string, profile any) error {
	jsonData, err := json.Marshal(profile)
	if err != nil {
		return err
	}

	return r.Client.Set(ctx, assistantKey(assistantID), jsonData, assistantCacheTTL).Err()
}

// LookupAssistant fetches a cached assistant profile into out. The second
// return reports a cache hit.
func (r *Redis) LookupAssistant(ctx context.Context, assistantID string, out any) (bool, error) {
	data, err := r.Client.Get(ctx, assistantKey(assistantID)).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if err := json.Unmarshal(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// =====================================================================================================================

func assistantKey(assistantID string) string {
	return fmt.Sprintf("config:assistant:%s", assistantID)
}
