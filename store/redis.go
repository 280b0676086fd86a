package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	appconfig "quoteflow/config"
	"quoteflow/logger"
	"quoteflow/models"
)

// RedisStore mirrors the most recent annotated quote per symbol into Redis
// and announces every update on a pub/sub channel. The key is overwritten
// on every write, so consumers always read the latest quote.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	channel   string
	log       *logger.Log
}

// NewRedisStore connects to Redis and verifies the connection with a ping.
func NewRedisStore(ctx context.Context, cfg appconfig.RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr: cfg.Addr,
		DB:   cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "ticker:"
	}
	channel := cfg.Channel
	if channel == "" {
		channel = "quote_updates"
	}

	return &RedisStore{
		client:    client,
		keyPrefix: prefix,
		channel:   channel,
		log:       logger.GetLogger(),
	}, nil
}

// Store writes the quote under its symbol key and publishes it, atomically.
func (s *RedisStore) Store(ctx context.Context, aq models.AnnotatedQuote) error {
	payload, err := json.Marshal(aq)
	if err != nil {
		return fmt.Errorf("failed to marshal quote: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.keyPrefix+aq.Symbol, payload, 0)
		pipe.Publish(ctx, s.channel, payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store quote for %s: %w", aq.Symbol, err)
	}

	logger.IncrementStoreWrite(len(payload))
	return nil
}

// Latest reads back the stored quote for one symbol. A missing key returns
// redis.Nil wrapped in the error.
func (s *RedisStore) Latest(ctx context.Context, symbol string) (models.AnnotatedQuote, error) {
	var aq models.AnnotatedQuote

	payload, err := s.client.Get(ctx, s.keyPrefix+symbol).Bytes()
	if err != nil {
		return aq, fmt.Errorf("failed to read quote for %s: %w", symbol, err)
	}
	if err := json.Unmarshal(payload, &aq); err != nil {
		return aq, fmt.Errorf("failed to decode quote for %s: %w", symbol, err)
	}
	return aq, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
