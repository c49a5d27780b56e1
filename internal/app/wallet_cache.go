package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/bossboothsa-ai/trendle-app-sub001/internal/domain"
	"github.com/redis/go-redis/v9"
)

// WalletCache is a read-through cache for the wallet view. Balance-affecting
// writes never read from it; they only invalidate it.
type WalletCache interface {
	Get(ctx context.Context, userID string) (domain.Wallet, bool)
	Set(ctx context.Context, wallet domain.Wallet)
	Invalidate(ctx context.Context, userID string)
}

type RedisWalletCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisWalletCache(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisWalletCache {
	trimmedPrefix := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmedPrefix == "" {
		trimmedPrefix = "trendle:rewards"
	}
	return &RedisWalletCache{client: client, prefix: trimmedPrefix + ":wallet", ttl: ttl}
}

func (c *RedisWalletCache) key(userID string) string {
	return c.prefix + ":" + userID
}

func (c *RedisWalletCache) Get(ctx context.Context, userID string) (domain.Wallet, bool) {
	raw, err := c.client.Get(ctx, c.key(userID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Printf("level=warn component=wallet_cache msg=\"cache read failed\" user_id=%s err=%v", userID, err)
		}
		return domain.Wallet{}, false
	}
	var wallet domain.Wallet
	if err := json.Unmarshal(raw, &wallet); err != nil {
		log.Printf("level=warn component=wallet_cache msg=\"discarding undecodable cache entry\" user_id=%s err=%v", userID, err)
		return domain.Wallet{}, false
	}
	return wallet, true
}

func (c *RedisWalletCache) Set(ctx context.Context, wallet domain.Wallet) {
	if c.ttl <= 0 {
		return
	}
	raw, err := json.Marshal(wallet)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, c.key(wallet.UserID), raw, c.ttl).Err(); err != nil {
		log.Printf("level=warn component=wallet_cache msg=\"cache write failed\" user_id=%s err=%v", wallet.UserID, err)
	}
}

func (c *RedisWalletCache) Invalidate(ctx context.Context, userID string) {
	if err := c.client.Del(ctx, c.key(userID)).Err(); err != nil {
		log.Printf("level=warn component=wallet_cache msg=\"cache invalidation failed\" user_id=%s err=%v", userID, err)
	}
}

// NoopWalletCache disables caching.
type NoopWalletCache struct{}

func (NoopWalletCache) Get(ctx context.Context, userID string) (domain.Wallet, bool) {
	return domain.Wallet{}, false
}

func (NoopWalletCache) Set(ctx context.Context, wallet domain.Wallet) {}

func (NoopWalletCache) Invalidate(ctx context.Context, userID string) {}
