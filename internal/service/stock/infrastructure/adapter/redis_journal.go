package adapter

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"stocksync/internal/pkg/redis"
)

// RedisJournal 用 SET NX 记录已处理的支付引用，记录在 ttl 后过期。
// ttl 必须大于支付方的最长重投窗口。
type RedisJournal struct {
	redisClient *redis.Client
	ttl         time.Duration
}

func NewRedisJournal(redisClient *redis.Client, ttl time.Duration) *RedisJournal {
	return &RedisJournal{redisClient: redisClient, ttl: ttl}
}

func paymentKey(paymentRef string) string {
	return fmt.Sprintf("payment:processed:{%s}", paymentRef)
}

func (j *RedisJournal) Claim(ctx context.Context, paymentRef string) (bool, error) {
	ok, err := j.redisClient.GetClient().SetNX(ctx, paymentKey(paymentRef), time.Now().Unix(), j.ttl).Result()
	if err != nil {
		return false, errors.Wrapf(err, "claim payment %s", paymentRef)
	}
	return ok, nil
}

func (j *RedisJournal) Release(ctx context.Context, paymentRef string) error {
	err := j.redisClient.GetClient().Del(ctx, paymentKey(paymentRef)).Err()
	return errors.Wrapf(err, "release payment %s", paymentRef)
}
