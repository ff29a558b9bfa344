package adapter

import (
	"context"
	"fmt"
	"strconv"

	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"

	"stocksync/internal/pkg/redis"
	"stocksync/internal/service/stock/domain"
)

const casStockScriptName = "stock_cas"

// RedisLedger 是 port.StockLedger 的 Redis 实现，每个商品一个 key。
type RedisLedger struct {
	redisClient *redis.Client
}

// NewRedisLedger 创建 Redis 账本，并在创建时加载条件写入脚本。
func NewRedisLedger(redisClient *redis.Client) (*RedisLedger, error) {
	if err := redisClient.LoadScriptFromContent(casStockScriptName, casStockScript); err != nil {
		return nil, fmt.Errorf("failed to load stock cas script: %w", err)
	}
	return &RedisLedger{redisClient: redisClient}, nil
}

func stockKey(productID string) string {
	return fmt.Sprintf("stock:{%s}", productID)
}

func (l *RedisLedger) ReadStock(ctx context.Context, productID string) (int, error) {
	val, err := l.redisClient.GetClient().Get(ctx, stockKey(productID)).Result()
	if errors.Is(err, goredis.Nil) {
		return 0, errors.Wrap(domain.ErrProductNotFound, productID)
	}
	if err != nil {
		return 0, errors.Wrapf(err, "redis get %s", productID)
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, errors.Wrapf(err, "stock of %s is not an integer: %q", productID, val)
	}
	return n, nil
}

func (l *RedisLedger) CompareAndSetStock(ctx context.Context, productID string, expected, newStock int) error {
	if newStock < 0 {
		return errors.Wrapf(domain.ErrNegativeStock, "%s: %d", productID, newStock)
	}
	result, err := l.redisClient.RunScript(ctx, casStockScriptName, []string{stockKey(productID)}, expected, newStock)
	if err != nil {
		return errors.Wrapf(err, "run stock cas script for %s", productID)
	}

	code, ok := result.(int64)
	if !ok {
		return fmt.Errorf("unexpected result type from stock cas script: %T", result)
	}
	switch code {
	case 1:
		return nil
	case 0:
		return errors.Wrapf(domain.ErrStockConflict, "%s: expected %d", productID, expected)
	case -1:
		return errors.Wrap(domain.ErrProductNotFound, productID)
	default:
		return fmt.Errorf("unknown result code from stock cas script: %d", code)
	}
}

func (l *RedisLedger) SetStock(ctx context.Context, productID string, stock int) error {
	if stock < 0 {
		return errors.Wrapf(domain.ErrNegativeStock, "%s: %d", productID, stock)
	}
	err := l.redisClient.GetClient().Set(ctx, stockKey(productID), stock, 0).Err()
	return errors.Wrapf(err, "redis set %s", productID)
}

var casStockScript = `
-- KEYS[1]: 商品库存 key, 例如 stock:{sku-1}
-- ARGV[1]: 期望的当前库存
-- ARGV[2]: 新库存

local current = redis.call('get', KEYS[1])
if not current then
    return -1 -- 商品不存在
end

if tonumber(current) ~= tonumber(ARGV[1]) then
    return 0 -- 值已被修改
end

redis.call('set', KEYS[1], ARGV[2])
return 1
`
