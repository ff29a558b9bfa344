// internal/service/stock/broadcast/hub.go
package broadcast

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"stocksync/internal/pkg/logger"
	"stocksync/internal/pkg/metrics"
	"stocksync/internal/service/stock/domain"
)

// DefaultBufferSize 是每个订阅者的默认缓冲深度
const DefaultBufferSize = 64

// ErrHubClosed 在 Hub 关闭后订阅时返回
var ErrHubClosed = errors.New("stock change hub is closed")

// Hub 把库存变更扇出给所有订阅者。
// Publish 从不阻塞在慢订阅者上：缓冲满时丢弃最新的通知并计数。
type Hub struct {
	mu         sync.RWMutex
	pubMu      sync.Mutex // 串行化发布，保证所有订阅者看到相同的相对顺序
	subs       map[*Subscription]struct{}
	bufferSize int
	closed     bool
}

// HubOption 调整 Hub 参数
type HubOption func(*Hub)

// WithBufferSize 设置每个订阅者的缓冲深度
func WithBufferSize(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.bufferSize = n
		}
	}
}

func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		subs:       make(map[*Subscription]struct{}),
		bufferSize: DefaultBufferSize,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscription 是一个已注册的订阅者。C() 在取消订阅或 Hub 关闭后被关闭。
type Subscription struct {
	ID string

	ch       chan domain.StockChange
	products map[string]struct{}
	filter   *Filter
	dropped  atomic.Uint64
	closed   bool // 仅在 Hub.mu 写锁下读写
}

// SubscribeOption 设置订阅条件
type SubscribeOption func(*Subscription)

// ForProducts 只接收指定商品的变更。空列表表示全部商品。
func ForProducts(ids ...string) SubscribeOption {
	return func(s *Subscription) {
		for _, id := range ids {
			if id == "" {
				continue
			}
			if s.products == nil {
				s.products = make(map[string]struct{}, len(ids))
			}
			s.products[id] = struct{}{}
		}
	}
}

// WithFilter 用一个已编译的表达式过滤变更
func WithFilter(f *Filter) SubscribeOption {
	return func(s *Subscription) {
		s.filter = f
	}
}

func (s *Subscription) C() <-chan domain.StockChange {
	return s.ch
}

// Dropped 返回因缓冲已满而丢弃的通知数
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *Subscription) matches(change domain.StockChange) bool {
	if s.products != nil {
		if _, ok := s.products[change.ProductID]; !ok {
			return false
		}
	}
	if s.filter != nil {
		return s.filter.Match(change)
	}
	return true
}

// Subscribe 注册一个新的订阅者
func (h *Hub) Subscribe(opts ...SubscribeOption) (*Subscription, error) {
	sub := &Subscription{
		ID: uuid.NewString(),
		ch: make(chan domain.StockChange, h.bufferSize),
	}
	for _, opt := range opts {
		opt(sub)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	h.subs[sub] = struct{}{}
	metrics.HubSubscribers.Inc()
	logger.L().Debug().Str("subscriber_id", sub.ID).Int("subscribers", len(h.subs)).Msg("subscriber registered")
	return sub, nil
}

// Unsubscribe 注销订阅者并关闭它的 channel，可以重复调用。
// 返回之后不会再有通知投递给该订阅者。
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub.closed {
		return
	}
	sub.closed = true
	delete(h.subs, sub)
	close(sub.ch)
	metrics.HubSubscribers.Dec()
	logger.L().Debug().Str("subscriber_id", sub.ID).Uint64("dropped", sub.Dropped()).Msg("subscriber unregistered")
}

// Publish 实现了 port.StockPublisher。
func (h *Hub) Publish(productID string, stock int) {
	change := domain.StockChange{ProductID: productID, Stock: stock}

	h.pubMu.Lock()
	defer h.pubMu.Unlock()
	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.subs {
		if !sub.matches(change) {
			continue
		}
		select {
		case sub.ch <- change:
			metrics.HubNotificationsDelivered.Inc()
		default:
			n := sub.dropped.Add(1)
			metrics.HubNotificationsDropped.Inc()
			if n == 1 || n%100 == 0 {
				logger.L().Warn().
					Str("subscriber_id", sub.ID).
					Str("product_id", productID).
					Uint64("dropped", n).
					Msg("subscriber buffer full, dropping stock change")
			}
		}
	}
}

// Len 返回当前订阅者数量
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close 注销全部订阅者，之后的 Subscribe 返回 ErrHubClosed。
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for sub := range h.subs {
		sub.closed = true
		close(sub.ch)
		metrics.HubSubscribers.Dec()
	}
	logger.L().Info().Int("subscribers", len(h.subs)).Msg("stock change hub closed")
	h.subs = make(map[*Subscription]struct{})
}
