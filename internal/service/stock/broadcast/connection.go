package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"stocksync/internal/pkg/logger"
	"stocksync/internal/service/stock/domain"
)

// DefaultHeartbeat 是空闲连接发送保活帧的间隔
const DefaultHeartbeat = 15 * time.Second

// State 是推送连接的生命周期状态
type State int

const (
	StateConnecting State = iota
	StateSubscribed
	StateDelivering
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateDelivering:
		return "delivering"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Sink 是具体传输 (SSE / WebSocket) 的写端。任何写错误都视为客户端已断开。
type Sink interface {
	Send(change domain.StockChange) error
	Ping() error
}

// Connection 把一个订阅绑定到一个客户端连接上，并负责它的整个生命周期。
type Connection struct {
	hub       *Hub
	opts      []SubscribeOption
	heartbeat time.Duration

	mu    sync.Mutex
	state State
	sub   *Subscription
}

func NewConnection(hub *Hub, heartbeat time.Duration, opts ...SubscribeOption) *Connection {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	return &Connection{hub: hub, opts: opts, heartbeat: heartbeat, state: StateConnecting}
}

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Subscribe 在 Hub 上注册订阅，Connecting -> Subscribed。
// 传输层应当在写出响应头之前调用，这样之后的每次写入都不会漏掉通知。
func (c *Connection) Subscribe() error {
	sub, err := c.hub.Subscribe(c.opts...)
	if err != nil {
		c.setState(StateClosed)
		return err
	}
	c.mu.Lock()
	c.sub = sub
	c.state = StateSubscribed
	c.mu.Unlock()
	return nil
}

// Serve 把通知写入 sink，直到 ctx 结束、写入失败或 Hub 关闭。
// 返回时订阅一定已经注销，状态为 Closed。
func (c *Connection) Serve(ctx context.Context, sink Sink) error {
	if c.State() == StateConnecting {
		if err := c.Subscribe(); err != nil {
			return err
		}
	}
	c.mu.Lock()
	sub := c.sub
	c.mu.Unlock()
	log := logger.Ctx(ctx).With().Str("subscriber_id", sub.ID).Logger()

	defer func() {
		c.setState(StateClosing)
		c.hub.Unsubscribe(sub)
		c.setState(StateClosed)
		log.Debug().Uint64("dropped", sub.Dropped()).Msg("stock stream closed")
	}()

	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case change, ok := <-sub.C():
			if !ok {
				// Hub 已关闭
				return nil
			}
			c.setState(StateDelivering)
			if err := sink.Send(change); err != nil {
				log.Debug().Err(err).Msg("client write failed, closing stream")
				return errors.Wrap(err, "send stock change")
			}
			c.setState(StateSubscribed)
		case <-ticker.C:
			if err := sink.Ping(); err != nil {
				log.Debug().Err(err).Msg("heartbeat failed, closing stream")
				return errors.Wrap(err, "heartbeat")
			}
		}
	}
}

// Close 结束一个未进入 Serve 的连接，例如协议升级失败
func (c *Connection) Close() {
	c.mu.Lock()
	sub := c.sub
	c.state = StateClosing
	c.mu.Unlock()

	if sub != nil {
		c.hub.Unsubscribe(sub)
	}
	c.setState(StateClosed)
}
