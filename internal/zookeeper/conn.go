// internal/zookeeper/conn.go
package zookeeper

import (
	"strings"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/pkg/errors"

	"stocksync/internal/pkg/logger"
)

// Conn 包装 zk.Conn，锁实现只依赖这里暴露的方法。
type Conn struct {
	*zk.Conn
}

// Connect 连接 ZooKeeper 集群，servers 为逗号分隔的 host:port 列表。
// 会等待会话建立或超时。
func Connect(servers string, sessionTimeout time.Duration) (*Conn, error) {
	list := strings.Split(servers, ",")
	for i := range list {
		list[i] = strings.TrimSpace(list[i])
	}

	conn, events, err := zk.Connect(list, sessionTimeout)
	if err != nil {
		return nil, errors.Wrapf(err, "connect zookeeper %s", servers)
	}

	deadline := time.After(sessionTimeout)
	for {
		select {
		case ev := <-events:
			if ev.State == zk.StateHasSession {
				logger.L().Info().Str("servers", servers).Msg("✅ connected to ZooKeeper")
				return &Conn{Conn: conn}, nil
			}
		case <-deadline:
			conn.Close()
			return nil, errors.Errorf("zookeeper session not established within %s", sessionTimeout)
		}
	}
}

// ensurePath 逐级创建持久节点，已存在的节点忽略。
func (c *Conn) ensurePath(path string) error {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	current := ""
	for _, p := range parts {
		current += "/" + p
		exists, _, err := c.Exists(current)
		if err != nil {
			return errors.Wrapf(err, "check node %s", current)
		}
		if exists {
			continue
		}
		_, err = c.Create(current, []byte(""), 0, zk.WorldACL(zk.PermAll))
		if err != nil && !errors.Is(err, zk.ErrNodeExists) {
			return errors.Wrapf(err, "create node %s", current)
		}
	}
	return nil
}
