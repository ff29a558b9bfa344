// internal/zookeeper/lock.go
package zookeeper

import (
	"context"
	"sort"
	"strings"

	"github.com/go-zookeeper/zk"
	"github.com/pkg/errors"
)

const (
	lockRoot = "/distributed_locks" // 所有分布式锁的根节点
)

// DistributedLock 是基于临时顺序节点的互斥锁，多个实例共享同一把对账锁时使用。
// 同一进程内的多个 goroutine 先竞争本地令牌，再去 ZooKeeper 排队。
type DistributedLock struct {
	conn     *Conn
	path     string        // 锁的路径，例如 /distributed_locks/reconcile
	local    chan struct{} // 进程内令牌
	lockNode string        // 成功获取锁后，自己创建的节点路径
}

// NewDistributedLock 创建一个分布式锁实例，并确保锁路径存在。
func NewDistributedLock(conn *Conn, resourceID string) (*DistributedLock, error) {
	lockPath := lockRoot + "/" + resourceID
	if err := conn.ensurePath(lockPath); err != nil {
		return nil, err
	}
	return &DistributedLock{
		conn:  conn,
		path:  lockPath,
		local: make(chan struct{}, 1),
	}, nil
}

// Lock 阻塞直到获得锁或 ctx 结束
func (l *DistributedLock) Lock(ctx context.Context) error {
	select {
	case l.local <- struct{}{}:
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "wait for local lock token")
	}

	if err := l.acquire(ctx); err != nil {
		<-l.local
		return err
	}
	return nil
}

func (l *DistributedLock) acquire(ctx context.Context) error {
	// 1. 在锁路径下创建一个临时顺序节点
	nodePath, err := l.conn.CreateProtectedEphemeralSequential(l.path+"/lock-", []byte(""), zk.WorldACL(zk.PermAll))
	if err != nil {
		return errors.Wrap(err, "create sequential node")
	}
	myNodeName := strings.TrimPrefix(nodePath, l.path+"/")

	for {
		// 2. 获取所有子节点，按序号排序。protected 节点带 _c_<guid>- 前缀，不能直接按字符串排序
		children, _, err := l.conn.Children(l.path)
		if err != nil {
			l.abandon(nodePath)
			return errors.Wrap(err, "get children nodes")
		}
		sort.Slice(children, func(i, j int) bool {
			return sequenceOf(children[i]) < sequenceOf(children[j])
		})

		// 3. 判断自己是否是最小的节点
		myIndex := -1
		for i, child := range children {
			if child == myNodeName {
				myIndex = i
				break
			}
		}
		if myIndex < 0 {
			// 会话过期导致临时节点被删除
			return errors.Errorf("lock node %s disappeared", nodePath)
		}
		if myIndex == 0 {
			l.lockNode = nodePath
			return nil
		}

		// 4. 不是最小节点，只监听前一个节点
		prevNodePath := l.path + "/" + children[myIndex-1]
		exists, _, eventChan, err := l.conn.ExistsW(prevNodePath)
		if err != nil {
			l.abandon(nodePath)
			return errors.Wrap(err, "watch previous node")
		}
		if !exists {
			continue
		}

		select {
		case <-eventChan:
			// 前一个节点被删除或发生变化，重新竞争
		case <-ctx.Done():
			l.abandon(nodePath)
			return errors.Wrap(ctx.Err(), "wait for zookeeper lock")
		}
	}
}

// Unlock 释放锁
func (l *DistributedLock) Unlock() error {
	if l.lockNode == "" {
		return errors.New("no lock to unlock")
	}
	err := l.conn.Delete(l.lockNode, -1)
	l.lockNode = ""
	<-l.local
	if err != nil && !errors.Is(err, zk.ErrNoNode) {
		return errors.Wrap(err, "delete lock node")
	}
	return nil
}

func (l *DistributedLock) abandon(nodePath string) {
	_ = l.conn.Delete(nodePath, -1)
}

// sequenceOf 取出节点名末尾 10 位的顺序号
func sequenceOf(name string) string {
	if len(name) < 10 {
		return name
	}
	return name[len(name)-10:]
}
