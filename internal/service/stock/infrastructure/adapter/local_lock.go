package adapter

import (
	"context"

	"github.com/pkg/errors"
)

// LocalLock 是进程内的全局对账锁。用容量为 1 的 channel 实现，
// 等待可以被 ctx 取消，这一点 sync.Mutex 做不到。
type LocalLock struct {
	ch chan struct{}
}

func NewLocalLock() *LocalLock {
	return &LocalLock{ch: make(chan struct{}, 1)}
}

func (l *LocalLock) Lock(ctx context.Context) error {
	select {
	case l.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "wait for local reconcile lock")
	}
}

func (l *LocalLock) Unlock() error {
	select {
	case <-l.ch:
		return nil
	default:
		return errors.New("local reconcile lock is not held")
	}
}
