package port

import "context"

// ReconcileLock 是全系统唯一的对账互斥锁。
type ReconcileLock interface {
	// Lock 阻塞直到获得锁，或者 ctx 结束。
	Lock(ctx context.Context) error
	Unlock() error
}
