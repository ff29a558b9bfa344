package zookeeper

import (
	"context"
	"os"
	"sort"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSequenceOrdering(t *testing.T) {
	children := []string{
		"_c_f3a1-lock-0000000012",
		"_c_0b9e-lock-0000000003",
		"_c_aa00-lock-0000000007",
	}
	sort.Slice(children, func(i, j int) bool {
		return sequenceOf(children[i]) < sequenceOf(children[j])
	})

	assert.Equal(t, []string{
		"_c_0b9e-lock-0000000003",
		"_c_aa00-lock-0000000007",
		"_c_f3a1-lock-0000000012",
	}, children)
}

func TestSequenceOfShortName(t *testing.T) {
	assert.Equal(t, "lock-1", sequenceOf("lock-1"))
}

func TestUnlockWithoutLock(t *testing.T) {
	l := &DistributedLock{local: make(chan struct{}, 1)}
	assert.Error(t, l.Unlock())
}

// newTestConn 连接 ZOOKEEPER_SERVERS 指定的集群，未设置时跳过
func newTestConn(t *testing.T) *Conn {
	t.Helper()
	servers := os.Getenv("ZOOKEEPER_SERVERS")
	if servers == "" {
		t.Skip("ZOOKEEPER_SERVERS not set")
	}
	conn, err := Connect(servers, 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(conn.Close)
	return conn
}

func TestDistributedLockMutualExclusion(t *testing.T) {
	resource := "test-" + strconv.FormatInt(time.Now().UnixNano(), 10)
	first, err := NewDistributedLock(newTestConn(t), resource)
	require.NoError(t, err)
	second, err := NewDistributedLock(newTestConn(t), resource)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, first.Lock(ctx))

	// 第一个实例持有锁时，第二个实例等待到超时并清理自己的节点
	waitCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, second.Lock(waitCtx), context.DeadlineExceeded)

	acquired := make(chan error, 1)
	go func() { acquired <- second.Lock(ctx) }()
	select {
	case <-acquired:
		t.Fatal("second instance acquired the lock while the first holds it")
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, first.Unlock())
	select {
	case err := <-acquired:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("second instance never acquired the released lock")
	}
	require.NoError(t, second.Unlock())
}
