package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPoolRunsAllTasks(t *testing.T) {
	p := New(4, 16)
	p.Start(context.Background())

	var ran atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		p.Submit(func() {
			defer wg.Done()
			ran.Add(1)
		})
	}
	wg.Wait()
	p.Stop()

	assert.Equal(t, int32(20), ran.Load())
}

func TestPoolRecoversFromPanic(t *testing.T) {
	p := New(1, 4)
	p.Start(context.Background())

	var wg sync.WaitGroup
	wg.Add(2)
	p.Submit(func() {
		defer wg.Done()
		panic("task blew up")
	})

	// panic 之后池还活着，后续任务照常执行
	done := make(chan struct{})
	p.Submit(func() {
		defer wg.Done()
		close(done)
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pool worker died after task panic")
	}
	wg.Wait()
	p.Stop()
}

// 复检批次的提交方按任务计数等回执：取消后已入队的任务
// 被丢弃的话 wg.Wait 会永远阻塞，进程收到 SIGINT 也退不出去。
func TestPoolDrainsQueuedTasksAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := New(1, 8)
	p.Start(ctx)

	blocker := make(chan struct{})
	var wg sync.WaitGroup

	// 第一个任务占住唯一的 worker
	wg.Add(1)
	p.Submit(func() {
		defer wg.Done()
		<-blocker
	})

	// 后续任务全部压进队列
	var drained atomic.Int32
	for i := 0; i < 5; i++ {
		wg.Add(1)
		p.Submit(func() {
			defer wg.Done()
			drained.Add(1)
		})
	}

	// worker 还卡在第一个任务上时取消
	cancel()
	close(blocker)

	waited := make(chan struct{})
	go func() {
		wg.Wait()
		close(waited)
	}()

	select {
	case <-waited:
	case <-time.After(2 * time.Second):
		t.Fatal("queued tasks abandoned after cancel: submitter would block forever")
	}
	assert.Equal(t, int32(5), drained.Load())
	p.Stop()
}
