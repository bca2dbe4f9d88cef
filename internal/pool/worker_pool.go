// Package pool 限定并发度的任务池。
package pool

import (
	"context"
	"sync"
)

// WorkerPool 固定并发度的协程池。
// 域名复检这类批量外部 I/O 用它限制同时在途的查询数量。
type WorkerPool struct {
	workers int
	tasks   chan func()
	wg      sync.WaitGroup
}

// New 创建协程池。workers 是并发度，queueSize 是待执行任务的缓冲量。
func New(workers, queueSize int) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	return &WorkerPool{
		workers: workers,
		tasks:   make(chan func(), queueSize),
	}
}

// Start 启动工作协程。ctx 取消后队列里已有的任务仍会被执行，
// 直到 Stop 关闭队列；快速退场靠任务自身感知 ctx。
func (p *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run(ctx)
	}
}

// Submit 提交任务，队列满时阻塞
func (p *WorkerPool) Submit(task func()) {
	p.tasks <- task
}

// Stop 关闭任务队列并等待在途任务完成
func (p *WorkerPool) Stop() {
	close(p.tasks)
	p.wg.Wait()
}

func (p *WorkerPool) run(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			// 已入队的任务必须执行完：提交方可能正按任务计数等回执，
			// 丢弃任务会让它永远等不到。取消后任务经由自己的 ctx 快速返回。
			for task := range p.tasks {
				p.invoke(task)
			}
			return
		case task, ok := <-p.tasks:
			if !ok {
				return
			}
			p.invoke(task)
		}
	}
}

// invoke 单个任务 panic 不拖垮整个池
func (p *WorkerPool) invoke(task func()) {
	defer func() { recover() }()
	task()
}
