package workerpool

import (
	"context"
	"log/slog"
	"sync"
)

// Task 定义任务函数类型
type Task func()

// Pool Worker Pool 实现
// workers 为 1 时即为串行事件循环，任务按提交顺序执行
type Pool struct {
	workers   int
	taskQueue chan Task
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	logger    *slog.Logger
	closeOnce sync.Once
}

// New 创建一个新的 Worker Pool
// workers: worker 数量
// queueSize: 任务队列大小
func New(workers int, queueSize int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())

	pool := &Pool{
		workers:   workers,
		taskQueue: make(chan Task, queueSize),
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger,
	}

	for i := 0; i < workers; i++ {
		pool.wg.Add(1)
		go pool.worker(i)
	}

	pool.logger.Debug("Worker pool started",
		"workers", workers,
		"queue_size", queueSize)

	return pool
}

// worker 工作协程
func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			// 关闭前执行完已入队的任务
			for {
				select {
				case task := <-p.taskQueue:
					p.run(id, task)
				default:
					return
				}
			}
		case task := <-p.taskQueue:
			p.run(id, task)
		}
	}
}

// run 执行任务，捕获 panic
func (p *Pool) run(id int, task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Task panic recovered",
				"worker_id", id,
				"panic", r)
		}
	}()
	task()
}

// Submit 提交任务到 Worker Pool
// 如果队列满了，会阻塞直到有空位或 Pool 被关闭
func (p *Pool) Submit(task Task) bool {
	select {
	case <-p.ctx.Done():
		return false
	default:
	}

	select {
	case <-p.ctx.Done():
		return false
	case p.taskQueue <- task:
		return true
	}
}

// TrySubmit 尝试提交任务，如果队列满了立即返回 false
func (p *Pool) TrySubmit(task Task) bool {
	select {
	case <-p.ctx.Done():
		return false
	default:
	}

	select {
	case p.taskQueue <- task:
		return true
	default:
		return false
	}
}

// Flush 等待此前提交的任务全部执行完
// 只对单 worker 的 Pool 有顺序保证；不能在任务内部调用
func (p *Pool) Flush() {
	done := make(chan struct{})
	if !p.Submit(func() { close(done) }) {
		return
	}
	<-done
}

// Pending 队列中等待执行的任务数
func (p *Pool) Pending() int {
	return len(p.taskQueue)
}

// Shutdown 优雅关闭 Worker Pool
// 拒绝新任务，等待已入队任务完成；不能在任务内部调用
func (p *Pool) Shutdown() {
	p.closeOnce.Do(func() {
		p.cancel()
		p.wg.Wait()
		p.logger.Debug("Worker pool shutdown completed")
	})
}
