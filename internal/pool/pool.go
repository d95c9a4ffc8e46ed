// Package pool 提供固定大小的工作协程池，把业务逻辑从连接的 I/O 协程上剥离。
//
// 所有 worker 消费同一个 FIFO 队列，队列由互斥锁加条件变量保护。
// 支持三种提交形态：无返回值、带 Future 返回值、带完成回调；
// 三种形态互不兼容，各自独立使用。
package pool

import (
	"context"
	"errors"
	"runtime"
	"sync"

	"go.uber.org/zap"
)

// ErrPoolStopped 向已停止的池提交任务
var ErrPoolStopped = errors.New("pool: submit on stopped pool")

// Pool 工作协程池
type Pool struct {
	mu      sync.Mutex
	cond    *sync.Cond
	tasks   []func()
	stopped bool

	size   int
	wg     sync.WaitGroup
	logger *zap.Logger
}

// New 创建工作协程池
// size <= 0 时取 CPU 核数
func New(size int, logger *zap.Logger) *Pool {
	if size <= 0 {
		size = runtime.NumCPU()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Pool{
		size:   size,
		logger: logger,
	}
	p.cond = sync.NewCond(&p.mu)

	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go p.worker()
	}

	return p
}

// worker 工作协程主循环
func (p *Pool) worker() {
	defer p.wg.Done()

	for {
		p.mu.Lock()
		for !p.stopped && len(p.tasks) == 0 {
			p.cond.Wait()
		}

		// 池已停止且队列为空，则结束协程；停止后剩余任务先排空
		if p.stopped && len(p.tasks) == 0 {
			p.mu.Unlock()
			return
		}

		task := p.tasks[0]
		p.tasks[0] = nil
		p.tasks = p.tasks[1:]
		p.mu.Unlock()

		p.run(task)
	}
}

// run 执行单个任务，恢复 panic
func (p *Pool) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("worker task panic", zap.Any("recover", r))
		}
	}()
	task()
}

// Submit 提交任务（无返回值）
func (p *Pool) Submit(task func()) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrPoolStopped
	}
	p.tasks = append(p.tasks, task)
	p.mu.Unlock()

	p.cond.Signal()
	return nil
}

// SubmitCallback 提交任务并在完成后执行回调
// 回调在 worker 协程上执行
func (p *Pool) SubmitCallback(task func() (any, error), done func(any, error)) error {
	return p.Submit(func() {
		done(task())
	})
}

// Stop 停止池并等待排空
// 不再接受新任务，已入队任务全部执行完后 worker 退出；可重复调用
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		p.wg.Wait()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	p.cond.Broadcast()
	p.wg.Wait()
}

// Size 返回 worker 数量
func (p *Pool) Size() int {
	return p.size
}

// result Future 的一次性结果
type result[T any] struct {
	val T
	err error
}

// Future 任务结果句柄
type Future[T any] struct {
	ch chan result[T]
}

// SubmitResult 提交带返回值的任务，返回可等待的 Future
func SubmitResult[T any](p *Pool, task func() (T, error)) (*Future[T], error) {
	f := &Future[T]{ch: make(chan result[T], 1)}

	err := p.Submit(func() {
		val, err := task()
		f.ch <- result[T]{val: val, err: err}
	})
	if err != nil {
		return nil, err
	}

	return f, nil
}

// Wait 等待任务结果
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case r := <-f.ch:
		return r.val, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
