// Package timer 提供秒级时间轮，用于通话振铃超时和输入状态过期这类短延迟任务。
package timer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"sudooom.im.chat/internal/workerpool"
)

// SlotCount 槽位数量，单个任务的最长延迟为 SlotCount 个刻度
const SlotCount = 60

// Task 到期执行的函数
type Task func()

// slot 时间轮槽位
type slot struct {
	tasks map[string]Task
}

// Wheel 时间轮
// 同一 ID 重复调度会替换旧任务，到期任务交给 worker pool 执行
type Wheel struct {
	mu      sync.Mutex
	slots   [SlotCount]slot
	index   map[string]int // taskID -> 槽位
	current int
	tick    time.Duration
	pool    *workerpool.Pool
	logger  *slog.Logger
}

// NewWheel 创建时间轮
func NewWheel(tick time.Duration, pool *workerpool.Pool) *Wheel {
	if tick <= 0 {
		tick = time.Second
	}
	w := &Wheel{
		index:  make(map[string]int),
		tick:   tick,
		pool:   pool,
		logger: slog.Default(),
	}
	for i := range w.slots {
		w.slots[i].tasks = make(map[string]Task)
	}
	return w
}

// MaxDelay 可调度的最长延迟
func (w *Wheel) MaxDelay() time.Duration {
	return w.tick * SlotCount
}

// ticks 延迟换算为刻度数，向上取整并限制在 [1, SlotCount]
func (w *Wheel) ticks(delay time.Duration) int {
	n := int((delay + w.tick - 1) / w.tick)
	return min(max(n, 1), SlotCount)
}

// Schedule 在 delay 之后执行 fn
func (w *Wheel) Schedule(id string, delay time.Duration, fn Task) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if old, ok := w.index[id]; ok {
		delete(w.slots[old].tasks, id)
	}
	target := (w.current + w.ticks(delay)) % SlotCount
	w.slots[target].tasks[id] = fn
	w.index[id] = target
}

// Cancel 取消任务，任务不存在或已到期时返回 false
func (w *Wheel) Cancel(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	s, ok := w.index[id]
	if !ok {
		return false
	}
	delete(w.slots[s].tasks, id)
	delete(w.index, id)
	return true
}

// Len 等待中的任务数
func (w *Wheel) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.index)
}

// Advance 推进一个刻度并提交到期任务，返回提交数量
func (w *Wheel) Advance() int {
	w.mu.Lock()
	w.current = (w.current + 1) % SlotCount
	s := &w.slots[w.current]
	due := s.tasks
	s.tasks = make(map[string]Task)
	for id := range due {
		delete(w.index, id)
	}
	w.mu.Unlock()

	submitted := 0
	for id, fn := range due {
		if !w.pool.Submit(workerpool.Task(fn)) {
			w.logger.Warn("Timer task dropped, pool closed", "taskId", id)
			continue
		}
		submitted++
	}
	return submitted
}

// Start 按刻度推进时间轮，阻塞直到 ctx 取消
func (w *Wheel) Start(ctx context.Context) {
	ticker := time.NewTicker(w.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := w.Advance(); n > 0 {
				w.logger.Debug("Timer tasks due", "count", n)
			}
		}
	}
}
