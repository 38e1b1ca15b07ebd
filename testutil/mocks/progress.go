// ProgressRecorder 的进度回调测试记录器。
//
// 线程安全地记录每次进度通知，供测试断言回调次数与顺序。
package mocks

import (
	"sync"

	"github.com/BaSui01/scanflow/scheduler"
)

// ProgressRecorder 记录会话进度回调
type ProgressRecorder struct {
	mu      sync.Mutex
	updates []scheduler.Progress
	done    chan struct{}
	total   int
}

// NewProgressRecorder 创建进度记录器
func NewProgressRecorder() *ProgressRecorder {
	return &ProgressRecorder{
		done: make(chan struct{}),
	}
}

// Callback 返回可直接赋给 SessionConfig.OnProgress 的回调函数。
// 当 Completed 达到 Total 时关闭 Done 通道。
func (r *ProgressRecorder) Callback() scheduler.ProgressFunc {
	return func(p scheduler.Progress) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.updates = append(r.updates, p)
		r.total = p.Total
		if p.Completed == p.Total {
			select {
			case <-r.done:
			default:
				close(r.done)
			}
		}
	}
}

// Updates 获取所有进度通知的副本
func (r *ProgressRecorder) Updates() []scheduler.Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]scheduler.Progress{}, r.updates...)
}

// Count 获取通知次数
func (r *ProgressRecorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.updates)
}

// Last 获取最后一次进度通知
func (r *ProgressRecorder) Last() (scheduler.Progress, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.updates) == 0 {
		return scheduler.Progress{}, false
	}
	return r.updates[len(r.updates)-1], true
}

// Done 返回在进度到达 Total 时关闭的通道
func (r *ProgressRecorder) Done() <-chan struct{} {
	return r.done
}

// OutcomesFor 获取指定键的所有终态概要
func (r *ProgressRecorder) OutcomesFor(itemKey string) []scheduler.TaskOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	var outcomes []scheduler.TaskOutcome
	for _, u := range r.updates {
		if u.LastOutcome.ItemKey == itemKey {
			outcomes = append(outcomes, u.LastOutcome)
		}
	}
	return outcomes
}
