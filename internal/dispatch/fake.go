package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Fake 内存下发器（用于测试与本地开发）
//
// Start 记录命令并返回递增句柄；Complete 设置终态；
// StartErr/PollErr 可注入错误，PollDelay 模拟慢传输。
type Fake struct {
	mu       sync.Mutex
	seq      int
	commands map[string]CommandSpec
	results  map[string]PollResult
	starts   int
	polls    int

	StartErr  error
	PollErr   error
	PollDelay time.Duration
}

var _ Dispatcher = (*Fake)(nil)

// NewFake 创建 Fake
func NewFake() *Fake {
	return &Fake{
		commands: make(map[string]CommandSpec),
		results:  make(map[string]PollResult),
	}
}

func (f *Fake) Start(ctx context.Context, workerRef string, spec CommandSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	if f.StartErr != nil {
		return "", f.StartErr
	}
	f.seq++
	handle := fmt.Sprintf("fake-%d", f.seq)
	f.commands[handle] = spec
	f.results[handle] = PollResult{Status: StatusPending}
	return handle, nil
}

func (f *Fake) Poll(ctx context.Context, workerRef, handle string) (PollResult, error) {
	if f.PollDelay > 0 {
		select {
		case <-ctx.Done():
			return PollResult{}, ctx.Err()
		case <-time.After(f.PollDelay):
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if f.PollErr != nil {
		return PollResult{}, f.PollErr
	}
	res, ok := f.results[handle]
	if !ok {
		return PollResult{}, fmt.Errorf("unknown handle %s", handle)
	}
	return res, nil
}

// Complete 把句柄置为终态
func (f *Fake) Complete(handle string, status Status, stdout, stderr string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[handle] = PollResult{Status: status, Stdout: stdout, Stderr: stderr}
}

// Command 返回下发的命令
func (f *Fake) Command(handle string) (CommandSpec, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	spec, ok := f.commands[handle]
	return spec, ok
}

// Starts Start 调用次数
func (f *Fake) Starts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

// Polls Poll 调用次数
func (f *Fake) Polls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls
}
