package balancer

import "sync/atomic"

// Selector 在注册表上选出下一个端点
type Selector interface {
	Next() Endpoint
	Cursor() int
}

var _ Selector = (*RoundRobin)(nil)

// RoundRobin 轮询选择器
//
// 游标是进程内唯一的共享可变状态，读取与推进在一次原子加法里完成，
// 因此并发调用得到的下标序列仍是合法的轮询排列。
type RoundRobin struct {
	registry *Registry
	counter  atomic.Uint64
}

// NewRoundRobin 创建轮询选择器，游标从 0 开始
func NewRoundRobin(registry *Registry) *RoundRobin {
	return &RoundRobin{registry: registry}
}

// Next 返回当前游标处的端点，并将游标后移一位
func (s *RoundRobin) Next() Endpoint {
	idx := s.counter.Add(1) - 1
	return s.registry.At(int(idx % uint64(s.registry.Len())))
}

// Cursor 下一次 Next 将返回的下标
func (s *RoundRobin) Cursor() int {
	return int(s.counter.Load() % uint64(s.registry.Len()))
}

// Registry 返回底层注册表
func (s *RoundRobin) Registry() *Registry {
	return s.registry
}
