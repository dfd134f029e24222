// Package cache 缓存层类型定义
package cache

import (
	"time"
)

// WorkerStatus worker 心跳内容
//
// Owners 为空表示接受任意 owner 的作业。
type WorkerStatus struct {
	Owners    []string  `json:"owners,omitempty"`
	Capacity  int       `json:"capacity"`
	Running   int       `json:"running"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Accepts 是否接受该 owner 的作业
func (s *WorkerStatus) Accepts(owner string) bool {
	if len(s.Owners) == 0 {
		return true
	}
	for _, o := range s.Owners {
		if o == owner {
			return true
		}
	}
	return false
}

// HasCapacity 是否还有空闲槽位，Capacity<=0 表示不限
func (s *WorkerStatus) HasCapacity() bool {
	return s.Capacity <= 0 || s.Running < s.Capacity
}

const (
	// KeyWorkerHeartbeat 心跳 key 前缀
	KeyWorkerHeartbeat = "worker_heartbeat:"

	// TTLWorkerHeartbeat 默认心跳有效期
	TTLWorkerHeartbeat = 30 * time.Second
)
