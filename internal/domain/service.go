package domain

import "time"

// ServiceStatus 服务台运行状态
type ServiceStatus string

const (
	ServiceActive    ServiceStatus = "active"
	ServiceInactive  ServiceStatus = "inactive"
	ServiceEmergency ServiceStatus = "emergency"
)

// Operational reports whether the queue accepts mutations.
// Emergency mode keeps the desk open.
func (s ServiceStatus) Operational() bool {
	return s == ServiceActive || s == ServiceEmergency
}

// Service 服务队列（对应 services 表）
type Service struct {
	ServiceID       int64         `json:"service_id" db:"service_id"`
	Name            string        `json:"name" db:"name"`
	Status          ServiceStatus `json:"status" db:"status"`
	AvgWaitSeconds  int           `json:"avg_wait_seconds" db:"avg_wait_seconds"` // EWMA 输出，持久化以便重启不丢失
	MaxWaitSeconds  int           `json:"max_wait_seconds" db:"max_wait_seconds"` // soft SLA
	DefaultPriority Priority      `json:"default_priority" db:"default_priority"`

	LastCalledAt *time.Time `json:"last_called_at,omitempty" db:"last_called_at"` // 上一次 call 的时间（EWMA 观测基准）
	EventSeq     int64      `json:"-" db:"event_seq"`                             // causality token 计数器
}

func (s *Service) Clone() *Service {
	if s == nil {
		return nil
	}
	c := *s
	c.LastCalledAt = cloneTime(s.LastCalledAt)
	return &c
}
