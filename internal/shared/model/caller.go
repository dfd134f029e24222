package model

// CallerRole 调用方角色
type CallerRole string

const (
	// RoleAuthority 版本权威（重训练组件），唯一可以写入新版本目录的角色
	RoleAuthority CallerRole = "authority"
	// RoleScoped 普通调用方，只能在已存在的版本内工作
	RoleScoped CallerRole = "scoped"
)

// Caller 显式传入编排器的调用方身份
type Caller struct {
	Role    CallerRole `json:"role"`
	Subject string     `json:"subject"`
}

// IsAuthority 是否为版本权威
func (c Caller) IsAuthority() bool { return c.Role == RoleAuthority }

// ScopedCaller 普通调用方
func ScopedCaller(subject string) Caller {
	return Caller{Role: RoleScoped, Subject: subject}
}

// AuthorityCaller 版本权威调用方
func AuthorityCaller(subject string) Caller {
	return Caller{Role: RoleAuthority, Subject: subject}
}
