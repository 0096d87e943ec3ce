package storage

import "time"

// AuditRecord 记录一次工具调用及其结果，用于审计与追溯。
//
// 目前唯一的工具是 query_runner：入参是模型生成的 SQL，结果是序列化后的行。
// 入参与输出统一以 JSON 字符串存放，超长时截断。
type AuditRecord struct {
	// ID 为自增主键（内部使用）。
	ID uint64 `gorm:"primaryKey"`
	// TraceID 串联一次提问的完整链路，与 ChatTurn.TraceID 对应。
	TraceID string `gorm:"size:64;index"`
	// SessionID 为所属会话（可选）。
	SessionID string `gorm:"size:64;index"`
	// Action 为工具名，例如 query_runner。
	Action string `gorm:"size:128;not null;index"`
	// ParamsJSON 存放工具调用参数。
	ParamsJSON string `gorm:"type:text"`
	// ResultJSON 存放工具输出（可能被截断）。
	ResultJSON string `gorm:"type:text"`
	// Status 为 running/success/failed。
	Status       string    `gorm:"size:32;not null;index"`
	ErrorMessage string    `gorm:"type:text"`
	StartedAt    time.Time `gorm:"index"`
	FinishedAt   time.Time `gorm:"index"`
	CreatedAt    time.Time `gorm:"not null;autoCreateTime;index"`
}

// ChatTurn 是一次问答的元数据：护栏判定、生成的 SQL、返回行数与耗时。
type ChatTurn struct {
	ID        uint64 `gorm:"primaryKey"`
	SessionID string `gorm:"size:64;not null;index:idx_chat_turns_session_time,priority:1"`
	TraceID   string `gorm:"size:64;index"`
	Question  string `gorm:"type:text;not null"`
	// Answer 为最终回答；被护栏拦截时为拦截理由，处理失败时为空。
	Answer       string    `gorm:"type:text"`
	IsIrrelevant bool      `gorm:"not null;default:false"`
	IsMalicious  bool      `gorm:"not null;default:false"`
	Blocked      bool      `gorm:"not null;default:false;index"`
	Reason       string    `gorm:"type:text"`
	SQLQuery     string    `gorm:"type:text"`
	RowCount     int       `gorm:"not null;default:0"`
	DurationMS   int64     `gorm:"not null;default:0"`
	CreatedAt    time.Time `gorm:"not null;autoCreateTime;index:idx_chat_turns_session_time,priority:2"`
}

// ChatMessage 是会话的 UI 记录（只包含用户消息与最终回答），用于恢复上下文。
type ChatMessage struct {
	ID        uint64 `gorm:"primaryKey"`
	SessionID string `gorm:"size:64;not null;index:idx_chat_messages_session,priority:1"`
	// MessageID 为消息自身的 ID，同一会话内唯一。
	MessageID string    `gorm:"size:64;not null;uniqueIndex:idx_chat_messages_message"`
	Role      string    `gorm:"size:16;not null"`
	Content   string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime;index:idx_chat_messages_session,priority:2"`
}
