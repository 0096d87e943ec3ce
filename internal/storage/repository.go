package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

const (
	defaultLimit = 200
	maxLimit     = 5000

	defaultDeleteLimit = 500
	maxDeleteLimit     = 900
)

type AuditQuery struct {
	// TraceID 精确匹配链路 ID。
	TraceID string
	// SessionID 精确匹配会话。
	SessionID string
	// Action 精确匹配工具名。
	Action string
	// Status 精确匹配执行状态（running/success/failed）。
	Status string
	// From/To 过滤 CreatedAt 区间：[From, To]（两端包含）。
	From *time.Time
	To   *time.Time
	// Limit 限制返回条数；<=0 使用默认值。
	Limit int
	// Desc 按 CreatedAt 倒序返回（优先返回最新记录）。
	Desc bool
}

func (s *Storage) InsertAuditRecord(ctx context.Context, rec *AuditRecord) error {
	if s == nil || s.db == nil {
		return errNotInitialized
	}
	if rec == nil {
		return errors.New("audit record is nil")
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

func (s *Storage) QueryAuditRecords(ctx context.Context, q AuditQuery) ([]AuditRecord, error) {
	if s == nil || s.db == nil {
		return nil, errNotInitialized
	}

	db := s.db.WithContext(ctx).Model(&AuditRecord{})
	if q.TraceID != "" {
		db = db.Where("trace_id = ?", q.TraceID)
	}
	if q.SessionID != "" {
		db = db.Where("session_id = ?", q.SessionID)
	}
	if q.Action != "" {
		db = db.Where("action = ?", q.Action)
	}
	if q.Status != "" {
		db = db.Where("status = ?", q.Status)
	}
	db = timeRange(db, "created_at", q.From, q.To)
	db = order(db, "created_at", q.Desc).Limit(normalizeLimit(q.Limit))

	var out []AuditRecord
	if err := db.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("query audit records: %w", err)
	}
	return out, nil
}

type AuditUpdate struct {
	Status       *string
	ResultJSON   *string
	ErrorMessage *string
	FinishedAt   *time.Time
}

func (s *Storage) UpdateAuditRecord(ctx context.Context, id uint64, up AuditUpdate) error {
	if s == nil || s.db == nil {
		return errNotInitialized
	}

	updates := make(map[string]interface{})
	if up.Status != nil {
		updates["status"] = *up.Status
	}
	if up.ResultJSON != nil {
		updates["result_json"] = *up.ResultJSON
	}
	if up.ErrorMessage != nil {
		updates["error_message"] = *up.ErrorMessage
	}
	if up.FinishedAt != nil {
		updates["finished_at"] = *up.FinishedAt
	}

	if len(updates) == 0 {
		return nil
	}

	res := s.db.WithContext(ctx).Model(&AuditRecord{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update audit record: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return gormNotFoundError("audit record", id)
	}
	return nil
}

func (s *Storage) CountAuditRecords(ctx context.Context) (int64, error) {
	return s.count(ctx, &AuditRecord{})
}

// DeleteAuditRecordsBefore 分批删除 CreatedAt 早于 before 的审计记录，返回删除总数
func (s *Storage) DeleteAuditRecordsBefore(ctx context.Context, before time.Time) (int64, error) {
	var total int64
	for {
		affected, err := s.DeleteAuditRecordsBeforeLimited(ctx, before, maxDeleteLimit)
		total += affected
		if err != nil || affected == 0 {
			return total, err
		}
	}
}

func (s *Storage) DeleteAuditRecordsBeforeLimited(ctx context.Context, before time.Time, limit int) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errNotInitialized
	}
	return s.deleteLimited(ctx, &AuditRecord{}, "audit records", limit, func(db *gorm.DB) *gorm.DB {
		return db.Where("created_at < ?", before)
	})
}

// DeleteAuditRecordsKeepLatest 只保留最新的 keep 条审计记录
func (s *Storage) DeleteAuditRecordsKeepLatest(ctx context.Context, keep int) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errNotInitialized
	}
	if keep < 0 {
		return 0, fmt.Errorf("keep must be >= 0, got %d", keep)
	}

	// 第 keep+1 新的记录的 ID 作为分界，ID 自增，因此比它小的都更旧
	var boundary []uint64
	if err := s.db.WithContext(ctx).Model(&AuditRecord{}).
		Select("id").
		Order("id DESC").
		Offset(keep).
		Limit(1).
		Find(&boundary).Error; err != nil {
		return 0, fmt.Errorf("select audit boundary: %w", err)
	}
	if len(boundary) == 0 {
		return 0, nil
	}

	var total int64
	for {
		affected, err := s.deleteLimited(ctx, &AuditRecord{}, "audit records", maxDeleteLimit, func(db *gorm.DB) *gorm.DB {
			return db.Where("id <= ?", boundary[0])
		})
		total += affected
		if err != nil || affected == 0 {
			return total, err
		}
	}
}

type TurnQuery struct {
	SessionID string
	From      *time.Time
	To        *time.Time
	// BlockedOnly 只返回被护栏拦截的问答
	BlockedOnly bool
	Limit       int
	Desc        bool
}

func (s *Storage) InsertChatTurn(ctx context.Context, turn *ChatTurn) error {
	if s == nil || s.db == nil {
		return errNotInitialized
	}
	if turn == nil {
		return errors.New("chat turn is nil")
	}
	if turn.SessionID == "" {
		return errors.New("chat turn session id is required")
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(turn).Error; err != nil {
		return fmt.Errorf("insert chat turn: %w", err)
	}
	return nil
}

func (s *Storage) QueryChatTurns(ctx context.Context, q TurnQuery) ([]ChatTurn, error) {
	if s == nil || s.db == nil {
		return nil, errNotInitialized
	}

	db := s.db.WithContext(ctx).Model(&ChatTurn{})
	if q.SessionID != "" {
		db = db.Where("session_id = ?", q.SessionID)
	}
	if q.BlockedOnly {
		db = db.Where("blocked = ?", true)
	}
	db = timeRange(db, "created_at", q.From, q.To)
	db = order(db, "created_at", q.Desc).Order(orderID(q.Desc)).Limit(normalizeLimit(q.Limit))

	var out []ChatTurn
	if err := db.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("query chat turns: %w", err)
	}
	return out, nil
}

func (s *Storage) CountChatTurns(ctx context.Context) (int64, error) {
	return s.count(ctx, &ChatTurn{})
}

func (s *Storage) DeleteChatTurnsBeforeLimited(ctx context.Context, before time.Time, limit int) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errNotInitialized
	}
	return s.deleteLimited(ctx, &ChatTurn{}, "chat turns", limit, func(db *gorm.DB) *gorm.DB {
		return db.Where("created_at < ?", before)
	})
}

// AppendChatMessages 追加会话消息；MessageID 已存在时覆盖内容
func (s *Storage) AppendChatMessages(ctx context.Context, msgs []ChatMessage) error {
	if s == nil || s.db == nil {
		return errNotInitialized
	}
	if len(msgs) == 0 {
		return nil
	}
	now := time.Now().UTC()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range msgs {
			m := &msgs[i]
			if m.SessionID == "" || m.MessageID == "" {
				return errors.New("chat message session id and message id are required")
			}
			if m.CreatedAt.IsZero() {
				m.CreatedAt = now
			}
			res := tx.Model(&ChatMessage{}).
				Where("message_id = ?", m.MessageID).
				Updates(map[string]interface{}{"role": m.Role, "content": m.Content})
			if res.Error != nil {
				return fmt.Errorf("update chat message: %w", res.Error)
			}
			if res.RowsAffected > 0 {
				continue
			}
			if err := tx.Create(m).Error; err != nil {
				return fmt.Errorf("insert chat message: %w", err)
			}
		}
		return nil
	})
}

// ChatHistory 按写入顺序返回会话最近的 limit 条消息
func (s *Storage) ChatHistory(ctx context.Context, sessionID string, limit int) ([]ChatMessage, error) {
	if s == nil || s.db == nil {
		return nil, errNotInitialized
	}
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}

	var out []ChatMessage
	if err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("id DESC").
		Limit(normalizeLimit(limit)).
		Find(&out).Error; err != nil {
		return nil, fmt.Errorf("query chat history: %w", err)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// ClearSession 删除会话的消息与问答记录，返回删除的消息数
func (s *Storage) ClearSession(ctx context.Context, sessionID string) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errNotInitialized
	}
	if sessionID == "" {
		return 0, errors.New("session id is required")
	}

	var deleted int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("session_id = ?", sessionID).Delete(&ChatMessage{})
		if res.Error != nil {
			return fmt.Errorf("delete chat messages: %w", res.Error)
		}
		deleted = res.RowsAffected
		if err := tx.Where("session_id = ?", sessionID).Delete(&ChatTurn{}).Error; err != nil {
			return fmt.Errorf("delete chat turns: %w", err)
		}
		return nil
	})
	return deleted, err
}

// SessionSummary 是一个会话的概况
type SessionSummary struct {
	SessionID string
	Turns     int64
	LastAt    time.Time
}

func (s *Storage) ListSessions(ctx context.Context, limit int) ([]SessionSummary, error) {
	if s == nil || s.db == nil {
		return nil, errNotInitialized
	}

	type row struct {
		SessionID string
		Turns     int64
		LastAt    string
	}
	var rows []row
	if err := s.db.WithContext(ctx).Model(&ChatTurn{}).
		Select("session_id, COUNT(*) AS turns, MAX(created_at) AS last_at").
		Group("session_id").
		Order("last_at DESC").
		Limit(normalizeLimit(limit)).
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	out := make([]SessionSummary, 0, len(rows))
	for _, r := range rows {
		out = append(out, SessionSummary{SessionID: r.SessionID, Turns: r.Turns, LastAt: parseSQLiteTime(r.LastAt)})
	}
	return out, nil
}

func (s *Storage) count(ctx context.Context, model interface{}) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errNotInitialized
	}
	var n int64
	if err := s.db.WithContext(ctx).Model(model).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}

// deleteLimited 先选出至多 limit 个 ID 再按 ID 删除，SQLite 默认不支持 DELETE ... LIMIT
func (s *Storage) deleteLimited(ctx context.Context, model interface{}, entity string, limit int, scope func(*gorm.DB) *gorm.DB) (int64, error) {
	limit = normalizeDeleteLimit(limit)

	var ids []uint64
	db := scope(s.db.WithContext(ctx).Model(model)).
		Select("id").
		Order("id ASC").
		Limit(limit)
	if err := db.Find(&ids).Error; err != nil {
		return 0, fmt.Errorf("select %s ids: %w", entity, err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	res := s.db.WithContext(ctx).Where("id IN ?", ids).Delete(model)
	if res.Error != nil {
		return 0, fmt.Errorf("delete %s: %w", entity, res.Error)
	}
	return res.RowsAffected, nil
}

func timeRange(db *gorm.DB, column string, from, to *time.Time) *gorm.DB {
	if from != nil {
		db = db.Where(column+" >= ?", *from)
	}
	if to != nil {
		db = db.Where(column+" <= ?", *to)
	}
	return db
}

func order(db *gorm.DB, column string, desc bool) *gorm.DB {
	if desc {
		return db.Order(column + " DESC")
	}
	return db.Order(column + " ASC")
}

func orderID(desc bool) string {
	if desc {
		return "id DESC"
	}
	return "id ASC"
}

func parseSQLiteTime(v string) time.Time {
	for _, layout := range []string{
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05.999999999Z07:00",
		time.RFC3339Nano,
		"2006-01-02 15:04:05",
	} {
		if t, err := time.Parse(layout, v); err == nil {
			return t
		}
	}
	return time.Time{}
}

func normalizeLimit(v int) int {
	if v <= 0 {
		return defaultLimit
	}
	if v > maxLimit {
		return maxLimit
	}
	return v
}

func normalizeDeleteLimit(v int) int {
	if v <= 0 {
		return defaultDeleteLimit
	}
	if v > maxDeleteLimit {
		return maxDeleteLimit
	}
	return v
}

type notFoundError struct {
	Entity string
	ID     uint64
}

func (e notFoundError) Error() string {
	return fmt.Sprintf("%s not found: %d", e.Entity, e.ID)
}

func gormNotFoundError(entity string, id uint64) error {
	return notFoundError{Entity: entity, ID: id}
}
