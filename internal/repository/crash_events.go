package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"accident-alert/internal/models"

	"go.uber.org/zap"
)

// CrashEventsRepository 碰撞事件仓库（只追加）
type CrashEventsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewCrashEventsRepository 创建碰撞事件仓库
func NewCrashEventsRepository(db *sql.DB, logger *zap.Logger) *CrashEventsRepository {
	return &CrashEventsRepository{
		db:     db,
		logger: logger,
	}
}

// CrashEventFilters 事件过滤条件
type CrashEventFilters struct {
	EventTypes []string   // 事件类型列表（IN 查询）
	RunID      *string    // 同一次倒计时的所有事件
	Since      *time.Time // created_at >= Since
}

// AppendEvent 追加事件记录
func (r *CrashEventsRepository) AppendEvent(ctx context.Context, event *models.CrashEvent) error {
	if event == nil {
		return fmt.Errorf("event is required")
	}
	if event.EventID == "" {
		return fmt.Errorf("event_id is required")
	}
	if event.EventType == "" {
		return fmt.Errorf("event_type is required")
	}

	payload := event.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}

	query := `
		INSERT INTO crash_events (
			event_id,
			event_type,
			run_id,
			g_force,
			latitude,
			longitude,
			payload,
			created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8
		)
	`

	_, err := r.db.ExecContext(ctx,
		query,
		event.EventID,
		event.EventType,
		event.RunID,
		event.GForce,
		event.Latitude,
		event.Longitude,
		[]byte(payload),
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append crash event: %w", err)
	}

	return nil
}

// GetEvent 根据 event_id 获取事件
func (r *CrashEventsRepository) GetEvent(ctx context.Context, eventID string) (*models.CrashEvent, error) {
	if eventID == "" {
		return nil, fmt.Errorf("event_id is required")
	}

	query := `
		SELECT
			event_id,
			event_type,
			run_id,
			g_force,
			latitude,
			longitude,
			payload,
			created_at
		FROM crash_events
		WHERE event_id = $1
	`

	event, err := scanCrashEvent(r.db.QueryRowContext(ctx, query, eventID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("crash event not found: event_id=%s", eventID)
		}
		return nil, fmt.Errorf("failed to get crash event: %w", err)
	}
	return event, nil
}

// ListRecentEvents 最近的事件（按 created_at 倒序）
func (r *CrashEventsRepository) ListRecentEvents(ctx context.Context, filters CrashEventFilters, limit int) ([]*models.CrashEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	where := []string{"1=1"}
	args := []interface{}{}
	argN := 1

	if len(filters.EventTypes) > 0 {
		placeholders := make([]string, 0, len(filters.EventTypes))
		for _, et := range filters.EventTypes {
			placeholders = append(placeholders, fmt.Sprintf("$%d", argN))
			args = append(args, et)
			argN++
		}
		where = append(where, fmt.Sprintf("event_type IN (%s)", strings.Join(placeholders, ", ")))
	}
	if filters.RunID != nil {
		where = append(where, fmt.Sprintf("run_id = $%d", argN))
		args = append(args, *filters.RunID)
		argN++
	}
	if filters.Since != nil {
		where = append(where, fmt.Sprintf("created_at >= $%d", argN))
		args = append(args, *filters.Since)
		argN++
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT
			event_id,
			event_type,
			run_id,
			g_force,
			latitude,
			longitude,
			payload,
			created_at
		FROM crash_events
		WHERE %s
		ORDER BY created_at DESC
		LIMIT $%d
	`, strings.Join(where, " AND "), argN)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list crash events: %w", err)
	}
	defer rows.Close()

	var events []*models.CrashEvent
	for rows.Next() {
		event, err := scanCrashEvent(rows)
		if err != nil {
			r.logger.Error("Failed to scan crash event", zap.Error(err))
			continue // 继续处理其他行，不中断
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate crash events: %w", err)
	}

	return events, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCrashEvent(row rowScanner) (*models.CrashEvent, error) {
	var event models.CrashEvent
	var lat, lon sql.NullFloat64
	var payload []byte

	if err := row.Scan(
		&event.EventID,
		&event.EventType,
		&event.RunID,
		&event.GForce,
		&lat,
		&lon,
		&payload,
		&event.CreatedAt,
	); err != nil {
		return nil, err
	}

	// 处理可空字段
	if lat.Valid && lon.Valid {
		event.Latitude = &lat.Float64
		event.Longitude = &lon.Float64
	}
	if len(payload) > 0 {
		event.Payload = payload
	} else {
		event.Payload = json.RawMessage("{}")
	}
	return &event, nil
}
