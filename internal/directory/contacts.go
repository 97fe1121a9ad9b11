// Package directory 紧急联系人与附近医疗机构目录
package directory

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"

	"accident-alert/internal/models"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// ContactRepository 紧急联系人仓库（emergency_contacts 表）
type ContactRepository struct {
	db       *sql.DB
	validate *validator.Validate
	logger   *zap.Logger
}

// NewContactRepository 创建联系人仓库
func NewContactRepository(db *sql.DB, logger *zap.Logger) *ContactRepository {
	return &ContactRepository{
		db:       db,
		validate: validator.New(),
		logger:   logger,
	}
}

// ListActiveContacts 启用的联系人，按优先级、姓名排序
func (r *ContactRepository) ListActiveContacts(ctx context.Context) ([]models.Contact, error) {
	query := `
		SELECT
			name,
			phone_number,
			priority,
			active
		FROM emergency_contacts
		WHERE active = TRUE
		ORDER BY priority ASC, name ASC
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list contacts: %w", err)
	}
	defer rows.Close()

	var contacts []models.Contact
	for rows.Next() {
		var c models.Contact
		if err := rows.Scan(&c.Name, &c.PhoneNumber, &c.Priority, &c.Active); err != nil {
			r.logger.Error("Failed to scan contact", zap.Error(err))
			continue // 继续处理其他联系人，不中断
		}
		contacts = append(contacts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate contacts: %w", err)
	}

	return contacts, nil
}

// UpsertContact 新增或更新联系人（按电话号码）
func (r *ContactRepository) UpsertContact(ctx context.Context, c models.Contact) error {
	if err := r.validate.Struct(c); err != nil {
		return fmt.Errorf("invalid contact: %w", err)
	}

	query := `
		INSERT INTO emergency_contacts (
			phone_number,
			name,
			priority,
			active
		) VALUES (
			$1, $2, $3, $4
		)
		ON CONFLICT (phone_number) DO UPDATE SET
			name = EXCLUDED.name,
			priority = EXCLUDED.priority,
			active = EXCLUDED.active,
			updated_at = CURRENT_TIMESTAMP
	`

	if _, err := r.db.ExecContext(ctx, query, c.PhoneNumber, c.Name, c.Priority, c.Active); err != nil {
		return fmt.Errorf("failed to upsert contact: %w", err)
	}
	return nil
}

// DeactivateContact 停用联系人
func (r *ContactRepository) DeactivateContact(ctx context.Context, phoneNumber string) error {
	if phoneNumber == "" {
		return fmt.Errorf("phone_number is required")
	}

	result, err := r.db.ExecContext(ctx,
		`UPDATE emergency_contacts SET active = FALSE, updated_at = CURRENT_TIMESTAMP WHERE phone_number = $1`,
		phoneNumber,
	)
	if err != nil {
		return fmt.Errorf("failed to deactivate contact: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("contact not found: phone_number=%s", phoneNumber)
	}
	return nil
}

// MemoryContacts 内存联系人列表（未启用数据库时使用）
type MemoryContacts struct {
	mu       sync.RWMutex
	contacts []models.Contact
}

// NewMemoryContacts 创建内存联系人列表
func NewMemoryContacts(contacts []models.Contact) *MemoryContacts {
	m := &MemoryContacts{}
	m.Replace(contacts)
	return m
}

// Replace 替换全部联系人
func (m *MemoryContacts) Replace(contacts []models.Contact) {
	cp := append([]models.Contact(nil), contacts...)
	sort.SliceStable(cp, func(i, j int) bool {
		if cp[i].Priority != cp[j].Priority {
			return cp[i].Priority < cp[j].Priority
		}
		return cp[i].Name < cp[j].Name
	})

	m.mu.Lock()
	m.contacts = cp
	m.mu.Unlock()
}

// ListActiveContacts 启用的联系人
func (m *MemoryContacts) ListActiveContacts(ctx context.Context) ([]models.Contact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.Contact, 0, len(m.contacts))
	for _, c := range m.contacts {
		if c.Active {
			out = append(out, c)
		}
	}
	return out, nil
}
