package directory

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"accident-alert/internal/models"

	"github.com/go-playground/validator/v10"
	"github.com/xuri/excelize/v2"
)

// RowIssue 导入时被跳过的行
type RowIssue struct {
	Row    int    `json:"row"` // Excel 行号（从 1 开始，含表头）
	Reason string `json:"reason"`
}

// ImportResult 联系人导入结果
type ImportResult struct {
	Contacts []models.Contact `json:"contacts"`
	Skipped  []RowIssue       `json:"skipped"`
}

// 支持的表头（不区分大小写）
var contactHeaders = map[string]string{
	"name":         "name",
	"phone":        "phone",
	"phone number": "phone",
	"phone_number": "phone",
	"priority":     "priority",
	"active":       "active",
}

// ImportContactsXLSX 从 Excel 文件导入联系人（第一个工作表，首行为表头）
func ImportContactsXLSX(path string) (*ImportResult, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open contacts file: %w", err)
	}
	defer f.Close()
	return readContacts(f)
}

// ReadContactsXLSX 从数据流导入联系人
func ReadContactsXLSX(r io.Reader) (*ImportResult, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Excel file: %w", err)
	}
	defer f.Close()
	return readContacts(f)
}

func readContacts(f *excelize.File) (*ImportResult, error) {
	sheetName := f.GetSheetName(0)
	if sheetName == "" {
		return nil, fmt.Errorf("excel file has no sheets")
	}
	rows, err := f.GetRows(sheetName)
	if err != nil {
		return nil, fmt.Errorf("failed to read rows: %w", err)
	}

	result := &ImportResult{}
	if len(rows) < 2 {
		return result, nil
	}

	// 解析表头
	columns := make(map[string]int)
	for i, h := range rows[0] {
		if field, ok := contactHeaders[strings.ToLower(strings.TrimSpace(h))]; ok {
			columns[field] = i
		}
	}
	for _, required := range []string{"name", "phone"} {
		if _, ok := columns[required]; !ok {
			return nil, fmt.Errorf("missing required column %q", required)
		}
	}

	validate := validator.New()
	cell := func(row []string, field string) string {
		idx, ok := columns[field]
		if !ok || idx >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[idx])
	}

	for rowIdx := 1; rowIdx < len(rows); rowIdx++ {
		row := rows[rowIdx]
		excelRow := rowIdx + 1

		name, phone := cell(row, "name"), cell(row, "phone")
		if name == "" && phone == "" {
			continue // 空行
		}

		contact := models.Contact{
			Name:        name,
			PhoneNumber: phone,
			Priority:    excelRow - 1,
			Active:      parseActive(cell(row, "active")),
		}
		if raw := cell(row, "priority"); raw != "" {
			p, err := strconv.Atoi(raw)
			if err != nil {
				result.Skipped = append(result.Skipped, RowIssue{Row: excelRow, Reason: fmt.Sprintf("invalid priority %q", raw)})
				continue
			}
			contact.Priority = p
		}

		if err := validate.Struct(contact); err != nil {
			result.Skipped = append(result.Skipped, RowIssue{Row: excelRow, Reason: err.Error()})
			continue
		}
		result.Contacts = append(result.Contacts, contact)
	}

	return result, nil
}

// parseActive 空值视为启用
func parseActive(value string) bool {
	switch strings.ToLower(value) {
	case "", "yes", "y", "true", "1", "active":
		return true
	default:
		return false
	}
}
