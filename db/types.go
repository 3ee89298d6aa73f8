package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/tfkr-ae/snag/domain"
)

// Metadata holds free-form structured data, stored as a JSON object.
type Metadata map[string]any

// Scan implements the sql.Scanner interface.
func (m *Metadata) Scan(value interface{}) error {
	*m = make(Metadata)
	return scanJSON(value, m)
}

// Value implements the driver.Valuer interface.
func (m Metadata) Value() (driver.Value, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	return json.Marshal(m)
}

// Details holds the string details of a log entry as a JSON object.
type Details map[string]string

func (d *Details) Scan(value interface{}) error {
	*d = make(Details)
	return scanJSON(value, d)
}

func (d Details) Value() (driver.Value, error) {
	if len(d) == 0 {
		return "{}", nil
	}
	return json.Marshal(d)
}

// Headers stores an ordered header list as a JSON array so duplicates and order survive.
type Headers domain.Headers

func (h *Headers) Scan(value interface{}) error {
	*h = nil
	return scanJSON(value, h)
}

func (h Headers) Value() (driver.Value, error) {
	if len(h) == 0 {
		return "[]", nil
	}
	return json.Marshal(h)
}

func scanJSON(value interface{}, dest any) error {
	var raw []byte
	switch v := value.(type) {
	case nil:
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported type %T", v)
	}
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("decoding json column : %w", err)
	}
	return nil
}
