package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// BaseModel contains common fields for all models
type BaseModel struct {
	ID        uuid.UUID `json:"id" db:"id"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// TenantModel extends BaseModel with tenant support
type TenantModel struct {
	BaseModel
	TenantID uuid.UUID `json:"tenantId" db:"tenant_id"`
}

// Variables represents a JSON object for storing arbitrary data
type Variables map[string]interface{}

// Value implements driver.Valuer interface
func (v Variables) Value() (driver.Value, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// Scan implements sql.Scanner interface
func (v *Variables) Scan(value interface{}) error {
	if value == nil {
		*v = make(Variables)
		return nil
	}

	switch data := value.(type) {
	case []byte:
		return json.Unmarshal(data, v)
	case string:
		return json.Unmarshal([]byte(data), v)
	default:
		return fmt.Errorf("cannot scan %T into Variables", value)
	}
}

// String returns the string value of key, or "" when unset
func (v Variables) String(key string) string {
	s, _ := v[key].(string)
	return s
}

// Bool returns the bool value of key
func (v Variables) Bool(key string) bool {
	b, _ := v[key].(bool)
	return b
}

// StringMap returns the variables with a string value
func (v Variables) StringMap() map[string]string {
	out := make(map[string]string, len(v))
	for k, val := range v {
		if s, ok := val.(string); ok {
			out[k] = s
		}
	}
	return out
}

// jsonColumn implements sql.Scanner and driver.Valuer for any JSON encoded
// column
type jsonColumn[T any] struct {
	v *T
}

// JSONColumn wraps v so it can be passed to database/sql as a JSON column
func JSONColumn[T any](v *T) interface {
	driver.Valuer
	Scan(value interface{}) error
} {
	return jsonColumn[T]{v: v}
}

func (c jsonColumn[T]) Value() (driver.Value, error) {
	return json.Marshal(c.v)
}

func (c jsonColumn[T]) Scan(value interface{}) error {
	switch data := value.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(data, c.v)
	case string:
		return json.Unmarshal([]byte(data), c.v)
	default:
		return fmt.Errorf("cannot scan %T into JSON column", value)
	}
}
