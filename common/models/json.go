package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
)

// KVMap is a string map persisted as a JSON column.
type KVMap map[string]string

func (m *KVMap) Scan(src interface{}) error {
	return scanJSON(src, m)
}

func (m KVMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	return valueJSON(m)
}

// StringList is a list of strings persisted as a JSON column.
type StringList []string

func (l *StringList) Scan(src interface{}) error {
	return scanJSON(src, l)
}

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	return valueJSON(l)
}

func (l StringList) Contains(s string) bool {
	for _, item := range l {
		if item == s {
			return true
		}
	}
	return false
}

// Remove returns a copy of the list with the first occurrence of s removed
// and reports whether it was present.
func (l StringList) Remove(s string) (StringList, bool) {
	for i, item := range l {
		if item == s {
			out := make(StringList, 0, len(l)-1)
			out = append(out, l[:i]...)
			out = append(out, l[i+1:]...)
			return out, true
		}
	}
	return l, false
}

func scanJSON(src interface{}, dest interface{}) error {
	if src == nil {
		return nil
	}
	var data []byte
	switch t := src.(type) {
	case []byte:
		data = t
	case string:
		data = []byte(t)
	default:
		return fmt.Errorf("unsupported type: %[1]T (%[1]v)", src)
	}
	if len(data) == 0 {
		return nil
	}
	return errors.Wrap(json.Unmarshal(data, dest), "error unmarshalling JSON column")
}

func valueJSON(v interface{}) (driver.Value, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "error marshalling JSON column")
	}
	return string(data), nil
}
