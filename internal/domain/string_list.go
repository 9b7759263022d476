package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// StringList is a list of log or note lines kept in a single text column as
// a JSON array.
type StringList []string

func (s StringList) Value() (driver.Value, error) {
	if len(s) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal([]string(s))
	if err != nil {
		return nil, fmt.Errorf("domain.StringList: encode: %w", err)
	}
	return string(data), nil
}

func (s *StringList) Scan(value any) error {
	var data []byte
	switch v := value.(type) {
	case nil:
		*s = nil
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("domain.StringList: unsupported type %T", value)
	}
	if len(data) == 0 {
		*s = nil
		return nil
	}

	var lines []string
	if err := json.Unmarshal(data, &lines); err != nil {
		return fmt.Errorf("domain.StringList: decode: %w", err)
	}
	*s = lines
	return nil
}

// Clone returns a copy that does not share the backing array.
func (s StringList) Clone() StringList {
	if len(s) == 0 {
		return nil
	}
	return append(StringList(nil), s...)
}
