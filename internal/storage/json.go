package storage

import (
	"encoding/json"
	"fmt"
)

// toJSONB marshals a structured field for a JSONB column. Nil maps and
// slices become SQL NULL so column defaults apply.
func toJSONB(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("storage: marshal jsonb: %w", err)
	}
	return b, nil
}

// fromJSONB unmarshals a JSONB column into dst, leaving dst untouched for
// SQL NULL.
func fromJSONB(data []byte, dst any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("storage: unmarshal jsonb: %w", err)
	}
	return nil
}
