package repository

import "encoding/json"

// marshalJSONB marshals v for a JSONB column; nil-safe.
func marshalJSONB(v any) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	return json.Marshal(v)
}

// unmarshalJSONB decodes a JSONB column into dst; empty/null columns are a no-op.
func unmarshalJSONB(raw []byte, dst any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, dst)
}
