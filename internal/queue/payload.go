package queue

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// MergePayloads overlays the fields of overlay onto base and returns the
// combined object. Later edits win per field; fields absent from overlay
// keep their base value. Marshaling map keys keeps the result stable for a
// given input.
func MergePayloads(base, overlay json.RawMessage) (json.RawMessage, error) {
	merged, err := asObject(base)
	if err != nil {
		return nil, fmt.Errorf("failed to parse base payload: %w", err)
	}
	over, err := asObject(overlay)
	if err != nil {
		return nil, fmt.Errorf("failed to parse overlay payload: %w", err)
	}
	for k, v := range over {
		merged[k] = v
	}
	out, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal merged payload: %w", err)
	}
	return out, nil
}

// DiffPayloads returns the fields of after whose values differ from before,
// carrying the after values. Fields present only in before are ignored: a
// diff describes what the edit changed, not what it left out.
func DiffPayloads(before, after json.RawMessage) (json.RawMessage, error) {
	old, err := asObject(before)
	if err != nil {
		return nil, fmt.Errorf("failed to parse before payload: %w", err)
	}
	cur, err := asObject(after)
	if err != nil {
		return nil, fmt.Errorf("failed to parse after payload: %w", err)
	}

	diff := make(map[string]any)
	for k, v := range cur {
		if prev, ok := old[k]; !ok || !reflect.DeepEqual(prev, v) {
			diff[k] = v
		}
	}
	out, err := json.Marshal(diff)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal diff: %w", err)
	}
	return out, nil
}

func asObject(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, err
	}
	if obj == nil {
		obj = map[string]any{}
	}
	return obj, nil
}
