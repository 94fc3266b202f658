package command

import (
	"fmt"
	"strings"

	"github.com/c360/homecore/errors"
	"github.com/c360/homecore/types"
)

// TargetEntityIDs extracts the entity_id field of call data. The field may
// be a single id, a comma separated list, or a list of ids. Missing field
// yields an empty result.
func TargetEntityIDs(data map[string]any) ([]types.EntityID, error) {
	raw, ok := data["entity_id"]
	if !ok || raw == nil {
		return nil, nil
	}

	var texts []string
	switch v := raw.(type) {
	case string:
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				texts = append(texts, part)
			}
		}
	case []string:
		texts = v
	case []any:
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, errors.Detail(errors.ErrInvalidEntityID, "entity_id list item %v is not a string", item)
			}
			texts = append(texts, s)
		}
	case types.EntityID:
		return []types.EntityID{v}, nil
	case []types.EntityID:
		return v, nil
	default:
		return nil, errors.Detail(errors.ErrInvalidEntityID, "entity_id has unsupported type %T", raw)
	}

	out := make([]types.EntityID, 0, len(texts))
	for _, s := range texts {
		id, err := types.ParseEntityID(s)
		if err != nil {
			return nil, fmt.Errorf("entity_id: %w", err)
		}
		out = append(out, id)
	}
	return out, nil
}
