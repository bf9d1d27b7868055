package telemetry

import (
	"encoding/json"
	"strings"
)

// Value types recorded on rows.
const (
	TypeDictionary = "dictionary"
	TypeList       = "list"
	TypeString     = "string"
	TypeBoolean    = "boolean"
	TypeInteger    = "integer"
	TypeFloat      = "float"
	TypeNull       = "null"
	TypeUnknown    = "unknown"

	// TypeMixed marks a name that was logged with more than one type.
	TypeMixed = "mixed"
)

// TypeOf classifies a decoded JSON or Go value. Booleans are checked before
// numbers.
func TypeOf(v any) string {
	switch x := v.(type) {
	case nil:
		return TypeNull
	case bool:
		return TypeBoolean
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return TypeInteger
	case float32, float64:
		return TypeFloat
	case json.Number:
		if strings.ContainsAny(string(x), ".eE") {
			return TypeFloat
		}
		return TypeInteger
	case string:
		return TypeString
	case []any, []string, []int, []float64:
		return TypeList
	case map[string]any, map[string]string:
		return TypeDictionary
	default:
		return TypeUnknown
	}
}
