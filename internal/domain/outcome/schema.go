// Package outcome validates the structural shape of an agent's outcome
// payload against a static registry of outcome -> required fields.
package outcome

// FieldType is the declared JSON-ish type of a required payload field.
type FieldType string

const (
	TypeString    FieldType = "string"
	TypeStringArr FieldType = "string[]"
	TypeAny       FieldType = "any"
	TypeAnyArr    FieldType = "any[]"
)

// Field is one required field of a structured outcome payload.
type Field struct {
	Name string
	Type FieldType
}

// schemas holds the structured outcomes; any outcome absent from this map
// is signal-only (null schema).
var schemas = map[string][]Field{
	"needs_info": {
		{Name: "questions", Type: TypeStringArr},
	},
	"options_proposed": {
		{Name: "summary", Type: TypeString},
		{Name: "options", Type: TypeStringArr},
	},
	"changes_requested": {
		{Name: "summary", Type: TypeString},
		{Name: "comments", Type: TypeAnyArr},
	},
}

// signalOnly lists outcomes explicitly named as null-schema in the
// registry, purely for documentation/validation purposes — any outcome not
// in schemas is treated as signal-only regardless of membership here.
var signalOnly = map[string]bool{
	"plan_complete": true, "pr_ready": true, "approved": true, "failed": true,
	"interrupted": true, "no_changes": true, "conflicts_detected": true,
	"investigation_complete": true, "design_ready": true, "reproduced": true,
	"cannot_reproduce": true,
}

// Result is the outcome of ValidatePayload.
type Result struct {
	Valid bool
	Error string
}

// IsSignalOnly reports whether outcome carries no schema.
func IsSignalOnly(outcomeName string) bool {
	_, structured := schemas[outcomeName]
	return !structured
}

// ValidatePayload is total over (outcomeName, payload): it never panics and
// always returns a Result. payload may be nil, a map[string]any, or any
// other decoded JSON value (e.g. []any for a malformed agent response).
//
// For null-schema outcomes any payload is valid — nil, an empty map, or
// junk alike; a signal-only outcome carries no contract to enforce. For
// schema-bearing outcomes, the payload must be a non-nil, non-array object
// with every required field present and declared-type-shaped;
// arrays-as-payloads are rejected as "missing required field".
func ValidatePayload(outcomeName string, payload any) Result {
	fields, structured := schemas[outcomeName]
	if !structured {
		return Result{Valid: true}
	}
	m, ok := payload.(map[string]any)
	if !ok {
		return Result{Valid: false, Error: "missing required field: " + fields[0].Name}
	}
	for _, f := range fields {
		v, present := m[f.Name]
		if !present || v == nil {
			return Result{Valid: false, Error: "missing required field: " + f.Name}
		}
		if !matchesType(v, f.Type) {
			return Result{Valid: false, Error: "field " + f.Name + " has wrong type"}
		}
	}
	return Result{Valid: true}
}

func matchesType(v any, t FieldType) bool {
	switch t {
	case TypeString:
		_, ok := v.(string)
		return ok
	case TypeStringArr:
		return isArray(v)
	case TypeAnyArr:
		return isArray(v)
	default:
		return true
	}
}

func isArray(v any) bool {
	switch v.(type) {
	case []any, []string:
		return true
	default:
		return false
	}
}
