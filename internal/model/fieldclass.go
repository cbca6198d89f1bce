package model

import "time"

// FieldClass groups stop fields by how conflicts on them may be resolved.
type FieldClass string

const (
	// FieldClassCritical fields are server-authoritative when the server
	// changed them after the local action was created: payment status,
	// customer identity, cancellation.
	FieldClassCritical FieldClass = "critical"

	// FieldClassAdditive fields accumulate rather than replace: GPS
	// trail, appended delivery notes. Concurrent writes merge.
	FieldClassAdditive FieldClass = "additive"

	// FieldClassStandard is everything else.
	FieldClassStandard FieldClass = "standard"
)

// fieldClasses maps server field names to their class. Fields not listed
// are standard.
var fieldClasses = map[string]FieldClass{
	"payment_status":    FieldClassCritical,
	"customer_identity": FieldClassCritical,
	"cancelled":         FieldClassCritical,
	"notes":             FieldClassAdditive,
	"gps_trail":         FieldClassAdditive,
}

// ClassifyField returns the conflict class for a server field name.
func ClassifyField(name string) FieldClass {
	if c, ok := fieldClasses[name]; ok {
		return c
	}
	return FieldClassStandard
}

// TouchedField returns the server field a given action type writes to.
// The resolver classifies conflicts by this field.
func TouchedField(t ActionType) string {
	switch t {
	case ActionNote:
		return "notes"
	case ActionArrive:
		return "arrival_status"
	default:
		// complete/skip/fail all contend on the stop's delivery status.
		return "delivery_status"
	}
}

// FieldState is the server's view of one stop field, as reported in a
// conflict response or a pull.
type FieldState struct {
	StopID       string    `json:"stop_id"`
	Field        string    `json:"field"`
	Value        string    `json:"value,omitempty"`
	LastModified time.Time `json:"last_modified"`
}

// Class returns the conflict class of the field.
func (f FieldState) Class() FieldClass {
	return ClassifyField(f.Field)
}
