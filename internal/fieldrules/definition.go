// Package fieldrules evaluates the declarative rules attached to an
// organization's custom intake fields: conditional visibility,
// auto-population from a source record, and group ordering.
package fieldrules

// FieldType is the input type tag of a custom field definition.
type FieldType string

const (
	TypeText        FieldType = "text"
	TypeTextarea    FieldType = "textarea"
	TypeSelect      FieldType = "select"
	TypeMultiSelect FieldType = "multiselect"
	TypeBoolean     FieldType = "boolean"
	TypeDate        FieldType = "date"
	TypeNumber      FieldType = "number"
	TypePhone       FieldType = "phone"
	TypeEmail       FieldType = "email"
)

// Valid reports whether t is a known field type. The switch is kept
// exhaustive so adding a type forces an update here.
func (t FieldType) Valid() bool {
	switch t {
	case TypeText, TypeTextarea, TypeSelect, TypeMultiSelect,
		TypeBoolean, TypeDate, TypeNumber, TypePhone, TypeEmail:
		return true
	}
	return false
}

// HasOptions reports whether the type carries an options list.
func (t FieldType) HasOptions() bool {
	switch t {
	case TypeSelect, TypeMultiSelect:
		return true
	case TypeText, TypeTextarea, TypeBoolean, TypeDate, TypeNumber,
		TypePhone, TypeEmail:
		return false
	}
	return false
}

// ShowWhen is a conditional-visibility rule referencing another
// field's current value (never its provenance or visibility).
// Exactly one of Equals, NotEquals or Contains is expected to be set;
// a rule with none set leaves the field visible.
type ShowWhen struct {
	Field     string `json:"field"`
	Equals    any    `json:"equals,omitempty"`
	NotEquals any    `json:"notEquals,omitempty"`
	Contains  any    `json:"contains,omitempty"`
}

// Definition describes one dynamic intake input.
type Definition struct {
	FieldName    string    `json:"fieldName"`
	Label        string    `json:"label"`
	Type         FieldType `json:"type"`
	Required     bool      `json:"required"`
	Options      []string  `json:"options,omitempty"`
	DefaultValue any       `json:"defaultValue,omitempty"`
	Group        string    `json:"group,omitempty"`
	Order        *int      `json:"order,omitempty"`
	ShowWhen     *ShowWhen `json:"showWhen,omitempty"`

	// AutoPopulateFrom is a dotted path into the source record used
	// to read a seed value, e.g. "referral.patient.phone".
	AutoPopulateFrom string `json:"autoPopulateFrom,omitempty"`
	// AutoPopulateTransform remaps the raw resolved value; unmapped
	// raw values pass through unchanged.
	AutoPopulateTransform map[string]string `json:"autoPopulateTransform,omitempty"`
}

// Group is an ordered block of definitions sharing a group name.
type Group struct {
	Name   string       `json:"name"`
	Fields []Definition `json:"fields"`
}

// DefaultGroup is the bucket for definitions without a group.
const DefaultGroup = "Other"
