package schema

import "time"

// FieldType is the declared type of a member record field.
type FieldType string

const (
	TypeText   FieldType = "text"
	TypeNumber FieldType = "number"
	TypeEmail  FieldType = "email"
	TypeDate   FieldType = "date" // YYYY-MM-DD
)

// Valid reports whether t is a known field type.
func (t FieldType) Valid() bool {
	switch t {
	case TypeText, TypeNumber, TypeEmail, TypeDate:
		return true
	}
	return false
}

// FieldSpec describes one field of a member record.
type FieldSpec struct {
	Name     string    `bson:"name" json:"name"`
	Label    string    `bson:"label" json:"label"`
	Type     FieldType `bson:"type" json:"type"`
	Required bool      `bson:"required" json:"required"`
}

// Schema is the ordered field contract for one organization's records.
type Schema struct {
	OrgName   string      `bson:"org_name" json:"org_name"`
	Fields    []FieldSpec `bson:"fields" json:"fields"`
	CreatedAt time.Time   `bson:"created_at" json:"created_at"`
}

// Field looks up a field by name.
func (s *Schema) Field(name string) (FieldSpec, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldSpec{}, false
}

// FieldNames returns field names in schema order.
func (s *Schema) FieldNames() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

// DefaultFields is the field set every new organization starts with.
func DefaultFields() []FieldSpec {
	return []FieldSpec{
		{Name: "name", Label: "Enter your name", Type: TypeText, Required: true},
		{Name: "class", Label: "Year/Class", Type: TypeText, Required: true},
		{Name: "address", Label: "Home address", Type: TypeText},
		{Name: "gpa", Label: "GPA", Type: TypeNumber},
		{Name: "major", Label: "Major", Type: TypeText},
		{Name: "grad", Label: "Expected Graduating Date", Type: TypeText, Required: true},
		{Name: "phone", Label: "Phone Number", Type: TypeText},
		{Name: "email", Label: "Email Address", Type: TypeEmail, Required: true},
		{Name: "shirt", Label: "T-Shirt Size", Type: TypeText},
	}
}
