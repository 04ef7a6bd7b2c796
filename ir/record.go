package ir

// FieldType enumerates record field types.
type FieldType string

const (
	FieldString   FieldType = "string"
	FieldText     FieldType = "text"
	FieldInt      FieldType = "int"
	FieldFloat    FieldType = "float"
	FieldBool     FieldType = "bool"
	FieldUUID     FieldType = "uuid"
	FieldDatetime FieldType = "datetime"
	FieldDecimal  FieldType = "decimal"
	FieldArray    FieldType = "array"
	FieldJSON     FieldType = "json"
)

type (
	// RecordDef is a typed schema bound to a frame.
	RecordDef struct {
		Name string
		// Plural is the collection noun used by `find <plural>` steps.
		Plural string
		// Frame names the backing frame. Defaults to Plural when empty.
		Frame  string
		Fields []*FieldDef
	}

	// FieldDef declares one record field with its constraints.
	FieldDef struct {
		Name       string
		Type       FieldType
		Required   bool
		PrimaryKey bool

		// Default is applied when the field is absent on create. The string
		// "now" on datetime fields resolves to the current time.
		Default    any
		HasDefault bool

		Min       *float64
		Max       *float64
		MinLength *int
		MaxLength *int
		EnumValues []string
		Pattern    string

		// Unique enforces at-most-one row per value. UniqueScopeField narrows
		// the constraint to rows sharing that field's value;
		// UniqueScopeLabel names the scope in conflict messages.
		Unique           bool
		UniqueScopeField string
		UniqueScopeLabel string

		// ReferencesRecord/ReferenceTargetField declare a foreign key into
		// another record's frame.
		ReferencesRecord     string
		ReferenceTargetField string
	}

	// RecordOp carries the parameters of a db_*/find step.
	RecordOp struct {
		// Record names the target RecordDef.
		Record string
		// Values maps field names to expressions for create/update.
		Values []NamedExpr
		// Rows is the expression producing the row list for bulk ops.
		Rows *Expr
		// Where is the filter tree for find/update/delete.
		Where *Where
		// OrderBy applies composite, stable ordering to find results.
		OrderBy []OrderKey
		Offset  int
		Limit   int
		// Include lists relationship joins attached to find results.
		Include []Include
	}

	// Where is a normalized boolean filter tree.
	Where struct {
		// Type is "leaf", "and", "or", "all" or "any".
		Type string
		// Field/Op/Value describe a leaf: Op is one of "=", "!=", "<", "<=",
		// ">", ">=", "contains", "in".
		Field string
		Op    string
		Value *Expr
		// Children nest under and/or/all/any nodes.
		Children []*Where
	}

	// OrderKey is one `order by` component.
	OrderKey struct {
		Field string
		Desc  bool
	}

	// Include attaches related rows: rows of Record whose ForeignKey matches
	// the parent's primary key, stored under AttachmentField.
	Include struct {
		Record          string
		ForeignKey      string
		AttachmentField string
	}
)

// PrimaryKey returns the primary key field or nil when the record declares
// none.
func (r *RecordDef) PrimaryKey() *FieldDef {
	for _, f := range r.Fields {
		if f.PrimaryKey {
			return f
		}
	}
	return nil
}

// Field returns the named field definition or nil.
func (r *RecordDef) Field(name string) *FieldDef {
	for _, f := range r.Fields {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// FrameName returns the backing frame, defaulting to the plural noun.
func (r *RecordDef) FrameName() string {
	if r.Frame != "" {
		return r.Frame
	}
	return r.Plural
}
