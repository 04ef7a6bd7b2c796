// Package record enforces typed record semantics over the frame store:
// per-field coercion and validation, defaults, unique constraints with
// optional scoping, foreign keys, and the find/update/delete query surface.
package record

import (
	"fmt"
	"time"

	"github.com/namel3ss/n3flow/expr"
	"github.com/namel3ss/n3flow/frame"
	"github.com/namel3ss/n3flow/ir"
)

type (
	// Layer executes record operations against the frame store.
	Layer struct {
		defs     map[string]*ir.RecordDef
		byPlural map[string]*ir.RecordDef
		frames   *frame.Store

		// Now is injectable for "now" defaults in tests.
		Now func() time.Time
	}

	// EvalFn evaluates an expression in the caller's environment. The layer
	// never owns an environment; where-clause and value expressions are
	// resolved through this hook.
	EvalFn func(e *ir.Expr) (any, error)
)

// NewLayer builds the record layer and registers each record's backing frame.
func NewLayer(defs map[string]*ir.RecordDef, frames *frame.Store) *Layer {
	l := &Layer{
		defs:     make(map[string]*ir.RecordDef, len(defs)),
		byPlural: make(map[string]*ir.RecordDef, len(defs)),
		frames:   frames,
		Now:      time.Now,
	}
	for _, def := range defs {
		l.defs[def.Name] = def
		if def.Plural != "" {
			l.byPlural[def.Plural] = def
		}
		frames.Ensure(def.FrameName())
	}
	return l
}

// Def resolves a record by name or plural noun.
func (l *Layer) Def(name string) (*ir.RecordDef, error) {
	if def, ok := l.defs[name]; ok {
		return def, nil
	}
	if def, ok := l.byPlural[name]; ok {
		return def, nil
	}
	return nil, errf(CodeUnknownRecord, name, "",
		"I don't know a record called '%s'. Check the spelling or declare it first.", name)
}

// Create validates and inserts a single row, returning the stored row.
func (l *Layer) Create(name string, values map[string]any) (map[string]any, error) {
	def, err := l.Def(name)
	if err != nil {
		return nil, err
	}
	row, err := l.prepareRow(def, values)
	if err != nil {
		return nil, err
	}
	tracker := newBatchTracker()
	if err := l.checkConstraints(def, row, nil, tracker); err != nil {
		return nil, err
	}
	if err := l.frames.Insert(def.FrameName(), row); err != nil {
		return nil, err
	}
	return row, nil
}

// BulkCreate inserts every row or none. Uniqueness is checked against both
// the frame and the values earlier in the same batch.
func (l *Layer) BulkCreate(name string, rows []map[string]any) ([]map[string]any, error) {
	def, err := l.Def(name)
	if err != nil {
		return nil, err
	}
	prepared := make([]map[string]any, 0, len(rows))
	tracker := newBatchTracker()
	for _, values := range rows {
		row, err := l.prepareRow(def, values)
		if err != nil {
			return nil, err
		}
		if err := l.checkConstraints(def, row, nil, tracker); err != nil {
			return nil, err
		}
		prepared = append(prepared, row)
	}
	for _, row := range prepared {
		if err := l.frames.Insert(def.FrameName(), row); err != nil {
			return nil, err
		}
	}
	return prepared, nil
}

// Find runs a query: where filter, composite ordering, offset/limit, and
// relationship joins.
func (l *Layer) Find(name string, op *ir.RecordOp, eval EvalFn) ([]map[string]any, error) {
	def, err := l.Def(name)
	if err != nil {
		return nil, err
	}
	pred, err := l.compileWhere(def, op.Where, eval)
	if err != nil {
		return nil, err
	}
	rows, err := l.frames.Query(def.FrameName(), pred)
	if err != nil {
		return nil, err
	}
	if len(op.OrderBy) > 0 {
		if err := orderRows(rows, op.OrderBy); err != nil {
			return nil, err
		}
	}
	rows = sliceRows(rows, op.Offset, op.Limit)
	for _, inc := range op.Include {
		if err := l.attachRelated(def, rows, inc); err != nil {
			return nil, err
		}
	}
	return rows, nil
}

// Update applies field updates to every matching row and returns the count.
// Unique checks ignore the rows being updated themselves.
func (l *Layer) Update(name string, where *ir.Where, updates map[string]any, eval EvalFn) (int, error) {
	def, err := l.Def(name)
	if err != nil {
		return 0, err
	}
	pred, err := l.compileWhere(def, where, eval)
	if err != nil {
		return 0, err
	}
	coerced := make(map[string]any, len(updates))
	for fieldName, raw := range updates {
		f := def.Field(fieldName)
		if f == nil {
			return 0, errf(CodeValidation, def.Name, fieldName,
				"%s has no field called '%s'.", def.Name, fieldName)
		}
		v, err := coerceField(def.Name, f, raw)
		if err != nil {
			return 0, err
		}
		if err := validateField(def.Name, f, v); err != nil {
			return 0, err
		}
		coerced[fieldName] = v
	}
	tracker := newBatchTracker()
	for _, f := range def.Fields {
		v, touched := coerced[f.Name]
		if !touched {
			continue
		}
		if f.Unique && v != nil {
			if err := l.checkUnique(def, f, v, coerced, pred, tracker); err != nil {
				return 0, err
			}
		}
		if f.ReferencesRecord != "" && v != nil {
			if err := l.checkReference(def, f, v); err != nil {
				return 0, err
			}
		}
	}
	return l.frames.Update(def.FrameName(), pred, coerced)
}

// Delete removes every matching row and returns the count.
func (l *Layer) Delete(name string, where *ir.Where, eval EvalFn) (int, error) {
	def, err := l.Def(name)
	if err != nil {
		return 0, err
	}
	pred, err := l.compileWhere(def, where, eval)
	if err != nil {
		return 0, err
	}
	return l.frames.Delete(def.FrameName(), pred)
}

// prepareRow applies defaults, coerces and validates every declared field,
// and enforces required and primary-key presence.
func (l *Layer) prepareRow(def *ir.RecordDef, values map[string]any) (map[string]any, error) {
	row := make(map[string]any, len(def.Fields))
	for _, f := range def.Fields {
		raw, present := values[f.Name]
		if !present || raw == nil {
			if f.HasDefault {
				raw = l.defaultValue(f)
				present = true
			}
		}
		if !present || raw == nil {
			if f.Required || f.PrimaryKey {
				return nil, errf(CodeMissingRequired, def.Name, f.Name,
					"The field '%s' is required on %s but no value was provided.",
					f.Name, def.Name)
			}
			row[f.Name] = nil
			continue
		}
		v, err := coerceField(def.Name, f, raw)
		if err != nil {
			return nil, err
		}
		if err := validateField(def.Name, f, v); err != nil {
			return nil, err
		}
		row[f.Name] = v
	}
	return row, nil
}

func (l *Layer) defaultValue(f *ir.FieldDef) any {
	if f.Type == ir.FieldDatetime {
		if s, ok := f.Default.(string); ok && s == "now" {
			return l.Now()
		}
	}
	return f.Default
}

// checkConstraints enforces uniqueness and foreign keys for an insert row.
func (l *Layer) checkConstraints(def *ir.RecordDef, row map[string]any, exclude frame.Predicate, tracker *batchTracker) error {
	for _, f := range def.Fields {
		v := row[f.Name]
		if v == nil {
			continue
		}
		if f.Unique {
			if err := l.checkUnique(def, f, v, row, exclude, tracker); err != nil {
				return err
			}
		}
		if f.ReferencesRecord != "" {
			if err := l.checkReference(def, f, v); err != nil {
				return err
			}
		}
	}
	return nil
}

// checkUnique queries the frame for a conflicting row and consults the batch
// tracker for pending values in the same bulk operation. exclude, when set,
// marks rows being updated so a row never conflicts with itself.
func (l *Layer) checkUnique(def *ir.RecordDef, f *ir.FieldDef, v any, row map[string]any, exclude frame.Predicate, tracker *batchTracker) error {
	var scopeValue any
	if f.UniqueScopeField != "" {
		scopeValue = row[f.UniqueScopeField]
	}
	key := batchKey(f.Name, v, scopeValue)
	if tracker.seen(key) {
		return l.uniqueConflict(def, f)
	}
	existing, err := l.frames.Query(def.FrameName(), func(r map[string]any) bool {
		if exclude != nil && exclude(r) {
			return false
		}
		if !expr.Equal(r[f.Name], v) {
			return false
		}
		if f.UniqueScopeField != "" && !expr.Equal(r[f.UniqueScopeField], scopeValue) {
			return false
		}
		return true
	})
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return l.uniqueConflict(def, f)
	}
	tracker.add(key)
	return nil
}

func (l *Layer) uniqueConflict(def *ir.RecordDef, f *ir.FieldDef) error {
	if f.UniqueScopeField != "" {
		label := f.UniqueScopeLabel
		if label == "" {
			label = f.UniqueScopeField
		}
		return errf(CodeUniqueConflict, def.Name, f.Name,
			"That %s is already used within this %s. Choose a different %s.",
			f.Name, label, f.Name)
	}
	return errf(CodeUniqueConflict, def.Name, f.Name,
		"That %s is already used. Choose a different %s.", f.Name, f.Name)
}

// checkReference verifies the referenced record has at least one row whose
// target field matches v.
func (l *Layer) checkReference(def *ir.RecordDef, f *ir.FieldDef, v any) error {
	target, ok := l.defs[f.ReferencesRecord]
	if !ok {
		target, ok = l.byPlural[f.ReferencesRecord]
	}
	if !ok {
		return errf(CodeBadReference, def.Name, f.Name,
			"The field '%s' on %s references '%s', but no such record is defined.",
			f.Name, def.Name, f.ReferencesRecord)
	}
	targetField := f.ReferenceTargetField
	if targetField == "" {
		pk := target.PrimaryKey()
		if pk == nil {
			return errf(CodeBadReference, def.Name, f.Name,
				"The record '%s' has no primary key to reference.", target.Name)
		}
		targetField = pk.Name
	}
	rows, err := l.frames.Query(target.FrameName(), func(r map[string]any) bool {
		return expr.Equal(r[targetField], v)
	})
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return errf(CodeForeignKey, def.Name, f.Name,
			"No %s exists with %s = %s, so this %s cannot reference it.",
			target.Name, targetField, expr.Preview(v), def.Name)
	}
	return nil
}

// attachRelated batch-fetches child rows and attaches them under the
// include's attachment field, grouped by the parent's primary key.
func (l *Layer) attachRelated(def *ir.RecordDef, rows []map[string]any, inc ir.Include) error {
	child, err := l.Def(inc.Record)
	if err != nil {
		return err
	}
	pk := def.PrimaryKey()
	if pk == nil {
		return errf(CodeBadReference, def.Name, "",
			"The record '%s' has no primary key, so related %s cannot be attached.",
			def.Name, inc.Record)
	}
	children, err := l.frames.Query(child.FrameName(), nil)
	if err != nil {
		return err
	}
	byKey := make(map[string][]any)
	for _, c := range children {
		k := fmt.Sprintf("%v", c[inc.ForeignKey])
		byKey[k] = append(byKey[k], c)
	}
	field := inc.AttachmentField
	if field == "" {
		field = child.Plural
	}
	for _, row := range rows {
		k := fmt.Sprintf("%v", row[pk.Name])
		attached := byKey[k]
		if attached == nil {
			attached = []any{}
		}
		row[field] = attached
	}
	return nil
}

type batchTracker struct {
	keys map[string]bool
}

func newBatchTracker() *batchTracker {
	return &batchTracker{keys: make(map[string]bool)}
}

func (b *batchTracker) seen(key string) bool { return b.keys[key] }
func (b *batchTracker) add(key string)       { b.keys[key] = true }

func batchKey(field string, v, scope any) string {
	return fmt.Sprintf("%s\x00%v\x00%v", field, v, scope)
}
