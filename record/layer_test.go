package record

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/namel3ss/n3flow/frame"
	"github.com/namel3ss/n3flow/ir"
)

func floatPtr(f float64) *float64 { return &f }

func userDef() *ir.RecordDef {
	return &ir.RecordDef{
		Name:   "User",
		Plural: "users",
		Fields: []*ir.FieldDef{
			{Name: "id", Type: ir.FieldInt, PrimaryKey: true},
			{Name: "email", Type: ir.FieldString, Required: true, Unique: true},
			{Name: "role", Type: ir.FieldString, EnumValues: []string{"admin", "member"}, HasDefault: true, Default: "member"},
			{Name: "age", Type: ir.FieldInt, Min: floatPtr(0), Max: floatPtr(150)},
			{Name: "created_at", Type: ir.FieldDatetime, HasDefault: true, Default: "now"},
		},
	}
}

func orderDef() *ir.RecordDef {
	return &ir.RecordDef{
		Name:   "Order",
		Plural: "orders",
		Fields: []*ir.FieldDef{
			{Name: "id", Type: ir.FieldInt, PrimaryKey: true},
			{Name: "user_id", Type: ir.FieldInt, Required: true, ReferencesRecord: "User"},
			{Name: "total", Type: ir.FieldDecimal},
		},
	}
}

func newTestLayer(t *testing.T, defs ...*ir.RecordDef) *Layer {
	t.Helper()
	byName := make(map[string]*ir.RecordDef, len(defs))
	for _, d := range defs {
		byName[d.Name] = d
	}
	l := NewLayer(byName, frame.NewStore(nil))
	l.Now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	return l
}

func literalEval(e *ir.Expr) (any, error) { return e.Value, nil }

func TestCreateAppliesDefaultsAndCoercion(t *testing.T) {
	l := newTestLayer(t, userDef())
	row, err := l.Create("User", map[string]any{
		"id":    1,
		"email": "ada@example.com",
		"age":   "42",
	})
	require.NoError(t, err)
	assert.Equal(t, "member", row["role"])
	assert.Equal(t, 42, row["age"])
	assert.Equal(t, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), row["created_at"])
}

func TestCreateMissingRequired(t *testing.T) {
	l := newTestLayer(t, userDef())
	_, err := l.Create("User", map[string]any{"id": 1})
	require.Error(t, err)
	re, ok := AsRecordError(err)
	require.True(t, ok)
	assert.Equal(t, CodeMissingRequired, re.Code)
	assert.Contains(t, re.Message, "email")
}

func TestCreateCoercionFailure(t *testing.T) {
	l := newTestLayer(t, userDef())
	_, err := l.Create("User", map[string]any{
		"id":    1,
		"email": "ada@example.com",
		"age":   "not a number",
	})
	require.Error(t, err)
	re, _ := AsRecordError(err)
	assert.Equal(t, CodeCoercion, re.Code)
	assert.Contains(t, re.Message, "age")
}

func TestCreateEnumValidation(t *testing.T) {
	l := newTestLayer(t, userDef())
	_, err := l.Create("User", map[string]any{
		"id":    1,
		"email": "ada@example.com",
		"role":  "superuser",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "admin, member")
}

func TestCreateUniqueConflict(t *testing.T) {
	l := newTestLayer(t, userDef())
	_, err := l.Create("User", map[string]any{"id": 1, "email": "a@b.com"})
	require.NoError(t, err)

	_, err = l.Create("User", map[string]any{"id": 2, "email": "a@b.com"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "email")
	assert.Contains(t, err.Error(), "already used")

	rows, err := l.Find("users", &ir.RecordOp{Where: &ir.Where{
		Type: "leaf", Field: "email", Op: "=", Value: ir.Lit("a@b.com"),
	}}, literalEval)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestScopedUniqueAllowsSameValueAcrossScopes(t *testing.T) {
	def := &ir.RecordDef{
		Name:   "Member",
		Plural: "members",
		Fields: []*ir.FieldDef{
			{Name: "id", Type: ir.FieldInt, PrimaryKey: true},
			{Name: "team", Type: ir.FieldString, Required: true},
			{Name: "handle", Type: ir.FieldString, Required: true, Unique: true,
				UniqueScopeField: "team", UniqueScopeLabel: "team"},
		},
	}
	l := newTestLayer(t, def)

	_, err := l.Create("Member", map[string]any{"id": 1, "team": "red", "handle": "ada"})
	require.NoError(t, err)
	_, err = l.Create("Member", map[string]any{"id": 2, "team": "blue", "handle": "ada"})
	require.NoError(t, err)

	_, err = l.Create("Member", map[string]any{"id": 3, "team": "red", "handle": "ada"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "within this team")
}

func TestBulkCreateIntraBatchDuplicate(t *testing.T) {
	l := newTestLayer(t, userDef())
	_, err := l.BulkCreate("User", []map[string]any{
		{"id": 1, "email": "a@b.com"},
		{"id": 2, "email": "a@b.com"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already used")

	// Nothing from the failed batch landed.
	rows, err := l.Find("users", &ir.RecordOp{}, literalEval)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestForeignKeyEnforced(t *testing.T) {
	l := newTestLayer(t, userDef(), orderDef())

	_, err := l.Create("Order", map[string]any{"id": 1, "user_id": 99})
	require.Error(t, err)
	re, _ := AsRecordError(err)
	assert.Equal(t, CodeForeignKey, re.Code)

	_, err = l.Create("User", map[string]any{"id": 99, "email": "a@b.com"})
	require.NoError(t, err)
	_, err = l.Create("Order", map[string]any{"id": 1, "user_id": 99, "total": "19.99"})
	require.NoError(t, err)

	rows, err := l.Find("orders", &ir.RecordOp{}, literalEval)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0]["total"].(decimal.Decimal).Equal(decimal.RequireFromString("19.99")))
}

func TestFindWhereOrderLimit(t *testing.T) {
	l := newTestLayer(t, userDef())
	for i, email := range []string{"a@x.com", "b@x.com", "c@x.com", "d@x.com"} {
		_, err := l.Create("User", map[string]any{"id": i + 1, "email": email, "age": 40 - i*10})
		require.NoError(t, err)
	}

	rows, err := l.Find("users", &ir.RecordOp{
		Where: &ir.Where{Type: "leaf", Field: "age", Op: ">=", Value: ir.Lit(20)},
		OrderBy: []ir.OrderKey{{Field: "age", Desc: true}},
		Offset:  1,
		Limit:   2,
	}, literalEval)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, 30, rows[0]["age"])
	assert.Equal(t, 20, rows[1]["age"])
}

func TestFindCompoundWhere(t *testing.T) {
	l := newTestLayer(t, userDef())
	_, err := l.Create("User", map[string]any{"id": 1, "email": "a@x.com", "role": "admin", "age": 30})
	require.NoError(t, err)
	_, err = l.Create("User", map[string]any{"id": 2, "email": "b@x.com", "role": "member", "age": 30})
	require.NoError(t, err)

	rows, err := l.Find("users", &ir.RecordOp{
		Where: &ir.Where{Type: "and", Children: []*ir.Where{
			{Type: "leaf", Field: "age", Op: "=", Value: ir.Lit(30)},
			{Type: "leaf", Field: "role", Op: "=", Value: ir.Lit("admin")},
		}},
	}, literalEval)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 1, rows[0]["id"])
}

func TestFindAttachesRelatedRows(t *testing.T) {
	l := newTestLayer(t, userDef(), orderDef())
	_, err := l.Create("User", map[string]any{"id": 1, "email": "a@b.com"})
	require.NoError(t, err)
	_, err = l.Create("Order", map[string]any{"id": 10, "user_id": 1})
	require.NoError(t, err)
	_, err = l.Create("Order", map[string]any{"id": 11, "user_id": 1})
	require.NoError(t, err)

	rows, err := l.Find("users", &ir.RecordOp{
		Include: []ir.Include{{Record: "Order", ForeignKey: "user_id", AttachmentField: "orders"}},
	}, literalEval)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	orders := rows[0]["orders"].([]any)
	assert.Len(t, orders, 2)
}

func TestUpdateIgnoresSelfForUnique(t *testing.T) {
	l := newTestLayer(t, userDef())
	_, err := l.Create("User", map[string]any{"id": 1, "email": "a@b.com"})
	require.NoError(t, err)

	// Re-writing a row's unique field to its current value must not conflict
	// with itself.
	n, err := l.Update("User", &ir.Where{
		Type: "leaf", Field: "id", Op: "=", Value: ir.Lit(1),
	}, map[string]any{"email": "a@b.com"}, literalEval)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestUpdateConflictsWithOtherRow(t *testing.T) {
	l := newTestLayer(t, userDef())
	_, err := l.Create("User", map[string]any{"id": 1, "email": "a@b.com"})
	require.NoError(t, err)
	_, err = l.Create("User", map[string]any{"id": 2, "email": "c@d.com"})
	require.NoError(t, err)

	_, err = l.Update("User", &ir.Where{
		Type: "leaf", Field: "id", Op: "=", Value: ir.Lit(2),
	}, map[string]any{"email": "a@b.com"}, literalEval)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already used")
}

func TestDeleteReturnsCount(t *testing.T) {
	l := newTestLayer(t, userDef())
	for i := 1; i <= 3; i++ {
		_, err := l.Create("User", map[string]any{"id": i, "email": string(rune('a'+i)) + "@x.com", "age": i * 10})
		require.NoError(t, err)
	}
	n, err := l.Delete("User", &ir.Where{
		Type: "leaf", Field: "age", Op: ">", Value: ir.Lit(10),
	}, literalEval)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestUnknownRecord(t *testing.T) {
	l := newTestLayer(t, userDef())
	_, err := l.Create("Ghost", nil)
	require.Error(t, err)
	re, _ := AsRecordError(err)
	assert.Equal(t, CodeUnknownRecord, re.Code)
}

func TestUUIDAndJSONCoercion(t *testing.T) {
	def := &ir.RecordDef{
		Name:   "Doc",
		Plural: "docs",
		Fields: []*ir.FieldDef{
			{Name: "id", Type: ir.FieldUUID, PrimaryKey: true},
			{Name: "tags", Type: ir.FieldArray},
			{Name: "meta", Type: ir.FieldJSON},
		},
	}
	l := newTestLayer(t, def)
	row, err := l.Create("Doc", map[string]any{
		"id":   "6BA7B810-9DAD-11D1-80B4-00C04FD430C8",
		"tags": `["a","b"]`,
		"meta": `{"k":1}`,
	})
	require.NoError(t, err)
	assert.Equal(t, "6ba7b810-9dad-11d1-80b4-00c04fd430c8", row["id"])
	assert.Equal(t, []any{"a", "b"}, row["tags"])
	assert.Equal(t, map[string]any{"k": float64(1)}, row["meta"])
}
