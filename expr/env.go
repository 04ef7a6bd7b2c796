package expr

import "sort"

// Env is a flat variable environment with declaration tracking, constants and
// expired loop variables. Statement interpretation mutates one Env per flow;
// parallel branches receive clones and the scheduler overlays their diffs.
type Env struct {
	values   map[string]any
	declared map[string]struct{}
	consts   map[string]struct{}
	expired  map[string]struct{}
}

// NewEnv returns an empty environment.
func NewEnv() *Env {
	return &Env{
		values:   make(map[string]any),
		declared: make(map[string]struct{}),
		consts:   make(map[string]struct{}),
		expired:  make(map[string]struct{}),
	}
}

// Declare introduces a binding. Redeclaring an existing name overwrites it,
// which matches `let` shadowing inside nested bodies. Declaring clears any
// expired-loop marker for the name.
func (e *Env) Declare(name string, value any, constant bool) {
	e.values[name] = value
	e.declared[name] = struct{}{}
	delete(e.expired, name)
	if constant {
		e.consts[name] = struct{}{}
	} else {
		delete(e.consts, name)
	}
}

// Assign updates an existing binding. Assigning an undeclared name or a
// constant fails.
func (e *Env) Assign(name string, value any) error {
	if _, ok := e.consts[name]; ok {
		return errf(CodeConstAssign, "'%s' is a constant and cannot be changed. Declare a new name with 'let' instead.", name)
	}
	if _, ok := e.declared[name]; !ok {
		return errf(CodeUndeclared, "I can't set '%s' because it hasn't been declared. Declare it first with 'let %s be ...'.", name, name)
	}
	e.values[name] = value
	return nil
}

// Resolve returns the bound value. The boolean reports whether the name is
// declared; expired loop variables resolve to a distinct error.
func (e *Env) Resolve(name string) (any, bool, error) {
	if _, gone := e.expired[name]; gone {
		return nil, false, errf(CodeExpiredLoopVar, "'%s' exists only inside this loop. Copy it to another variable before the loop ends if you need it afterwards.", name)
	}
	if _, ok := e.declared[name]; !ok {
		return nil, false, nil
	}
	return e.values[name], true, nil
}

// Has reports whether name is currently declared (and not expired).
func (e *Env) Has(name string) bool {
	if _, gone := e.expired[name]; gone {
		return false
	}
	_, ok := e.declared[name]
	return ok
}

// IsConst reports whether name is bound as a constant.
func (e *Env) IsConst(name string) bool {
	_, ok := e.consts[name]
	return ok
}

// Remove drops a binding entirely.
func (e *Env) Remove(name string) {
	delete(e.values, name)
	delete(e.declared, name)
	delete(e.consts, name)
	delete(e.expired, name)
}

// MarkLoopVarExited expires a loop variable: the name stays known so that
// later references produce the loop-scope error instead of "unknown name".
func (e *Env) MarkLoopVarExited(name string) {
	delete(e.values, name)
	delete(e.declared, name)
	delete(e.consts, name)
	e.expired[name] = struct{}{}
}

// Clone returns an independent copy. Values are shared shallowly; flow state
// owns deep copies where isolation matters.
func (e *Env) Clone() *Env {
	c := NewEnv()
	for k, v := range e.values {
		c.values[k] = v
	}
	for k := range e.declared {
		c.declared[k] = struct{}{}
	}
	for k := range e.consts {
		c.consts[k] = struct{}{}
	}
	for k := range e.expired {
		c.expired[k] = struct{}{}
	}
	return c
}

// Diff returns the bindings present in e that are absent from base or bound
// to a different value. Used to merge parallel branch environments.
func (e *Env) Diff(base *Env) map[string]any {
	out := make(map[string]any)
	for name := range e.declared {
		v := e.values[name]
		if base == nil {
			out[name] = v
			continue
		}
		bv, ok, _ := base.Resolve(name)
		if !ok || !Equal(bv, v) {
			out[name] = v
		}
	}
	return out
}

// Names returns the declared names in sorted order. Used by error messages
// and tests.
func (e *Env) Names() []string {
	names := make([]string, 0, len(e.declared))
	for n := range e.declared {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Snapshot captures the current binding (or absence) of a name so loop bodies
// can restore the outer binding on exit.
func (e *Env) Snapshot(name string) BindingSnapshot {
	s := BindingSnapshot{Name: name}
	if _, ok := e.declared[name]; ok {
		s.Existed = true
		s.Value = e.values[name]
		_, s.Const = e.consts[name]
	}
	return s
}

// Restore reinstates a snapshot taken with Snapshot. When the binding did not
// exist the name is expired, producing loop-scope errors on later reference.
func (e *Env) Restore(s BindingSnapshot) {
	if s.Existed {
		e.Declare(s.Name, s.Value, s.Const)
		return
	}
	e.MarkLoopVarExited(s.Name)
}

// BindingSnapshot records a prior binding for restoration after a scoped body.
type BindingSnapshot struct {
	Name    string
	Existed bool
	Value   any
	Const   bool
}
