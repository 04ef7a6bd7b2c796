// Package frame implements the tabular store backing records, RAG table
// stages and graph construction. Frames are process-wide and mutable; the
// store owns its rows exclusively and hands out shallow copies, so callers
// can never alias internal state.
package frame

import (
	"fmt"
	"sync"

	"github.com/namel3ss/n3flow/ir"
)

type (
	// Store holds named frames. Memory frames are seeded at load; file
	// frames load lazily from CSV on first access and are cached after.
	Store struct {
		mu     sync.RWMutex
		defs   map[string]*ir.FrameDef
		tables map[string][]map[string]any
		loaded map[string]bool
	}

	// Predicate filters rows during queries, updates and deletes.
	Predicate func(row map[string]any) bool

	// Snapshot is an opaque deep copy of every table, restorable by the
	// transaction manager.
	Snapshot struct {
		tables map[string][]map[string]any
	}
)

// NewStore builds a store over the program's frame definitions. Memory
// frames start from their seed rows.
func NewStore(defs map[string]*ir.FrameDef) *Store {
	s := &Store{
		defs:   make(map[string]*ir.FrameDef, len(defs)),
		tables: make(map[string][]map[string]any),
		loaded: make(map[string]bool),
	}
	for name, def := range defs {
		s.defs[name] = def
		if def.Path == "" {
			rows := make([]map[string]any, 0, len(def.Seed))
			for _, seed := range def.Seed {
				rows = append(rows, copyRow(seed))
			}
			s.tables[name] = rows
			s.loaded[name] = true
		}
	}
	return s
}

// Ensure registers a frame that was not declared in the program, such as the
// implicit frame behind a record definition.
func (s *Store) Ensure(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tables[name]; !ok {
		s.tables[name] = nil
		s.loaded[name] = true
	}
}

// Has reports whether the store knows the named frame.
func (s *Store) Has(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.tables[name]; ok {
		return true
	}
	_, ok := s.defs[name]
	return ok
}

// Insert appends a row. The row is copied on the way in.
func (s *Store) Insert(name string, row map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(name); err != nil {
		return err
	}
	s.tables[name] = append(s.tables[name], copyRow(row))
	return nil
}

// Query returns copies of the rows matching pred. A nil predicate matches
// every row.
func (s *Store) Query(name string, pred Predicate) ([]map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(name); err != nil {
		return nil, err
	}
	var out []map[string]any
	for _, row := range s.tables[name] {
		if pred == nil || pred(row) {
			out = append(out, copyRow(row))
		}
	}
	return out, nil
}

// Update applies updates to every matching row and returns the count.
func (s *Store) Update(name string, pred Predicate, updates map[string]any) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(name); err != nil {
		return 0, err
	}
	count := 0
	for _, row := range s.tables[name] {
		if pred == nil || pred(row) {
			for k, v := range updates {
				row[k] = v
			}
			count++
		}
	}
	return count, nil
}

// Delete removes every matching row and returns the count.
func (s *Store) Delete(name string, pred Predicate) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(name); err != nil {
		return 0, err
	}
	rows := s.tables[name]
	kept := rows[:0]
	count := 0
	for _, row := range rows {
		if pred == nil || pred(row) {
			count++
			continue
		}
		kept = append(kept, row)
	}
	s.tables[name] = kept
	return count, nil
}

// Snapshot deep-copies every table. Used by the transaction manager; commit
// simply discards the snapshot.
func (s *Store) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := &Snapshot{tables: make(map[string][]map[string]any, len(s.tables))}
	for name, rows := range s.tables {
		copied := make([]map[string]any, len(rows))
		for i, row := range rows {
			copied[i] = copyRow(row)
		}
		snap.tables[name] = copied
	}
	return snap
}

// Restore replaces every table with the snapshot's contents.
func (s *Store) Restore(snap *Snapshot) {
	if snap == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables = make(map[string][]map[string]any, len(snap.tables))
	for name, rows := range snap.tables {
		copied := make([]map[string]any, len(rows))
		for i, row := range rows {
			copied[i] = copyRow(row)
		}
		s.tables[name] = copied
		s.loaded[name] = true
	}
}

// Count returns the number of rows in the frame.
func (s *Store) Count(name string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(name); err != nil {
		return 0, err
	}
	return len(s.tables[name]), nil
}

// ensureLoaded materializes a file-backed frame on first touch. Callers hold
// the write lock.
func (s *Store) ensureLoaded(name string) error {
	if s.loaded[name] {
		return nil
	}
	def, ok := s.defs[name]
	if !ok {
		if _, exists := s.tables[name]; exists {
			return nil
		}
		return fmt.Errorf("frame %q is not defined. Declare it in the program or check the spelling", name)
	}
	if def.Path == "" {
		s.loaded[name] = true
		return nil
	}
	rows, err := loadCSV(def.Path, def.Columns)
	if err != nil {
		return fmt.Errorf("load frame %q from %s: %w", name, def.Path, err)
	}
	s.tables[name] = rows
	s.loaded[name] = true
	return nil
}

func copyRow(row map[string]any) map[string]any {
	out := make(map[string]any, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}
