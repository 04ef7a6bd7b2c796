package engine

import (
	"sync"

	"github.com/namel3ss/n3flow/frame"
)

// txManager guards transactional blocks. A transaction snapshots every
// frame before the body runs and restores the snapshot when the body
// fails, so record changes apply all-or-nothing.
type txManager struct {
	frames *frame.Store

	mu     sync.Mutex
	active bool
}

func (t *txManager) run(body func() error) error {
	t.mu.Lock()
	if t.active {
		t.mu.Unlock()
		return errf(CodeNestedTransaction, "transactions cannot be nested")
	}
	t.active = true
	t.mu.Unlock()

	snap := t.frames.Snapshot()
	err := body()

	t.mu.Lock()
	t.active = false
	t.mu.Unlock()

	if err == nil {
		return nil
	}
	// A return inside the body commits: it is control flow, not failure.
	if _, isReturn := asReturn(err); isReturn {
		return err
	}
	t.frames.Restore(snap)
	return errf(CodeTransactionAbort, "%s. All record changes were rolled back", err.Error())
}
