package session

import (
	"encoding/json"
	"errors"
	"sync"
)

// ErrNoPendingPermission is returned when a permission response names a tool
// call that has no open request, including a second response to one already
// resolved.
var ErrNoPendingPermission = errors.New("no pending permission request")

// PermissionAnswer is a client's decision on a pending permission request.
// An empty OptionID, or OptionID "deny", denies. Answers carries structured
// form input and is forwarded to the backend as updated tool input.
type PermissionAnswer struct {
	OptionID string          `json:"option_id"`
	Answers  json.RawMessage `json:"answers,omitempty"`
}

// permOutcome is the resolution of one pending permission request. A nil
// answer means the request was denied without a client decision (prompt
// cancelled or session terminated).
type permOutcome struct {
	answer    *PermissionAnswer
	message   string
	interrupt bool
}

// permTable tracks in-flight permission requests keyed by tool call id.
// Each entry resolves exactly once: the entry is removed before its resolver
// runs, so a duplicate response observes an empty slot.
type permTable struct {
	mu      sync.Mutex
	pending map[string]func(permOutcome)
}

func newPermTable() *permTable {
	return &permTable{pending: make(map[string]func(permOutcome))}
}

// add registers a pending request. The resolver runs outside the table lock.
func (t *permTable) add(toolCallID string, resolve func(permOutcome)) {
	t.mu.Lock()
	t.pending[toolCallID] = resolve
	t.mu.Unlock()
}

// resolve settles a pending request with the given outcome.
func (t *permTable) resolve(toolCallID string, out permOutcome) error {
	t.mu.Lock()
	fn, ok := t.pending[toolCallID]
	if ok {
		delete(t.pending, toolCallID)
	}
	t.mu.Unlock()
	if !ok {
		return ErrNoPendingPermission
	}
	fn(out)
	return nil
}

// remove drops a pending request without resolving it, for requests the
// backend abandoned. Returns false if the request was already settled.
func (t *permTable) remove(toolCallID string) bool {
	t.mu.Lock()
	_, ok := t.pending[toolCallID]
	if ok {
		delete(t.pending, toolCallID)
	}
	t.mu.Unlock()
	return ok
}

// drain settles every pending request with the same outcome, in no
// particular order.
func (t *permTable) drain(out permOutcome) {
	t.mu.Lock()
	resolvers := make([]func(permOutcome), 0, len(t.pending))
	for id := range t.pending {
		resolvers = append(resolvers, t.pending[id])
	}
	t.pending = make(map[string]func(permOutcome))
	t.mu.Unlock()

	for _, fn := range resolvers {
		fn(out)
	}
}

// count reports the number of open permission requests.
func (t *permTable) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
