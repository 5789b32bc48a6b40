// Package reconciler applies edit operations to a document in a single total
// order, rebasing operations authored against older versions over the
// history they missed.
package reconciler

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/a-essam23/livememo/pkg/ot"
	"github.com/a-essam23/livememo/pkg/state"
	"github.com/google/uuid"
)

const DefaultHistoryLimit = 1000

// Reconciler owns the authoritative content and version of one document.
// It is not safe for concurrent use; the owning session serializes calls.
type Reconciler struct {
	documentID string
	content    string
	version    int

	// history[i] is the operation that produced version base+i+1.
	history []state.Applied
	base    int
	limit   int

	seen map[opKey]state.Applied
}

func New(documentID, content string, version, historyLimit int) *Reconciler {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	return &Reconciler{
		documentID: documentID,
		content:    content,
		version:    version,
		base:       version,
		limit:      historyLimit,
		seen:       make(map[opKey]state.Applied),
	}
}

func (r *Reconciler) Version() int {
	return r.version
}

func (r *Reconciler) Content() string {
	return r.content
}

func (r *Reconciler) Snapshot() state.Snapshot {
	return state.Snapshot{DocumentID: r.documentID, Content: r.content, Version: r.version}
}

// Since returns the applied operations after version v, oldest first.
func (r *Reconciler) Since(v int) ([]state.Applied, error) {
	if v < r.base || v > r.version {
		return nil, state.StaleConflict(fmt.Sprintf("version %d outside retained history [%d,%d]", v, r.base, r.version))
	}
	out := make([]state.Applied, r.version-v)
	copy(out, r.history[v-r.base:])
	return out, nil
}

// Apply validates op against role, rebases it over any operations applied
// since op.BaseVersion and applies it. The returned Applied carries the
// finalized change and the version it produced.
func (r *Reconciler) Apply(op state.Operation, role state.Role) (state.Applied, error) {
	if !role.CanEdit() {
		return state.Applied{}, state.PermissionDenied(fmt.Sprintf("role %q cannot edit", role))
	}
	if op.ID != "" {
		if prev, ok := r.seen[keyOf(op)]; ok {
			return prev, nil
		}
	}
	if op.BaseVersion > r.version {
		return state.Applied{}, state.StaleConflict(fmt.Sprintf("base version %d is ahead of %d", op.BaseVersion, r.version))
	}
	missed, err := r.Since(op.BaseVersion)
	if err != nil {
		return state.Applied{}, err
	}

	change := op.Change
	if len(missed) > 0 {
		prior := make([]ot.Change, len(missed))
		for i, a := range missed {
			prior[i] = a.Operation.Change
		}
		change, err = ot.TransformAll(change, prior)
		if errors.Is(err, ot.ErrRangeGone) {
			return state.Applied{}, state.StaleConflict("edited range was changed concurrently")
		}
		if err != nil {
			return state.Applied{}, state.StaleConflict(err.Error())
		}
	}

	if err := change.Validate(utf8.RuneCountInString(r.content)); err != nil {
		return state.Applied{}, state.InvalidOperation(err.Error())
	}
	next, err := ot.Apply(r.content, change)
	if err != nil {
		return state.Applied{}, state.InvalidOperation(err.Error())
	}

	op.Change = change
	r.content = next
	r.version++
	applied := state.Applied{Operation: op, Version: r.version}
	r.record(applied)
	return applied, nil
}

// opKey scopes operation IDs to the connection that sent them; IDs are
// chosen by clients and only unique per client.
type opKey struct {
	origin uuid.UUID
	id     string
}

func keyOf(op state.Operation) opKey {
	return opKey{origin: op.Origin, id: op.ID}
}

func (r *Reconciler) record(a state.Applied) {
	r.history = append(r.history, a)
	if a.Operation.ID != "" {
		r.seen[keyOf(a.Operation)] = a
	}
	if over := len(r.history) - r.limit; over > 0 {
		for _, old := range r.history[:over] {
			delete(r.seen, keyOf(old.Operation))
		}
		r.history = append(r.history[:0:0], r.history[over:]...)
		r.base += over
	}
}
