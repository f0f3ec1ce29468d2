package orchestrator

import "fmt"

// Kind classifies a per-key failure. None of them stop a run.
type Kind string

const (
	// KindIncomplete: the key has an image but no depth or seg entry.
	KindIncomplete Kind = "incomplete"
	// KindLoad: reading the key's records or attributes failed.
	KindLoad Kind = "load"
	// KindNormalize: channel selection, casting or resizing failed.
	KindNormalize Kind = "normalize"
	// KindRender: the renderer failed, panicked or returned an invalid result.
	KindRender Kind = "render"
	// KindTimeout: the renderer exceeded the time budget.
	KindTimeout Kind = "timeout"
	// KindPersist: reading or writing the output store failed.
	KindPersist Kind = "persist"
)

var kinds = []Kind{KindIncomplete, KindLoad, KindNormalize, KindRender, KindTimeout, KindPersist}

// KeyError is a recoverable failure for one asset key. Index is the key's
// position in the sorted key list so the item can be rerun with
// Start = Index, End = Index+1.
type KeyError struct {
	Index int
	Key   string
	Kind  Kind
	Err   error
}

func (e *KeyError) Error() string {
	return fmt.Sprintf("key %d (%s): %s: %v", e.Index, e.Key, e.Kind, e.Err)
}

func (e *KeyError) Unwrap() error {
	return e.Err
}
