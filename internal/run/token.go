package run

import "sync"

// Token is the cooperative cancellation flag shared top-down through an
// execution tree. The top-level caller creates it; children only observe it.
// Setting is idempotent and a set token is never reset.
type Token struct {
	mu   sync.Mutex
	done chan struct{}
	set  bool
}

// NewToken creates an unset token.
func NewToken() *Token {
	return &Token{done: make(chan struct{})}
}

// Set raises the flag. Safe to call from multiple goroutines and on a nil
// token.
func (t *Token) Set() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.set {
		t.set = true
		close(t.done)
	}
}

// IsSet reports whether cancellation has been requested. This is the only
// way cancellation takes effect: algorithms check it at their checkpoints.
func (t *Token) IsSet() bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.set
}

// Done returns a channel closed once the token is set, for select-based
// waits (sleeps, subprocess supervision).
func (t *Token) Done() <-chan struct{} {
	if t == nil {
		return nil
	}
	return t.done
}
