package gateway

import (
	"errors"
	"testing"
)

func TestClassifyObserver(t *testing.T) {
	log := newTestLogger(t)
	r := NewRegistry(log)

	c := NewConn("c1", nil, log)
	r.Register(c)

	displaced, err := r.Classify("c1", ClassObserver, "")
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	if displaced != nil {
		t.Error("Observer classification must not displace anything")
	}
	if c.Class() != ClassObserver {
		t.Errorf("Expected observer, got %s", c.Class())
	}

	// Re-classifying with the same class is a no-op.
	if _, err := r.Classify("c1", ClassObserver, ""); err != nil {
		t.Errorf("Idempotent classify failed: %v", err)
	}
	// Switching class is rejected.
	if _, err := r.Classify("c1", ClassSandbox, "s1"); !errors.Is(err, ErrAlreadyClassified) {
		t.Errorf("Expected ErrAlreadyClassified, got %v", err)
	}
}

func TestClassifySandboxRequiresSession(t *testing.T) {
	log := newTestLogger(t)
	r := NewRegistry(log)

	c := NewConn("c1", nil, log)
	r.Register(c)

	if _, err := r.Classify("c1", ClassSandbox, ""); !errors.Is(err, ErrSessionRequired) {
		t.Errorf("Expected ErrSessionRequired, got %v", err)
	}
	if _, err := r.Classify("missing", ClassSandbox, "s1"); !errors.Is(err, ErrConnNotFound) {
		t.Errorf("Expected ErrConnNotFound, got %v", err)
	}
}

func TestSandboxRebindDisplacesOldConnection(t *testing.T) {
	log := newTestLogger(t)
	r := NewRegistry(log)

	old := NewConn("old", nil, log)
	r.Register(old)
	if _, err := r.Classify("old", ClassSandbox, "s1"); err != nil {
		t.Fatalf("Classify failed: %v", err)
	}

	replacement := NewConn("new", nil, log)
	r.Register(replacement)
	displaced, err := r.Classify("new", ClassSandbox, "s1")
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	if displaced != old {
		t.Fatalf("Expected old connection displaced, got %v", displaced)
	}

	// The displaced connection is closed and unbound so its teardown skips
	// the disconnect path.
	select {
	case <-old.Done():
	default:
		t.Error("Displaced connection must be closed")
	}
	if old.SessionID() != "" {
		t.Errorf("Displaced connection must be unbound, got %q", old.SessionID())
	}

	bound, ok := r.SandboxFor("s1")
	if !ok || bound != replacement {
		t.Error("Session must be bound to the newer connection")
	}
	if _, ok := r.Lookup("old"); ok {
		t.Error("Displaced connection must be removed from the registry")
	}
}

func TestForgetUnbindsOnlyOwnSession(t *testing.T) {
	log := newTestLogger(t)
	r := NewRegistry(log)

	c := NewConn("c1", nil, log)
	r.Register(c)
	if _, err := r.Classify("c1", ClassSandbox, "s1"); err != nil {
		t.Fatalf("Classify failed: %v", err)
	}

	forgotten, ok := r.Forget("c1")
	if !ok || forgotten != c {
		t.Fatal("Forget must return the removed connection")
	}
	if _, ok := r.SandboxFor("s1"); ok {
		t.Error("Session binding must be released")
	}
	if r.Count() != 0 {
		t.Errorf("Expected empty registry, got %d", r.Count())
	}
}

func TestSandboxesLists(t *testing.T) {
	log := newTestLogger(t)
	r := NewRegistry(log)

	for _, id := range []string{"a", "b"} {
		c := NewConn(id, nil, log)
		r.Register(c)
		if _, err := r.Classify(id, ClassSandbox, "sess-"+id); err != nil {
			t.Fatalf("Classify failed: %v", err)
		}
	}
	obs := NewConn("obs", nil, log)
	r.Register(obs)
	if _, err := r.Classify("obs", ClassObserver, ""); err != nil {
		t.Fatalf("Classify failed: %v", err)
	}

	if got := len(r.Sandboxes()); got != 2 {
		t.Errorf("Expected 2 sandbox connections, got %d", got)
	}
}
