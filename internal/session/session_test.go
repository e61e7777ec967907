package session

import (
	"errors"
	"testing"
	"time"
)

func TestBeginThenGet(t *testing.T) {
	t.Parallel()
	store := NewStore(time.Minute)

	store.Begin(1, 100, KindBroadcast, nil)
	got, ok := store.Get(1, 100)
	if !ok {
		t.Fatal("Get after Begin = absent, want present")
	}
	if got.Kind != KindBroadcast || got.Step != 0 {
		t.Fatalf("got kind=%s step=%d, want broadcast/0", got.Kind, got.Step)
	}
}

func TestBeginReplacesPriorSession(t *testing.T) {
	t.Parallel()
	store := NewStore(time.Minute)

	store.Begin(1, 100, KindBroadcast, nil)
	store.Begin(1, 100, KindBan, map[string]string{"target": "42"})

	got, ok := store.Get(1, 100)
	if !ok {
		t.Fatal("Get = absent, want present")
	}
	if got.Kind != KindBan {
		t.Fatalf("kind = %s, want ban (last writer wins)", got.Kind)
	}
	if got.Value("target") != "42" {
		t.Fatalf("payload target = %q, want 42", got.Value("target"))
	}
}

func TestKeysAreScopedPerTenantAndOperator(t *testing.T) {
	t.Parallel()
	store := NewStore(time.Minute)

	store.Begin(1, 100, KindReply, nil)
	if _, ok := store.Get(2, 100); ok {
		t.Fatal("session leaked across tenants")
	}
	if _, ok := store.Get(1, 101); ok {
		t.Fatal("session leaked across operators")
	}
}

func TestGetAfterTTLReturnsAbsent(t *testing.T) {
	t.Parallel()
	store := NewStore(20 * time.Millisecond)

	store.Begin(1, 100, KindReply, nil)
	time.Sleep(40 * time.Millisecond)
	if _, ok := store.Get(1, 100); ok {
		t.Fatal("Get after TTL = present, want absent")
	}
}

func TestAdvance(t *testing.T) {
	t.Parallel()
	store := NewStore(time.Minute)

	store.Begin(1, 100, KindBroadcast, nil)
	sess, err := store.Advance(1, 100, map[string]string{"text": "hello"})
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if sess.Step != 1 {
		t.Fatalf("step = %d, want 1", sess.Step)
	}
	if sess.Value("text") != "hello" {
		t.Fatalf("payload text = %q, want hello", sess.Value("text"))
	}

	got, ok := store.Get(1, 100)
	if !ok || got.Step != 1 {
		t.Fatalf("Get after Advance = (%+v, %v), want persisted step 1", got, ok)
	}
}

func TestAdvanceWithoutSession(t *testing.T) {
	t.Parallel()
	store := NewStore(time.Minute)

	if _, err := store.Advance(1, 100, nil); !errors.Is(err, ErrNoSession) {
		t.Fatalf("Advance err = %v, want ErrNoSession", err)
	}
}

func TestAdvanceDoesNotExtendTTL(t *testing.T) {
	t.Parallel()
	store := NewStore(50 * time.Millisecond)

	store.Begin(1, 100, KindBroadcast, nil)
	time.Sleep(30 * time.Millisecond)
	if _, err := store.Advance(1, 100, nil); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if _, ok := store.Get(1, 100); ok {
		t.Fatal("session alive past its original TTL after Advance")
	}
}

func TestCancel(t *testing.T) {
	t.Parallel()
	store := NewStore(time.Minute)

	store.Begin(1, 100, KindAddAdmin, nil)
	store.Cancel(1, 100)
	if _, ok := store.Get(1, 100); ok {
		t.Fatal("Get after Cancel = present, want absent")
	}
}
