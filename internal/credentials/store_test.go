package credentials

import (
	"testing"
	"time"
)

func TestApplyRejectsEmptySet(t *testing.T) {
	store := NewStore()

	if applied := store.Apply(nil, SourceManual); applied != 0 {
		t.Fatalf("expected 0 applied for nil set, got %d", applied)
	}
	if applied := store.Apply(map[string]string{}, SourceManual); applied != 0 {
		t.Fatalf("expected 0 applied for empty set, got %d", applied)
	}
	if _, ok := store.Snapshot(); ok {
		t.Fatal("store should stay unauthenticated after empty applies")
	}

	if applied := store.Apply(map[string]string{"session": "abc"}, SourceManual); applied != 1 {
		t.Fatalf("expected 1 applied, got %d", applied)
	}
	if applied := store.Apply(map[string]string{}, SourceManual); applied != 0 {
		t.Fatalf("expected 0 applied, got %d", applied)
	}
	active, ok := store.Snapshot()
	if !ok {
		t.Fatal("expected store to remain authenticated")
	}
	if active.Values["session"] != "abc" {
		t.Fatalf("empty apply must not change the active set, got %v", active.Values)
	}
}

func TestApplyDemotesActiveToBackup(t *testing.T) {
	store := NewStore()

	store.Apply(map[string]string{"gen": "1"}, SourceBrowser)
	if store.HasBackup() {
		t.Fatal("first apply should not create a backup")
	}

	store.Apply(map[string]string{"gen": "2"}, SourceBrowser)
	backup, ok := store.Backup()
	if !ok {
		t.Fatal("second apply should retain the previous set as backup")
	}
	if backup.Values["gen"] != "1" {
		t.Fatalf("expected backup gen=1, got %v", backup.Values)
	}
	active, _ := store.Snapshot()
	if active.Values["gen"] != "2" {
		t.Fatalf("expected active gen=2, got %v", active.Values)
	}
}

func TestRollbackRestoresPreviousGeneration(t *testing.T) {
	store := NewStore()

	if store.Rollback() {
		t.Fatal("rollback without backup must be a no-op")
	}

	store.Apply(map[string]string{"gen": "A"}, SourceManual)
	store.Apply(map[string]string{"gen": "B"}, SourceManual)

	if !store.Rollback() {
		t.Fatal("expected rollback to succeed")
	}
	active, ok := store.Snapshot()
	if !ok {
		t.Fatal("expected store to stay authenticated after rollback")
	}
	if active.Values["gen"] != "A" {
		t.Fatalf("expected rollback to restore gen=A, got %v", active.Values)
	}
	if store.HasBackup() {
		t.Fatal("rollback must clear the backup slot")
	}
	if store.Rollback() {
		t.Fatal("second rollback must be a no-op")
	}
}

func TestSnapshotReturnsIsolatedCopy(t *testing.T) {
	store := NewStore()
	store.Apply(map[string]string{"session": "abc"}, SourceManual)

	snapshot, _ := store.Snapshot()
	snapshot.Values["session"] = "tampered"
	snapshot.Values["extra"] = "x"

	active, _ := store.Snapshot()
	if active.Values["session"] != "abc" || len(active.Values) != 1 {
		t.Fatalf("mutating a snapshot must not affect the store, got %v", active.Values)
	}
}

func TestApplyCopiesCallerMap(t *testing.T) {
	store := NewStore()
	input := map[string]string{"session": "abc"}
	store.Apply(input, SourceManual)

	input["session"] = "changed"
	active, _ := store.Snapshot()
	if active.Values["session"] != "abc" {
		t.Fatalf("store must not alias the caller's map, got %v", active.Values)
	}
}

func TestAgeAndHealth(t *testing.T) {
	current := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store := NewStore(WithClock(func() time.Time { return current }))

	if _, ok := store.Age(); ok {
		t.Fatal("unauthenticated store must report no age")
	}
	if health := store.Health(); health != HealthUnknown {
		t.Fatalf("expected unknown health, got %s", health)
	}

	store.Apply(map[string]string{"session": "abc"}, SourceBrowser)

	cases := []struct {
		advance time.Duration
		want    Health
	}{
		{advance: 0, want: HealthFresh},
		{advance: 45 * time.Minute, want: HealthGood},
		{advance: 3 * time.Hour, want: HealthAging},
		{advance: 5 * time.Hour, want: HealthStale},
	}
	base := current
	for _, tc := range cases {
		current = base.Add(tc.advance)
		if health := store.Health(); health != tc.want {
			t.Fatalf("at age %s expected health %s, got %s", tc.advance, tc.want, health)
		}
	}

	current = base.Add(90 * time.Second)
	age, ok := store.Age()
	if !ok || age != 90*time.Second {
		t.Fatalf("expected age 90s, got %s (ok=%v)", age, ok)
	}
}

func TestApplyHookReceivesAppliedSet(t *testing.T) {
	store := NewStore()
	var received []Set
	store.SetApplyHook(func(set Set) { received = append(received, set) })

	store.Apply(map[string]string{"a": "1"}, SourceBrowser)
	store.Apply(map[string]string{}, SourceBrowser)

	if len(received) != 1 {
		t.Fatalf("expected 1 hook invocation, got %d", len(received))
	}
	if received[0].Source != SourceBrowser || received[0].Values["a"] != "1" {
		t.Fatalf("unexpected hook payload: %+v", received[0])
	}
}
