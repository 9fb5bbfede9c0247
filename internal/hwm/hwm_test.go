package hwm

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lherron/tfsync/internal/store"
	"github.com/lherron/tfsync/internal/testutil"
)

func TestMark_ReadBeforeReload(t *testing.T) {
	st := store.New(testutil.TempDB(t))
	m, err := New[int64](st, uuid.New(), uuid.New(), "row_version", Int64Codec{}, 0)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, err := m.Value(); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}

func TestMark_UpdateAndReload(t *testing.T) {
	st := store.New(testutil.TempDB(t))
	session, source := uuid.New(), uuid.New()

	m, _ := New[int64](st, session, source, "row_version", Int64Codec{}, -1)
	if err := m.Reload(); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if v, _ := m.Value(); v != -1 || m.IsSet() {
		t.Fatalf("fresh mark = %d set=%v, want fallback -1", v, m.IsSet())
	}

	var seen [][2]int64
	m.OnBeforeUpdate(func(current, next int64) { seen = append(seen, [2]int64{current, next}) })
	if err := m.Update(10); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if err := m.Update(25); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if len(seen) != 2 || seen[0] != [2]int64{-1, 10} || seen[1] != [2]int64{10, 25} {
		t.Errorf("listener saw %v", seen)
	}

	other, _ := New[int64](st, session, source, "row_version", Int64Codec{}, -1)
	if err := other.Reload(); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if v, _ := other.Value(); v != 25 {
		t.Errorf("reloaded value = %d, want 25", v)
	}
	if other.String() != "row_version=25" {
		t.Errorf("String() = %q", other.String())
	}
}

func TestMark_TimeCodec(t *testing.T) {
	st := store.New(testutil.TempDB(t))
	session, source := uuid.New(), uuid.New()
	at := time.Date(2024, 3, 4, 5, 6, 7, 890, time.UTC)

	m, _ := New[time.Time](st, session, source, "last_change", TimeCodec{}, time.Time{})
	m.Reload()
	if err := m.Update(at); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	again, _ := New[time.Time](st, session, source, "last_change", TimeCodec{}, time.Time{})
	again.Reload()
	got, err := again.Value()
	if err != nil || !got.Equal(at) {
		t.Errorf("time mark = %v, %v; want %v", got, err, at)
	}
}

func TestMark_EmptyName(t *testing.T) {
	st := store.New(testutil.TempDB(t))
	if _, err := New[string](st, uuid.New(), uuid.New(), "", StringCodec{}, ""); err == nil {
		t.Fatal("expected error for empty name")
	}
}
