package errormgr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/lherron/tfsync/internal/conflict"
	"github.com/lherron/tfsync/internal/domain"
	"github.com/lherron/tfsync/internal/store"
	"github.com/lherron/tfsync/internal/testutil"
)

func setupConflicts(t *testing.T) (*store.Store, *conflict.Manager, *[]domain.SyncOrchestrationOption) {
	t.Helper()
	st := store.New(testutil.TempDB(t))
	session, source, _ := testutil.Endpoints(t)
	stops := &[]domain.SyncOrchestrationOption{}
	cm := conflict.NewManager(st, session, source, conflict.Deps{
		OnStop: func(o domain.SyncOrchestrationOption, _ *domain.Conflict) { *stops = append(*stops, o) },
	})
	if err := conflict.RegisterBuiltins(cm, nil); err != nil {
		t.Fatalf("RegisterBuiltins failed: %v", err)
	}
	return st, cm, stops
}

func TestKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&domain.AddinError{Addin: "a", Hook: "pre", Err: errors.New("x")}, "addin"},
		{fmt.Errorf("wrapped: %w", &domain.MigrationError{Msg: "no handler"}), "migration"},
		{&domain.ContractError{Op: "save", Msg: "x"}, "contract"},
		{&domain.LockedFieldError{Field: "Name"}, "locked_field"},
		{fmt.Errorf("load: %w", domain.ErrNotFound), "not_found"},
		{errors.New("boom"), "other"},
	}
	for _, tt := range tests {
		if got := Kind(tt.err); got != tt.want {
			t.Errorf("Kind(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestParsePolicies(t *testing.T) {
	ps, err := ParsePolicies([]byte("- match: timeout\n  action: ignore\n- kind: migration\n  action: stop\n"))
	if err != nil {
		t.Fatalf("ParsePolicies failed: %v", err)
	}
	if len(ps) != 2 || ps[1].Action != ActionStop {
		t.Errorf("Unexpected policies: %+v", ps)
	}

	if _, err := ParsePolicies([]byte("- action: explode\n")); err == nil {
		t.Error("Expected error for unknown action")
	}
	if _, err := ParsePolicies([]byte("- kind: weird\n")); err == nil {
		t.Error("Expected error for unknown kind")
	}
}

func TestManager_ReportBecomesGenericConflict(t *testing.T) {
	st, cm, stops := setupConflicts(t)
	m, err := New(nil, Deps{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if !m.TryHandleException(errors.New("adapter crashed"), cm) {
		t.Fatal("Expected report to be handled")
	}
	open, err := st.Conflicts.List(store.ConflictFilter{SessionID: cm.SessionID(), Status: domain.ConflictUnresolved})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(open) != 1 || open[0].ConflictType != conflict.GenericRef || open[0].Details != "adapter crashed" {
		t.Fatalf("Expected one generic conflict, got %+v", open)
	}
	if len(*stops) != 1 || (*stops)[0] != domain.OrchestrationStopConflictedSessionCurrentTrip {
		t.Errorf("Expected generic conflict to stop the current trip, got %v", *stops)
	}
}

func TestManager_IgnoreAndStop(t *testing.T) {
	st, cm, _ := setupConflicts(t)
	var stopped []error
	m, err := New([]Policy{
		{Match: "transient", Action: ActionIgnore},
		{Kind: "migration", Action: ActionStop},
	}, Deps{OnStop: func(err error) { stopped = append(stopped, err) }})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if !m.TryHandleException(errors.New("transient network blip"), cm) {
		t.Error("Expected ignored error to be handled")
	}
	if m.TryHandleException(&domain.MigrationError{Msg: "no handler"}, cm) {
		t.Error("Expected stop to report unhandled")
	}
	if len(stopped) != 1 {
		t.Errorf("Expected one stop, got %d", len(stopped))
	}
	if n, _ := st.Conflicts.CountUnresolved(cm.SessionID()); n != 0 {
		t.Errorf("Expected no conflicts, got %d", n)
	}
}

func TestManager_MaxOccurrencesEscalates(t *testing.T) {
	_, cm, _ := setupConflicts(t)
	stops := 0
	m, err := New([]Policy{{Match: "flaky", Action: ActionIgnore, MaxOccurrences: 2}}, Deps{OnStop: func(error) { stops++ }})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	for i := 0; i < 2; i++ {
		if !m.TryHandleException(errors.New("flaky"), cm) {
			t.Fatalf("Occurrence %d should be ignored", i+1)
		}
	}
	if m.TryHandleException(errors.New("flaky"), cm) {
		t.Fatal("Third occurrence should stop")
	}
	if stops != 1 {
		t.Errorf("Expected 1 stop, got %d", stops)
	}
}

func TestManager_GenericRuleResolvesReportedError(t *testing.T) {
	st, cm, stops := setupConflicts(t)
	if err := cm.SaveNewResolutionRule(&domain.ResolutionRule{ConflictType: conflict.GenericRef, Action: conflict.ActionRetry}); err != nil {
		t.Fatalf("SaveNewResolutionRule failed: %v", err)
	}
	m, _ := New(nil, Deps{})
	if !m.TryHandleException(errors.New("boom"), cm) {
		t.Fatal("Expected handled")
	}
	if len(*stops) != 0 {
		t.Errorf("Resolved error must not stop the session, got %v", *stops)
	}
	if n, _ := st.Conflicts.CountUnresolved(cm.SessionID()); n != 0 {
		t.Errorf("Expected no unresolved conflicts, got %d", n)
	}
}

func TestManager_NilConflictManager(t *testing.T) {
	m, _ := New(nil, Deps{})
	if m.TryHandleException(errors.New("boom"), nil) {
		t.Error("Expected unhandled without a conflict manager")
	}
}
