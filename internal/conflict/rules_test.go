package conflict

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/lherron/tfsync/internal/testutil"
)

const sampleRules = `rules:
  - conflict_type: unmapped_work_item_type
    scope: Bug
    action: map
    params:
      target_type: Defect
  - conflict_type: edit_edit
    action: skip
  - conflict_type: edit_edit
    scope: W1
    action: manual
`

func TestParseRules(t *testing.T) {
	rf, err := ParseRules([]byte(sampleRules))
	if err != nil {
		t.Fatalf("ParseRules failed: %v", err)
	}
	if len(rf.Rules) != 3 {
		t.Fatalf("Expected 3 rules, got %d", len(rf.Rules))
	}
	if rf.Rules[0].Params["target_type"] != "Defect" {
		t.Errorf("Expected target_type Defect, got %v", rf.Rules[0].Params)
	}
}

func TestParseRules_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"unknown action", "rules:\n  - conflict_type: edit_edit\n    action: explode\n"},
		{"missing type", "rules:\n  - action: skip\n"},
		{"unknown field", "rules: []\nextra: 1\n"},
		{"empty", ""},
		{"not yaml", "rules: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseRules([]byte(tt.doc)); err == nil {
				t.Errorf("Expected error for %s", tt.name)
			}
		})
	}
}

func TestManager_ApplyRulesReplacesPerType(t *testing.T) {
	_, m, _, _, _, _ := setupManager(t)

	rf, err := ParseRules([]byte(sampleRules))
	if err != nil {
		t.Fatalf("ParseRules failed: %v", err)
	}
	n, err := m.ApplyRules(rf)
	if err != nil {
		t.Fatalf("ApplyRules failed: %v", err)
	}
	if n != 3 {
		t.Errorf("Expected 3 rules written, got %d", n)
	}

	rf2, _ := ParseRules([]byte("rules:\n  - conflict_type: edit_edit\n    action: suppress\n"))
	if _, err := m.ApplyRules(rf2); err != nil {
		t.Fatalf("ApplyRules failed: %v", err)
	}

	editRules, _ := m.GetPersistedRules(EditEditRef)
	if len(editRules) != 1 || editRules[0].Action != ActionSuppress {
		t.Errorf("Expected edit/edit rules to be replaced, got %+v", editRules)
	}
	mapRules, _ := m.GetPersistedRules(UnmappedWorkItemTypeRef)
	if len(mapRules) != 1 {
		t.Errorf("Expected unmapped rules to be kept, got %d", len(mapRules))
	}
}

func TestManager_ApplyRulesUnknownType(t *testing.T) {
	_, m, _, _, _, _ := setupManager(t)
	rf, _ := ParseRules([]byte("rules:\n  - conflict_type: nope\n    action: skip\n"))
	if _, err := m.ApplyRules(rf); err == nil {
		t.Fatal("Expected error for unknown conflict type")
	}
}

func TestManager_WatchRulesReloads(t *testing.T) {
	_, m, _, _, _, _ := setupManager(t)
	dir := t.TempDir()
	path := testutil.WriteFile(t, dir, "rules.yaml", "rules: []\n")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.WatchRules(ctx, path, log.New(io.Discard)) }()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	testutil.WriteFile(t, dir, "rules.yaml", "rules:\n  - conflict_type: edit_edit\n    action: skip\n")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rules, err := m.GetPersistedRules(EditEditRef)
		if err != nil {
			t.Fatalf("GetPersistedRules failed: %v", err)
		}
		if len(rules) == 1 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("Expected rules to be reloaded after the file changed")
}
