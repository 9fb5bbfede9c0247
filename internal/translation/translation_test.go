package translation

import (
	"context"
	"errors"
	"testing"

	"github.com/lherron/tfsync/internal/changegroup"
	"github.com/lherron/tfsync/internal/domain"
	"github.com/lherron/tfsync/internal/store"
	"github.com/lherron/tfsync/internal/testutil"
)

func setup(t *testing.T, typeMap map[string]string) (*MappingService, *changegroup.Manager, *changegroup.Manager) {
	t.Helper()
	st := store.New(testutil.TempDB(t))
	session, source, target := testutil.Endpoints(t)
	src := changegroup.NewManager(st, session, source, changegroup.Options{})
	tgt := changegroup.NewManager(st, session, target, changegroup.Options{})
	changegroup.Link(src, tgt)
	return NewMappingService(st, session, source, target, Options{TypeMap: typeMap}), src, tgt
}

// migrate records that delta item srcItem@srcVer became tgtItem@tgtVer.
func migrate(t *testing.T, src, tgt *changegroup.Manager, srcItem, srcVer, tgtItem, tgtVer string) {
	t.Helper()
	ctx := context.Background()
	delta := src.CreateForDeltaTable("c1")
	if _, err := delta.CreateAction(changegroup.ActionParams{Kind: domain.ActionAdd, SourceItem: changegroup.RawItem(srcItem), Path: srcItem, Version: srcVer}); err != nil {
		t.Fatalf("CreateAction failed: %v", err)
	}
	if err := delta.Save(ctx); err != nil {
		t.Fatalf("Save delta failed: %v", err)
	}
	instr := tgt.CreateForMigrationInstructionTable(delta)
	if err := instr.Save(ctx); err != nil {
		t.Fatalf("Save instruction failed: %v", err)
	}
	err := instr.UpdateConversionHistory(changegroup.ConversionResult{
		ChangeID: "t1",
		Items:    []changegroup.ItemPair{{SourceItemID: srcItem, SourceItemVersion: srcVer, TargetItemID: tgtItem, TargetItemVersion: tgtVer}},
	})
	if err != nil {
		t.Fatalf("UpdateConversionHistory failed: %v", err)
	}
}

func TestMappingService_TryGetTargetItemId(t *testing.T) {
	svc, src, tgt := setup(t, nil)
	migrate(t, src, tgt, "W1", "1", "T9", "1")

	got, ok, err := svc.TryGetTargetItemId("W1", src.SourceID())
	if err != nil {
		t.Fatalf("TryGetTargetItemId failed: %v", err)
	}
	if !ok || got != "T9" {
		t.Errorf("Expected T9, got %q (found=%v)", got, ok)
	}

	back, ok, err := svc.TryGetTargetItemId("T9", tgt.SourceID())
	if err != nil {
		t.Fatalf("TryGetTargetItemId failed: %v", err)
	}
	if !ok || back != "W1" {
		t.Errorf("Expected W1, got %q (found=%v)", back, ok)
	}

	if _, ok, _ := svc.TryGetTargetItemId("W2", src.SourceID()); ok {
		t.Error("Expected W2 to be unknown")
	}
}

func TestMappingService_IsSyncGeneratedItemVersion(t *testing.T) {
	svc, src, tgt := setup(t, nil)
	migrate(t, src, tgt, "W1", "1", "T9", "4")

	tests := []struct {
		item, version string
		want          bool
	}{
		{"T9", "4", true},
		{"T9", "5", false},
		{"W1", "1", false},
	}
	for _, tt := range tests {
		got, err := svc.IsSyncGeneratedItemVersion(tt.item, tt.version, tgt.SourceID())
		if err != nil {
			t.Fatalf("IsSyncGeneratedItemVersion failed: %v", err)
		}
		if got != tt.want {
			t.Errorf("%s@%s: expected %v, got %v", tt.item, tt.version, tt.want, got)
		}
	}
}

func TestMappingService_Translate(t *testing.T) {
	svc, src, tgt := setup(t, map[string]string{"Bug": "Defect"})
	migrate(t, src, tgt, "W1", "1", "T9", "1")

	a := &changegroup.Action{Kind: domain.ActionEdit, Path: "W1", Version: "2", ItemTypeRefName: "Bug"}
	if err := svc.Translate(a, src.SourceID()); err != nil {
		t.Fatalf("Translate failed: %v", err)
	}
	if a.Path != "T9" || a.ItemTypeRefName != "Defect" {
		t.Errorf("Expected T9/Defect, got %s/%s", a.Path, a.ItemTypeRefName)
	}

	fresh := &changegroup.Action{Kind: domain.ActionAdd, Path: "W5", ItemTypeRefName: "Bug"}
	if err := svc.Translate(fresh, src.SourceID()); err != nil {
		t.Fatalf("Translate failed: %v", err)
	}
	if fresh.Path != "W5" {
		t.Errorf("Expected unknown item to keep its id, got %s", fresh.Path)
	}
}

func TestMappingService_UnmappedType(t *testing.T) {
	svc, src, _ := setup(t, map[string]string{"Bug": "Defect"})

	a := &changegroup.Action{Kind: domain.ActionAdd, Path: "W1", ItemTypeRefName: "Task"}
	err := svc.Translate(a, src.SourceID())
	var ue *UnmappedWorkItemTypeError
	if !errors.As(err, &ue) || ue.SourceType != "Task" {
		t.Fatalf("Expected UnmappedWorkItemTypeError for Task, got %v", err)
	}
	if a.ItemTypeRefName != "Task" {
		t.Errorf("Failed translation must not change the action, got %s", a.ItemTypeRefName)
	}

	if err := svc.AddWorkItemTypeMapping("Task", "Chore"); err != nil {
		t.Fatalf("AddWorkItemTypeMapping failed: %v", err)
	}
	if err := svc.Translate(a, src.SourceID()); err != nil {
		t.Fatalf("Translate after mapping failed: %v", err)
	}
	if a.ItemTypeRefName != "Chore" {
		t.Errorf("Expected Chore, got %s", a.ItemTypeRefName)
	}
}

func TestMappingService_NoTypeMapIsIdentity(t *testing.T) {
	svc, src, _ := setup(t, nil)
	a := &changegroup.Action{Kind: domain.ActionAdd, Path: "W1", ItemTypeRefName: "Task"}
	if err := svc.Translate(a, src.SourceID()); err != nil {
		t.Fatalf("Translate failed: %v", err)
	}
	if a.ItemTypeRefName != "Task" {
		t.Errorf("Expected Task, got %s", a.ItemTypeRefName)
	}
}
