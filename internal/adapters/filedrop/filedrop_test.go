package filedrop

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/lherron/tfsync/internal/analysis"
	"github.com/lherron/tfsync/internal/changegroup"
	"github.com/lherron/tfsync/internal/conflict"
	"github.com/lherron/tfsync/internal/domain"
	"github.com/lherron/tfsync/internal/errormgr"
	"github.com/lherron/tfsync/internal/store"
	"github.com/lherron/tfsync/internal/testutil"
	"github.com/lherron/tfsync/internal/translation"
	"gopkg.in/yaml.v3"
)

type pipeline struct {
	st      *store.Store
	engine  *analysis.Engine
	session uuid.UUID
	source  uuid.UUID
	target  uuid.UUID
	src     *Source
	tgt     *Target
	tgtCM   *conflict.Manager
	dropDir string
	outDir  string
}

func newPipeline(t *testing.T, typeMap map[string]string) *pipeline {
	t.Helper()
	st := store.New(testutil.TempDB(t))
	session, source, target := testutil.Endpoints(t)
	logger := log.New(os.Stderr)
	logger.SetLevel(log.WarnLevel)

	srcMgr := changegroup.NewManager(st, session, source, changegroup.Options{})
	tgtMgr := changegroup.NewManager(st, session, target, changegroup.Options{})
	changegroup.Link(srcMgr, tgtMgr)

	p := &pipeline{
		st:      st,
		session: session,
		source:  source,
		target:  target,
		dropDir: t.TempDir(),
		outDir:  filepath.Join(t.TempDir(), "items"),
	}
	p.src = NewSource(p.dropDir)
	p.tgt = NewTarget(p.outDir)

	tr := translation.NewMappingService(st, session, source, target, translation.Options{TypeMap: typeMap, Logger: logger})
	em, err := errormgr.New(nil, errormgr.Deps{Logger: logger})
	if err != nil {
		t.Fatalf("errormgr.New failed: %v", err)
	}
	p.engine = analysis.NewEngine(st, session, tr, em, nil, analysis.Options{Logger: logger})
	p.tgtCM = conflict.NewManager(st, session, target, conflict.Deps{Logger: logger})
	for _, cfg := range []analysis.SideConfig{
		{
			SourceID:     source,
			ChangeGroups: changegroup.NewService(srcMgr, 0),
			Conflicts:    conflict.NewManager(st, session, source, conflict.Deps{Logger: logger}),
			Provider:     p.src,
		},
		{
			SourceID:     target,
			ChangeGroups: changegroup.NewService(tgtMgr, 0),
			Conflicts:    p.tgtCM,
			Provider:     p.tgt,
		},
	} {
		if err := p.engine.AddSide(cfg); err != nil {
			t.Fatalf("AddSide failed: %v", err)
		}
	}
	if err := p.engine.InitializeProviders(); err != nil {
		t.Fatalf("InitializeProviders failed: %v", err)
	}
	return p
}

func (p *pipeline) trip(t *testing.T) {
	t.Helper()
	if err := p.engine.RunTrip(context.Background(), p.source, p.target, false); err != nil {
		t.Fatalf("RunTrip failed: %v", err)
	}
}

func (p *pipeline) groups(t *testing.T, source uuid.UUID, statuses ...domain.ChangeStatus) []*store.GroupRow {
	t.Helper()
	rows, err := p.st.Groups.List(store.GroupFilter{SessionID: p.session, SourceID: source, Statuses: statuses})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	return rows
}

func (p *pipeline) item(t *testing.T, id string) TargetItem {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(p.outDir, id+".yaml"))
	if err != nil {
		t.Fatalf("Failed to read item %s: %v", id, err)
	}
	var it TargetItem
	if err := yaml.Unmarshal(data, &it); err != nil {
		t.Fatalf("Failed to parse item %s: %v", id, err)
	}
	return it
}

func TestParseChangeFile(t *testing.T) {
	cf, err := ParseChangeFile("0001-first.yaml", []byte(`
owner: alice
actions:
  - kind: add
    item: W1
    version: "1"
    type: Bug
    data: "title: one"
`))
	if err != nil {
		t.Fatalf("ParseChangeFile failed: %v", err)
	}
	if cf.Name != "0001-first" {
		t.Errorf("Expected name from file, got %q", cf.Name)
	}
	p := cf.actionParams("0001-first.yaml", 0)
	if p.Kind != domain.ActionAdd || p.Path != "W1" || p.ItemTypeRefName != "Bug" {
		t.Errorf("Unexpected action params: %+v", p)
	}
	if it, ok := p.SourceItem.(Item); !ok || it.DisplayName() != "W1@1" {
		t.Errorf("Unexpected source item: %#v", p.SourceItem)
	}

	tests := []struct {
		name string
		data string
	}{
		{"no actions", "name: x\n"},
		{"no item", "actions:\n  - kind: edit\n"},
		{"bad kind", "actions:\n  - kind: frobnicate\n    item: W1\n"},
		{"bad yaml", "actions: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseChangeFile("x.yaml", []byte(tt.data)); err == nil {
				t.Error("Expected error")
			}
		})
	}
}

func TestItemSerializer(t *testing.T) {
	var s ItemSerializer
	blob, err := s.SerializeItem(Item{ID: "W1", Version: "3", File: "a.yaml"})
	if err != nil {
		t.Fatalf("SerializeItem failed: %v", err)
	}
	got, err := s.LoadItem(blob, nil)
	if err != nil {
		t.Fatalf("LoadItem failed: %v", err)
	}
	if got.(Item) != (Item{ID: "W1", Version: "3", File: "a.yaml"}) {
		t.Errorf("Unexpected item: %#v", got)
	}

	blob, err = s.SerializeItem(changegroup.RawItem("W2"))
	if err != nil {
		t.Fatalf("SerializeItem raw failed: %v", err)
	}
	if got, _ := s.LoadItem(blob, nil); got.(Item).ID != "W2" {
		t.Errorf("Expected raw item id W2, got %#v", got)
	}
}

func TestSource_IngestsEachFileOnce(t *testing.T) {
	p := newPipeline(t, nil)
	testutil.WriteFile(t, p.dropDir, "0001.yaml", "actions:\n  - {kind: add, item: W1, version: \"1\", data: one}\n")
	testutil.WriteFile(t, p.dropDir, "0002.yaml", "actions:\n  - {kind: edit, item: W1, version: \"2\", data: two}\n  - {kind: add, item: W2, version: \"1\"}\n")
	testutil.WriteFile(t, p.dropDir, "notes.txt", "ignored")

	p.trip(t)

	deltas := p.groups(t, p.source)
	if len(deltas) != 2 {
		t.Fatalf("Expected 2 deltas, got %d", len(deltas))
	}
	last, ok, err := p.st.HighWaterMarks.Get(p.session, p.source, markLastFile)
	if err != nil {
		t.Fatalf("HighWaterMarks.Get failed: %v", err)
	}
	if !ok || last != "0002.yaml" {
		t.Errorf("Expected last file mark 0002.yaml, got %q", last)
	}

	p.trip(t)
	if n := len(p.groups(t, p.source)); n != 2 {
		t.Errorf("Expected no new deltas on a second trip, got %d", n)
	}
}

func TestPipeline_MigratesToTarget(t *testing.T) {
	p := newPipeline(t, nil)
	ctx := context.Background()
	testutil.WriteFile(t, p.dropDir, "0001.yaml", "comment: first\nactions:\n  - {kind: add, item: W1, version: \"1\", type: Bug, data: one}\n")

	p.trip(t)
	n, err := p.tgt.Migrate(ctx)
	if err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("Expected 1 applied group, got %d", n)
	}
	it := p.item(t, "W1")
	if it.Version != 1 || it.Data != "one" || it.Type != "Bug" {
		t.Errorf("Unexpected target item: %+v", it)
	}
	if done := p.groups(t, p.target, domain.StatusComplete); len(done) != 1 {
		t.Fatalf("Expected one complete instruction, got %d", len(done))
	}

	testutil.WriteFile(t, p.dropDir, "0002.yaml", "actions:\n  - {kind: edit, item: W1, version: \"2\", data: two}\n")
	p.trip(t)
	if _, err := p.tgt.Migrate(ctx); err != nil {
		t.Fatalf("second Migrate failed: %v", err)
	}
	it = p.item(t, "W1")
	if it.Version != 2 || it.Data != "two" {
		t.Errorf("Unexpected target item after edit: %+v", it)
	}

	tr := translation.NewMappingService(p.st, p.session, p.source, p.target, translation.Options{})
	peer, ok, err := tr.TryGetTargetItemId("W1", p.source)
	if err != nil || !ok || peer != "W1" {
		t.Errorf("Expected W1 mapped to W1, got %q %v %v", peer, ok, err)
	}
	synced, err := tr.IsSyncGeneratedItemVersion("W1", "2", p.target)
	if err != nil || !synced {
		t.Errorf("Expected W1@2 on the target to be sync generated, got %v %v", synced, err)
	}
}

func TestPipeline_InterruptedInstructionResumes(t *testing.T) {
	p := newPipeline(t, nil)
	ctx := context.Background()
	testutil.WriteFile(t, p.dropDir, "0001.yaml", "actions:\n  - {kind: add, item: W1, version: \"1\", data: one}\n  - {kind: add, item: W2, version: \"1\", data: two}\n")
	p.trip(t)

	// A directory in place of W2's temp file makes the write fail halfway.
	blocker := filepath.Join(p.outDir, "W2.yaml.tmp")
	if err := os.MkdirAll(blocker, 0755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	if _, err := p.tgt.Migrate(ctx); err == nil {
		t.Fatal("Expected the first Migrate to fail")
	}
	if stuck := p.groups(t, p.target, domain.StatusInProgress); len(stuck) != 1 {
		t.Fatalf("Expected one in-progress instruction, got %d", len(stuck))
	}

	if err := os.Remove(blocker); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	n, err := p.tgt.Migrate(ctx)
	if err != nil {
		t.Fatalf("second Migrate failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("Expected the interrupted instruction applied, got %d", n)
	}
	if w1 := p.item(t, "W1"); w1.Version != 1 {
		t.Errorf("Expected W1 written once, got version %d", w1.Version)
	}
	if w2 := p.item(t, "W2"); w2.Version != 1 || w2.Data != "two" {
		t.Errorf("Unexpected W2: %+v", w2)
	}
	if done := p.groups(t, p.target, domain.StatusComplete); len(done) != 1 {
		t.Errorf("Expected one complete instruction, got %d", len(done))
	}

	tr := translation.NewMappingService(p.st, p.session, p.source, p.target, translation.Options{})
	for _, id := range []string{"W1", "W2"} {
		if peer, ok, err := tr.TryGetTargetItemId(id, p.source); err != nil || !ok || peer != id {
			t.Errorf("Expected %s mapped after resume, got %q %v %v", id, peer, ok, err)
		}
	}
}

func TestPipeline_DeleteMarksItem(t *testing.T) {
	p := newPipeline(t, nil)
	testutil.WriteFile(t, p.dropDir, "0001.yaml", "actions:\n  - {kind: add, item: W1, version: \"1\", data: one}\n")
	testutil.WriteFile(t, p.dropDir, "0002.yaml", "actions:\n  - {kind: delete, item: W1, version: \"2\"}\n")

	p.trip(t)
	if n, err := p.tgt.Migrate(context.Background()); err != nil || n != 2 {
		t.Fatalf("Expected 2 applied groups, got %d %v", n, err)
	}
	if it := p.item(t, "W1"); !it.Deleted || it.Version != 2 {
		t.Errorf("Expected deleted item at version 2, got %+v", it)
	}
}

func TestPipeline_EditOfDeletedItemIsBacklogged(t *testing.T) {
	p := newPipeline(t, nil)
	ctx := context.Background()
	testutil.WriteFile(t, p.dropDir, "0001.yaml", "actions:\n  - {kind: delete, item: W1, version: \"1\"}\n")
	p.trip(t)
	if _, err := p.tgt.Migrate(ctx); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}

	testutil.WriteFile(t, p.dropDir, "0002.yaml", "actions:\n  - {kind: edit, item: W1, version: \"2\", data: late}\n")
	p.trip(t)
	n, err := p.tgt.Migrate(ctx)
	if err != nil {
		t.Fatalf("second Migrate failed: %v", err)
	}
	if n != 0 {
		t.Errorf("Expected backlogged instruction to be held, applied %d", n)
	}
	conflicts, err := p.st.Conflicts.List(store.ConflictFilter{SessionID: p.session, SourceID: p.target, Status: domain.ConflictUnresolved})
	if err != nil {
		t.Fatalf("Conflicts.List failed: %v", err)
	}
	if len(conflicts) != 1 || conflicts[0].ItemID != "W1" {
		t.Fatalf("Expected one unresolved conflict on W1, got %+v", conflicts)
	}

	res, err := p.tgtCM.ResolveExistingConflictWithNewRule(conflicts[0].ID, &domain.ResolutionRule{
		Scope:  "W1",
		Action: conflict.ActionSkip,
	})
	if err != nil {
		t.Fatalf("ResolveExistingConflictWithNewRule failed: %v", err)
	}
	if !res.Resolved {
		t.Fatalf("Expected skip rule to resolve the conflict, got %+v", res)
	}

	n, err = p.tgt.Migrate(ctx)
	if err != nil {
		t.Fatalf("third Migrate failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected released instruction to be applied, applied %d", n)
	}
	it := p.item(t, "W1")
	if !it.Deleted || it.Data == "late" {
		t.Errorf("Skipped edit must leave the deleted item untouched, got %+v", it)
	}
}

func TestPipeline_UnmappedTypeNeverReachesTarget(t *testing.T) {
	p := newPipeline(t, map[string]string{"Bug": "Defect"})
	testutil.WriteFile(t, p.dropDir, "0001.yaml", "actions:\n  - {kind: add, item: W1, version: \"1\", type: Bug}\n  - {kind: add, item: W2, version: \"1\", type: Epic}\n")

	p.trip(t)
	if _, err := p.tgt.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	if it := p.item(t, "W1"); it.Type != "Defect" {
		t.Errorf("Expected mapped type Defect, got %q", it.Type)
	}
	if _, err := os.Stat(filepath.Join(p.outDir, "W2.yaml")); !os.IsNotExist(err) {
		t.Errorf("Expected W2 not to be written, stat err %v", err)
	}
}

func TestSource_ForceSync(t *testing.T) {
	p := newPipeline(t, nil)
	testutil.WriteFile(t, p.dropDir, "0001.yaml", "actions:\n  - {kind: add, item: W1, version: \"1\", data: one}\n  - {kind: add, item: W2, version: \"1\"}\n")
	testutil.WriteFile(t, p.dropDir, "0002.yaml", "actions:\n  - {kind: edit, item: W1, version: \"2\", data: two}\n")
	p.trip(t)

	if err := p.engine.RequestForceSync(p.source, "W1", "W9"); err != nil {
		t.Fatalf("RequestForceSync failed: %v", err)
	}
	p.trip(t)

	var forced *store.GroupRow
	for _, g := range p.groups(t, p.source) {
		if g.IsForcedSync {
			forced = g
		}
	}
	if forced == nil {
		t.Fatal("Expected a forced sync delta")
	}
	acts, err := p.st.Groups.LoadActions(forced.ID, 0, 0)
	if err != nil {
		t.Fatalf("LoadActions failed: %v", err)
	}
	if len(acts) != 1 || acts[0].ToPath != "W1" || acts[0].Version != "2" {
		t.Fatalf("Expected a single W1@2 action, got %+v", acts)
	}
	if kind := acts[0].Kind; kind != domain.ActionEdit {
		t.Errorf("Expected forced action to be an edit, got %v", kind)
	}
}
