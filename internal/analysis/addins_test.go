package analysis

import (
	"context"
	"errors"
	"testing"

	"github.com/lherron/tfsync/internal/changegroup"
	"github.com/lherron/tfsync/internal/domain"
	"github.com/lherron/tfsync/internal/store"
)

type recordingAddin struct {
	name    string
	calls   []string
	failOn  string
	proceed bool
	saved   []string
}

func (a *recordingAddin) Name() string { return a.name }

func (a *recordingAddin) hook(name string) error {
	a.calls = append(a.calls, name)
	if a.failOn == name {
		return errors.New(a.name + " failed")
	}
	return nil
}

func (a *recordingAddin) PreAnalysis(*AddinContext) error { return a.hook("pre") }

func (a *recordingAddin) ProceedToAnalysis(*AddinContext) (bool, error) {
	return a.proceed, a.hook("proceed")
}

func (a *recordingAddin) PostDeltaComputation(*AddinContext) error { return a.hook("post_delta") }

func (a *recordingAddin) PostAnalysis(*AddinContext) error { return a.hook("post") }

func (a *recordingAddin) PreChangeGroupSaved(_ *AddinContext, g *changegroup.Group) error {
	a.saved = append(a.saved, g.Name())
	return a.hook("saving")
}

func TestAddins_FailureIsIsolated(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	bad := &recordingAddin{name: "bad", failOn: "pre", proceed: true}
	good := &recordingAddin{name: "good", proceed: true}
	h.engine.AddAddin(bad)
	h.engine.AddAddin(good)

	h.engine.InvokePreAnalysisAddins(h.source)

	if len(good.calls) != 1 || good.calls[0] != "pre" {
		t.Errorf("Expected good addin to run, got %v", good.calls)
	}
	open, _ := h.st.Conflicts.List(store.ConflictFilter{SessionID: h.session, SourceID: h.source, Status: domain.ConflictUnresolved})
	if len(open) != 1 {
		t.Fatalf("Expected one conflict for the failing addin, got %d", len(open))
	}
	want := (&domain.AddinError{Addin: "bad", Hook: "PreAnalysis", Err: errors.New("bad failed")}).Error()
	if open[0].Details != want {
		t.Errorf("Expected details %q, got %q", want, open[0].Details)
	}
}

func TestAddins_ProceedVeto(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	veto := &recordingAddin{name: "veto", proceed: false}
	h.engine.AddAddin(veto)
	h.srcP.pending = []fakeDelta{{name: "c1", order: 1, actions: []changegroup.ActionParams{edit("W1", "1", "")}}}

	if err := h.engine.RunTrip(context.Background(), h.source, h.target, false); err != nil {
		t.Fatalf("RunTrip failed: %v", err)
	}
	if h.srcP.genRuns != 0 {
		t.Error("Vetoed pass must not generate deltas")
	}
	if len(veto.calls) != 2 || veto.calls[1] != "proceed" {
		t.Errorf("Expected pre then proceed, got %v", veto.calls)
	}
}

func TestAddins_FailingProceedDoesNotVeto(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	h.engine.AddAddin(&recordingAddin{name: "flaky", failOn: "proceed", proceed: false})
	if !h.engine.InvokeProceedToAnalysisOnAnalysisAddins(h.source) {
		t.Error("A failing addin must not veto the pass")
	}
}

func TestAddins_HooksRunInOrder(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	a := &recordingAddin{name: "a", proceed: true}
	h.engine.AddAddin(a)
	if err := h.engine.RunTrip(context.Background(), h.source, h.target, false); err != nil {
		t.Fatalf("RunTrip failed: %v", err)
	}
	want := []string{"pre", "proceed", "post_delta", "post_delta", "post"}
	if len(a.calls) != len(want) {
		t.Fatalf("Expected %v, got %v", want, a.calls)
	}
	for i := range want {
		if a.calls[i] != want[i] {
			t.Errorf("Call %d: expected %s, got %s", i, want[i], a.calls[i])
		}
	}
}

func TestAddins_PreChangeGroupSavedOnSessionSourceOnly(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	a := &recordingAddin{name: "a", proceed: true}
	h.engine.AddAddin(a)
	if err := h.engine.SetSessionSource(h.source); err != nil {
		t.Fatalf("SetSessionSource failed: %v", err)
	}
	h.srcP.pending = []fakeDelta{{name: "s1", order: 1, actions: []changegroup.ActionParams{edit("W1", "1", "")}}}
	h.tgtP.pending = []fakeDelta{{name: "t1", order: 1, actions: []changegroup.ActionParams{edit("T9", "1", "")}}}

	if err := h.engine.RunTrip(context.Background(), h.source, h.target, false); err != nil {
		t.Fatalf("RunTrip failed: %v", err)
	}
	if len(a.saved) != 1 || a.saved[0] != "s1" {
		t.Errorf("Expected only the source delta to pass the saving hook, got %v", a.saved)
	}
}
