package analysis

import (
	"github.com/google/uuid"
	"github.com/lherron/tfsync/internal/changegroup"
	"github.com/lherron/tfsync/internal/domain"
)

// Addin extends an analysis pass. It implements any of the hook interfaces
// below.
type Addin interface {
	Name() string
}

// AddinContext is passed to every hook.
type AddinContext struct {
	SourceID uuid.UUID
	Services *Services
}

type PreAnalysisAddin interface {
	PreAnalysis(ac *AddinContext) error
}

// ProceedToAnalysisAddin can veto the pass for a source by returning false.
type ProceedToAnalysisAddin interface {
	ProceedToAnalysis(ac *AddinContext) (bool, error)
}

type PostDeltaComputationAddin interface {
	PostDeltaComputation(ac *AddinContext) error
}

type PostAnalysisAddin interface {
	PostAnalysis(ac *AddinContext) error
}

// ChangeGroupSavingAddin runs before each change group of the session
// source is saved.
type ChangeGroupSavingAddin interface {
	PreChangeGroupSaved(ac *AddinContext, g *changegroup.Group) error
}

func (e *Engine) addinContext(sourceID uuid.UUID) *AddinContext {
	ac := &AddinContext{SourceID: sourceID}
	if s, ok := e.sides[sourceID]; ok {
		ac.Services = s.services
	}
	return ac
}

// addinFailed routes an addin error to the error manager of sourceID.
func (e *Engine) addinFailed(a Addin, hook string, sourceID uuid.UUID, err error) {
	wrapped := &domain.AddinError{Addin: a.Name(), Hook: hook, Err: err}
	e.handleError(wrapped, sourceID)
}

// InvokePreAnalysisAddins runs PreAnalysis on every addin.
func (e *Engine) InvokePreAnalysisAddins(sourceID uuid.UUID) {
	ac := e.addinContext(sourceID)
	for _, a := range e.addins {
		if h, ok := a.(PreAnalysisAddin); ok {
			if err := h.PreAnalysis(ac); err != nil {
				e.addinFailed(a, "PreAnalysis", sourceID, err)
			}
		}
	}
}

// InvokeProceedToAnalysisOnAnalysisAddins reports false when any addin
// vetoes the pass. A failing addin does not veto.
func (e *Engine) InvokeProceedToAnalysisOnAnalysisAddins(sourceID uuid.UUID) bool {
	ac := e.addinContext(sourceID)
	proceed := true
	for _, a := range e.addins {
		h, ok := a.(ProceedToAnalysisAddin)
		if !ok {
			continue
		}
		yes, err := h.ProceedToAnalysis(ac)
		if err != nil {
			e.addinFailed(a, "ProceedToAnalysis", sourceID, err)
			continue
		}
		if !yes {
			e.logger.Info("addin declined analysis", "addin", a.Name(), "source_id", sourceID)
			proceed = false
		}
	}
	return proceed
}

// InvokePostDeltaComputationAddins runs after delta generation.
func (e *Engine) InvokePostDeltaComputationAddins(sourceID uuid.UUID) {
	ac := e.addinContext(sourceID)
	for _, a := range e.addins {
		if h, ok := a.(PostDeltaComputationAddin); ok {
			if err := h.PostDeltaComputation(ac); err != nil {
				e.addinFailed(a, "PostDeltaComputation", sourceID, err)
			}
		}
	}
}

// InvokePostAnalysisAddins runs after instruction generation.
func (e *Engine) InvokePostAnalysisAddins(sourceID uuid.UUID) {
	ac := e.addinContext(sourceID)
	for _, a := range e.addins {
		if h, ok := a.(PostAnalysisAddin); ok {
			if err := h.PostAnalysis(ac); err != nil {
				e.addinFailed(a, "PostAnalysis", sourceID, err)
			}
		}
	}
}

// saveHook adapts the saving addins to a change group save interceptor.
type saveHook struct {
	e        *Engine
	sourceID uuid.UUID
}

func (h saveHook) BeforeSave(g *changegroup.Group) {
	ac := h.e.addinContext(h.sourceID)
	for _, a := range h.e.addins {
		if s, ok := a.(ChangeGroupSavingAddin); ok {
			if err := s.PreChangeGroupSaved(ac, g); err != nil {
				h.e.addinFailed(a, "PreChangeGroupSaved", h.sourceID, err)
			}
		}
	}
}

func (saveHook) AfterSave(*changegroup.Group) {}
