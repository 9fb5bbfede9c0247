// Package errormgr routes unexpected errors raised during analysis and
// migration to a policy: report them as conflicts, stop the session, or
// ignore them.
package errormgr

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/lherron/tfsync/internal/conflict"
	"github.com/lherron/tfsync/internal/domain"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// Action is what a policy does with a matching error.
type Action string

const (
	ActionReport Action = "report"
	ActionStop   Action = "stop"
	ActionIgnore Action = "ignore"
)

// Policy matches errors by message substring and/or kind. An empty policy
// matches every error.
type Policy struct {
	Match string `yaml:"match,omitempty" json:"match,omitempty"`
	Kind  string `yaml:"kind,omitempty" json:"kind,omitempty"`
	// Action defaults to report.
	Action Action `yaml:"action,omitempty" json:"action,omitempty"`
	// MaxOccurrences escalates the policy to stop once exceeded. Zero is unlimited.
	MaxOccurrences int `yaml:"max_occurrences,omitempty" json:"max_occurrences,omitempty"`
}

const policySchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "array",
  "items": {
    "type": "object",
    "additionalProperties": false,
    "properties": {
      "match": {"type": "string"},
      "kind": {"enum": ["addin", "migration", "contract", "locked_field", "not_found", "other"]},
      "action": {"enum": ["report", "stop", "ignore"]},
      "max_occurrences": {"type": "integer", "minimum": 0}
    }
  }
}`

var compiledPolicySchema = func() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(policySchema))
	if err != nil {
		panic(err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("policies.json", doc); err != nil {
		panic(err)
	}
	return c.MustCompile("policies.json")
}()

// ValidatePolicies checks policies against the policy schema.
func ValidatePolicies(ps []Policy) error {
	if ps == nil {
		ps = []Policy{}
	}
	raw, err := json.Marshal(ps)
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return err
	}
	if err := compiledPolicySchema.Validate(inst); err != nil {
		return fmt.Errorf("invalid error policies: %w", err)
	}
	return nil
}

// ParsePolicies decodes and validates a YAML list of policies.
func ParsePolicies(data []byte) ([]Policy, error) {
	var ps []Policy
	if err := yaml.Unmarshal(data, &ps); err != nil {
		return nil, fmt.Errorf("failed to parse error policies: %w", err)
	}
	if err := ValidatePolicies(ps); err != nil {
		return nil, err
	}
	return ps, nil
}

// Kind classifies err for policy matching.
func Kind(err error) string {
	var (
		addin  *domain.AddinError
		mig    *domain.MigrationError
		ce     *domain.ContractError
		locked *domain.LockedFieldError
	)
	switch {
	case errors.As(err, &addin):
		return "addin"
	case errors.As(err, &mig):
		return "migration"
	case errors.As(err, &ce):
		return "contract"
	case errors.As(err, &locked):
		return "locked_field"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	}
	return "other"
}

func (p Policy) matches(err error) bool {
	if p.Kind != "" && p.Kind != Kind(err) {
		return false
	}
	if p.Match != "" && !strings.Contains(err.Error(), p.Match) {
		return false
	}
	return true
}

// Deps are the optional collaborators of a Manager.
type Deps struct {
	Logger *log.Logger
	// OnStop is called when an error is routed to stop.
	OnStop func(err error)
}

// Manager routes errors through policies. It is shared by every source of
// a session and serializes handling.
type Manager struct {
	mu       sync.Mutex
	policies []Policy
	counts   []int
	logger   *log.Logger
	onStop   func(err error)
}

// New validates policies and creates a Manager. Errors matching no policy
// are reported.
func New(policies []Policy, deps Deps) (*Manager, error) {
	if err := ValidatePolicies(policies); err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.Default()
	}
	ps := make([]Policy, len(policies))
	copy(ps, policies)
	return &Manager{
		policies: ps,
		counts:   make([]int, len(ps)),
		logger:   logger,
		onStop:   deps.OnStop,
	}, nil
}

// SetStopFunc replaces the stop callback.
func (m *Manager) SetStopFunc(fn func(err error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStop = fn
}

func (m *Manager) route(err error) Action {
	for i, p := range m.policies {
		if !p.matches(err) {
			continue
		}
		m.counts[i]++
		action := p.Action
		if action == "" {
			action = ActionReport
		}
		if p.MaxOccurrences > 0 && m.counts[i] > p.MaxOccurrences {
			return ActionStop
		}
		return action
	}
	return ActionReport
}

// TryHandleException routes err. Reported errors become generic conflicts
// of cm. It returns false when the error stopped the session or could not
// be recorded.
func (m *Manager) TryHandleException(err error, cm *conflict.Manager) bool {
	if err == nil {
		return true
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.route(err) {
	case ActionIgnore:
		m.logger.Debug("error ignored by policy", "err", err)
		return true
	case ActionStop:
		m.logger.Error("error stopped session", "err", err)
		if m.onStop != nil {
			m.onStop(err)
		}
		return false
	}

	if cm == nil {
		m.logger.Error("error could not be reported", "err", err)
		return false
	}
	c := conflict.NewGenericConflict(err)
	res, cerr := cm.TryResolveNewConflict(c)
	if cerr != nil {
		m.logger.Error("failed to record error conflict", "err", err, "conflict_err", cerr)
		return false
	}
	if res.Resolved {
		m.logger.Warn("error resolved by rule", "err", err, "resolution", res.ResolutionType)
	} else {
		m.logger.Error("error reported", "err", err, "conflict_id", c.Record.ID)
	}
	return true
}
