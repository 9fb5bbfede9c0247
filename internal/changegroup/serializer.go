package changegroup

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/lherron/tfsync/internal/domain"
)

// MigrationItem is the opaque source-system item an action refers to.
type MigrationItem interface {
	DisplayName() string
}

// Serializer converts migration items to and from their stored form.
// Implementations are registered per action kind.
type Serializer interface {
	SerializeItem(item MigrationItem) (string, error)
	LoadItem(blob string, m *Manager) (MigrationItem, error)
}

// RawItem is an item whose stored form is the item itself.
type RawItem string

func (r RawItem) DisplayName() string { return string(r) }

// RawSerializer stores RawItem values verbatim. It is the default serializer.
type RawSerializer struct{}

func (RawSerializer) SerializeItem(item MigrationItem) (string, error) {
	if item == nil {
		return "", nil
	}
	if raw, ok := item.(RawItem); ok {
		return string(raw), nil
	}
	return "", fmt.Errorf("raw serializer cannot store item of type %T", item)
}

func (RawSerializer) LoadItem(blob string, _ *Manager) (MigrationItem, error) {
	return RawItem(blob), nil
}

// RegisterSerializer binds s to an action kind. Registering a kind twice is
// a contract violation.
func (m *Manager) RegisterSerializer(kind uuid.UUID, s Serializer) error {
	if _, ok := m.serializers[kind]; ok {
		return &domain.ContractError{
			Op:  "register serializer",
			Msg: fmt.Sprintf("action kind %s already has a serializer", domain.ActionName(kind)),
		}
	}
	m.serializers[kind] = s
	return nil
}

// SetDefaultSerializer replaces the serializer used for unregistered kinds.
func (m *Manager) SetDefaultSerializer(s Serializer) {
	m.defaultSerializer = s
}

func (m *Manager) serializerFor(kind uuid.UUID) Serializer {
	if s, ok := m.serializers[kind]; ok {
		return s
	}
	return m.defaultSerializer
}
