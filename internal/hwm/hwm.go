// Package hwm provides typed high-water marks: durable per-source cursors
// that bound which source changes have already been captured.
package hwm

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lherron/tfsync/internal/store"
)

// ErrNotInitialized is returned when a mark is read before Reload.
var ErrNotInitialized = errors.New("high-water mark not initialized")

// Codec converts mark values to and from their stored text.
type Codec[T any] interface {
	Encode(v T) string
	Decode(s string) (T, error)
}

// TimeCodec stores time.Time as RFC 3339 with nanoseconds in UTC.
type TimeCodec struct{}

func (TimeCodec) Encode(v time.Time) string { return v.UTC().Format(time.RFC3339Nano) }

func (TimeCodec) Decode(s string) (time.Time, error) { return time.Parse(time.RFC3339Nano, s) }

// Int64Codec stores row-version style integer marks.
type Int64Codec struct{}

func (Int64Codec) Encode(v int64) string { return strconv.FormatInt(v, 10) }

func (Int64Codec) Decode(s string) (int64, error) { return strconv.ParseInt(s, 10, 64) }

// StringCodec stores the value verbatim.
type StringCodec struct{}

func (StringCodec) Encode(v string) string { return v }

func (StringCodec) Decode(s string) (string, error) { return s, nil }

// Mark is one named high-water mark of a source within a session.
type Mark[T any] struct {
	mu sync.Mutex

	store     *store.HighWaterMarkStore
	sessionID uuid.UUID
	sourceID  uuid.UUID
	name      string
	codec     Codec[T]
	fallback  T

	value       T
	set         bool
	initialized bool
	before      []func(current, next T)
}

// New creates a mark. The value reads as fallback until one is stored.
// Call Reload before reading it.
func New[T any](st *store.Store, sessionID, sourceID uuid.UUID, name string, codec Codec[T], fallback T) (*Mark[T], error) {
	if name == "" {
		return nil, errors.New("high-water mark name must not be empty")
	}
	return &Mark[T]{
		store:     st.HighWaterMarks,
		sessionID: sessionID,
		sourceID:  sourceID,
		name:      name,
		codec:     codec,
		fallback:  fallback,
	}, nil
}

func (m *Mark[T]) Name() string { return m.name }

// Reload reads the stored value.
func (m *Mark[T]) Reload() error {
	raw, ok, err := m.store.Get(m.sessionID, m.sourceID, m.name)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !ok {
		m.value = m.fallback
		m.set = false
		m.initialized = true
		return nil
	}
	v, err := m.codec.Decode(raw)
	if err != nil {
		return fmt.Errorf("failed to decode high-water mark %s: %w", m.name, err)
	}
	m.value = v
	m.set = true
	m.initialized = true
	return nil
}

// Value returns the current value.
func (m *Mark[T]) Value() (T, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		var zero T
		return zero, fmt.Errorf("%s: %w", m.name, ErrNotInitialized)
	}
	return m.value, nil
}

// IsSet reports whether a value has been stored.
func (m *Mark[T]) IsSet() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.set
}

// OnBeforeUpdate registers fn to run with the current and next value before
// each Update is written.
func (m *Mark[T]) OnBeforeUpdate(fn func(current, next T)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.before = append(m.before, fn)
}

// Update stores v. Advance the mark only after the change groups it covers
// have been saved.
func (m *Mark[T]) Update(v T) error {
	m.mu.Lock()
	current := m.value
	listeners := append([]func(current, next T){}, m.before...)
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(current, v)
	}

	encoded := m.codec.Encode(v)
	if err := m.store.Set(m.sessionID, m.sourceID, m.name, &encoded); err != nil {
		return err
	}

	m.mu.Lock()
	m.value = v
	m.set = true
	m.initialized = true
	m.mu.Unlock()
	return nil
}

func (m *Mark[T]) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.set {
		return m.name + "=<unset>"
	}
	return m.name + "=" + m.codec.Encode(m.value)
}
