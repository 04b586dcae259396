package surface

import (
	"context"
	"sync"

	"github.com/jqknono/general-settings-ui/internal/protocol"
)

// Memory is an in-process surface. Edit simulates a change made by another
// editor; Write is what the owner calls.
type Memory struct {
	*feed
	name string

	mu       sync.Mutex
	text     string
	version  int64
	readOnly bool
}

func NewMemory(name, text string) *Memory {
	return &Memory{feed: newFeed("mem:" + name), name: name, text: text}
}

func (m *Memory) Source() protocol.Source {
	return protocol.Source{URI: "mem:" + m.name, IsUntitled: true}
}

func (m *Memory) Read(context.Context) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.isClosed() {
		return Snapshot{}, ErrClosed
	}
	return Snapshot{Text: m.text, Version: m.version}, nil
}

func (m *Memory) Write(_ context.Context, text string) (int64, error) {
	m.mu.Lock()
	if m.isClosed() {
		m.mu.Unlock()
		return 0, ErrClosed
	}
	if m.readOnly {
		m.mu.Unlock()
		return 0, ErrReadOnly
	}
	v := m.set(text)
	m.mu.Unlock()
	m.emit(text, v)
	return v, nil
}

// Edit replaces the text as an outside editor would.
func (m *Memory) Edit(text string) int64 {
	m.mu.Lock()
	v := m.set(text)
	m.mu.Unlock()
	m.emit(text, v)
	return v
}

func (m *Memory) set(text string) int64 {
	m.text = text
	m.version++
	return m.version
}

func (m *Memory) SetReadOnly(ro bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readOnly = ro
}

func (m *Memory) Close() error {
	m.close()
	return nil
}
