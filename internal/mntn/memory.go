package mntn

import (
	"sync"

	"github.com/danmuck/cnasreg/internal/protocol"
)

// Memory keeps every record in process. Tests and the admin surface read it.
type Memory struct {
	mu      sync.Mutex
	entries []Entry
	limit   int
}

// NewMemory keeps at most limit entries; zero keeps everything.
func NewMemory(limit int) *Memory {
	return &Memory{limit: limit}
}

func (m *Memory) LogMessage(env protocol.Envelope, msg protocol.Message) {
	m.add(messageEntry(env, msg))
}

func (m *Memory) LogUnhandled(rec UnhandledRecord) {
	m.add(unhandledEntry(rec))
}

func (m *Memory) LogFault(rec FaultRecord) {
	m.add(faultEntry(rec))
}

func (m *Memory) add(e Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	if m.limit > 0 && len(m.entries) > m.limit {
		m.entries = append(m.entries[:0:0], m.entries[len(m.entries)-m.limit:]...)
	}
}

func (m *Memory) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries...)
}

// Kind returns entries of one kind in record order.
func (m *Memory) Kind(kind Kind) []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Entry
	for _, e := range m.entries {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func (m *Memory) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = nil
}
