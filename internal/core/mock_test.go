package core

import (
	"context"
	"errors"
	"sync"
)

// MockTransport implements Transport over an in-memory tag for testing
type MockTransport struct {
	mu          sync.Mutex
	blocks      map[Address]Block
	uid         []byte
	reads       []Address
	writes      []WriteOp
	failReadAt  map[Address]error
	failWriteAt map[Address]error
	shortReadAt map[Address]int
	onWrite     func(addr Address)
}

// NewMockTransport creates a mock tag of the given profile with every EEPROM byte set to fill
// and an unlocked System Block
func NewMockTransport(profile TagProfile, fill byte) *MockTransport {
	m := &MockTransport{
		blocks:      make(map[Address]Block),
		uid:         []byte{0xD0, 0x02, 0x33, 0x0F, 0x18, 0x23, 0x1A, 0x6C},
		failReadAt:  make(map[Address]error),
		failWriteAt: make(map[Address]error),
		shortReadAt: make(map[Address]int),
	}
	for i := 0; i < profile.BlockCount; i++ {
		m.blocks[Address(i)] = Block{fill, fill, fill, fill}
	}
	m.blocks[SystemBlockAddress] = Block{0x1F, 0xFF, 0xFF, 0xFF}
	return m
}

// WithImage loads the content of img onto the mock tag
func (m *MockTransport) WithImage(img *Image) *MockTransport {
	for i := 0; i < img.Len(); i++ {
		m.blocks[Address(i)] = img.Block(Address(i))
	}
	return m
}

// WithWord sets one block to a big-endian word
func (m *MockTransport) WithWord(addr Address, w uint32) *MockTransport {
	m.blocks[addr] = BlockFromWord(w)
	return m
}

// WithUID sets the raw GET_UID response
func (m *MockTransport) WithUID(raw []byte) *MockTransport {
	m.uid = raw
	return m
}

// WithReadError makes reads of addr fail
func (m *MockTransport) WithReadError(addr Address, err error) *MockTransport {
	m.failReadAt[addr] = err
	return m
}

// WithWriteError makes writes to addr fail
func (m *MockTransport) WithWriteError(addr Address, err error) *MockTransport {
	m.failWriteAt[addr] = err
	return m
}

// WithShortRead makes reads of addr return only n bytes
func (m *MockTransport) WithShortRead(addr Address, n int) *MockTransport {
	m.shortReadAt[addr] = n
	return m
}

func (m *MockTransport) ReadBlock(ctx context.Context, addr Address) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.reads = append(m.reads, addr)
	if err, ok := m.failReadAt[addr]; ok {
		return nil, err
	}
	b, ok := m.blocks[addr]
	if !ok {
		return nil, errors.New("no such block")
	}
	if n, ok := m.shortReadAt[addr]; ok {
		return append([]byte(nil), b[:n]...), nil
	}
	return append([]byte(nil), b[:]...), nil
}

func (m *MockTransport) WriteBlock(ctx context.Context, addr Address, data Block) error {
	m.mu.Lock()
	if err, ok := m.failWriteAt[addr]; ok {
		m.mu.Unlock()
		return err
	}
	m.writes = append(m.writes, WriteOp{Address: addr, Old: m.blocks[addr].Word(), New: data.Word()})
	m.blocks[addr] = data
	hook := m.onWrite
	m.mu.Unlock()

	if hook != nil {
		hook(addr)
	}
	return nil
}

func (m *MockTransport) ReadUID(ctx context.Context) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.uid == nil {
		return nil, errors.New("no tag in field")
	}
	return append([]byte(nil), m.uid...), nil
}

// Helper methods for assertions in tests
func (m *MockTransport) Writes() []WriteOp {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]WriteOp(nil), m.writes...)
}

func (m *MockTransport) WrittenAddresses() []Address {
	var out []Address
	for _, w := range m.Writes() {
		out = append(out, w.Address)
	}
	return out
}

func (m *MockTransport) Word(addr Address) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blocks[addr].Word()
}

// ScriptedConfirmer answers prompts from a fixed script and records what was asked
type ScriptedConfirmer struct {
	answers []bool
	asked   []string
	err     error
}

func NewScriptedConfirmer(answers ...bool) *ScriptedConfirmer {
	return &ScriptedConfirmer{answers: answers}
}

func (c *ScriptedConfirmer) Confirm(ctx context.Context, prompt string) (bool, error) {
	c.asked = append(c.asked, prompt)
	if c.err != nil {
		return false, c.err
	}
	if len(c.answers) == 0 {
		return false, errors.New("unexpected prompt: " + prompt)
	}
	answer := c.answers[0]
	c.answers = c.answers[1:]
	return answer, nil
}

// Asked returns the prompts in the order they were asked
func (c *ScriptedConfirmer) Asked() []string {
	return c.asked
}
