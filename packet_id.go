package mqterm

import "errors"

var (
	ErrPacketIDExhausted = errors.New("no available packet IDs")
	ErrPacketIDNotFound  = errors.New("packet ID not found")
)

const maxPacketID = 65535

// PacketIDManager hands out packet identifiers cyclically over 1..65535,
// skipping identifiers still in use. It is owned by a single goroutine.
type PacketIDManager struct {
	used  [maxPacketID + 1]bool
	inUse int
	next  uint16
}

// NewPacketIDManager returns an empty pool starting at 1.
func NewPacketIDManager() *PacketIDManager {
	return &PacketIDManager{next: 1}
}

// Allocate reserves the next free identifier.
func (m *PacketIDManager) Allocate() (uint16, error) {
	if m.inUse >= maxPacketID {
		return 0, ErrPacketIDExhausted
	}

	for {
		id := m.next
		m.next++
		if m.next == 0 {
			m.next = 1
		}
		if !m.used[id] {
			m.used[id] = true
			m.inUse++
			return id, nil
		}
	}
}

// Release returns id to the pool.
func (m *PacketIDManager) Release(id uint16) error {
	if id == 0 || !m.used[id] {
		return ErrPacketIDNotFound
	}
	m.used[id] = false
	m.inUse--
	return nil
}

// IsUsed reports whether id is currently allocated.
func (m *PacketIDManager) IsUsed(id uint16) bool {
	return m.used[id]
}

// InUse returns the number of allocated identifiers.
func (m *PacketIDManager) InUse() int {
	return m.inUse
}
