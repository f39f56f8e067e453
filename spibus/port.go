package spibus

import (
	"fmt"
	"sync"
	"sync/atomic"

	"periph.io/x/conn/v3/spi"
)

// PortBus adapts a periph spi.Port to Bus. The port is connected on the
// first transaction. A transaction asking for other settings reconnects
// the port; the bus is idle then since transactions hold the lock.
type PortBus struct {
	mu       sync.Mutex
	port     spi.Port
	conn     spi.Conn
	settings Settings
	count    atomic.Int64
}

var _ Bus = (*PortBus)(nil)

func NewPortBus(port spi.Port) *PortBus {
	return &PortBus{port: port}
}

func (b *PortBus) BeginTransaction(s Settings) (spi.Conn, error) {
	b.mu.Lock()
	if b.conn == nil || s != b.settings {
		conn, err := b.port.Connect(s.Frequency, s.Mode, s.Bits)
		if err != nil {
			b.mu.Unlock()
			if b.conn != nil {
				return nil, fmt.Errorf("%w: %v to %v: %w", ErrSettingsMismatch, b.settings.Frequency, s.Frequency, err)
			}
			return nil, err
		}
		b.conn = conn
		b.settings = s
	}
	b.count.Add(1)
	return b.conn, nil
}

// Settings returns the settings the port is connected with, if any.
func (b *PortBus) Settings() (Settings, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.settings, b.conn != nil
}

func (b *PortBus) EndTransaction() {
	b.mu.Unlock()
}

// Transactions returns the number of transactions begun so far.
func (b *PortBus) Transactions() int64 {
	return b.count.Load()
}

func (b *PortBus) String() string {
	return b.port.String()
}
