// Package spibus brackets SPI device transactions on a shared bus.
package spibus

import (
	"errors"

	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
)

var (
	ErrNoBus            = errors.New("spibus: no bus")
	ErrReleased         = errors.New("spibus: transaction already released")
	ErrSettingsMismatch = errors.New("spibus: port cannot be reconnected with new settings")
)

// Settings are the bus parameters one device needs for a transaction.
type Settings struct {
	Frequency physic.Frequency
	Mode      spi.Mode
	Bits      int
}

// NewSettings returns mode 0, MSB first, 8 bit settings. Chip select is
// driven by the caller, so the port must not toggle it.
func NewSettings(f physic.Frequency) Settings {
	return Settings{
		Frequency: f,
		Mode:      spi.Mode0 | spi.NoCS,
		Bits:      8,
	}
}

// Bus is a shared SPI bus. BeginTransaction grants exclusive use of the
// bus until the matching EndTransaction.
type Bus interface {
	BeginTransaction(s Settings) (spi.Conn, error)
	EndTransaction()
}

// Guard holds the bus for one transaction. Release must be deferred
// right after a successful Acquire.
type Guard struct {
	bus  Bus
	conn spi.Conn
}

func Acquire(bus Bus, s Settings) (*Guard, error) {
	if bus == nil {
		return nil, ErrNoBus
	}
	conn, err := bus.BeginTransaction(s)
	if err != nil {
		return nil, err
	}
	return &Guard{bus: bus, conn: conn}, nil
}

// Release ends the transaction. Calling it more than once is harmless.
func (g *Guard) Release() {
	if g.bus == nil {
		return
	}
	g.bus.EndTransaction()
	g.bus = nil
	g.conn = nil
}

// Write shifts p out, discarding what comes back.
func (g *Guard) Write(p []byte) error {
	if g.conn == nil {
		return ErrReleased
	}
	return g.conn.Tx(p, nil)
}

// Read clocks len(p) bytes in.
func (g *Guard) Read(p []byte) error {
	if g.conn == nil {
		return ErrReleased
	}
	return g.conn.Tx(nil, p)
}
