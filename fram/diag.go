package fram

import (
	"bytes"
	"fmt"

	"github.com/rstms/framfs/spibus"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
)

// Unformat overwrites the first sector of the chip with 0xFF so no boot
// sector is found on the next mount. It works on any chip, bound to a
// slot or not.
func Unformat(sel SelectLine, bus spibus.Bus, freq physic.Frequency) error {
	l, err := newLink(sel, bus, freq)
	if err != nil {
		return err
	}
	if err := sel.Out(gpio.High); err != nil {
		return fmt.Errorf("%w: select line: %w", ErrNotReady, err)
	}
	return l.writeAt(bytes.Repeat([]byte{0xFF}, SectorSize), 0)
}

// ID is the RDID response: manufacturer, continuation code and a two byte
// product id.
type ID [4]byte

func (id ID) Manufacturer() byte {
	return id[0]
}

func (id ID) Product() uint16 {
	return uint16(id[2])<<8 | uint16(id[3])
}

// DensityKB decodes the density field of a Fujitsu product id: code n is
// 2^(n+3) Kbit. Unknown codes give 0.
func (id ID) DensityKB() int {
	d := id[2] & 0x1F
	if d == 0 || d > 14 {
		return 0
	}
	return 1 << d
}

func (id ID) String() string {
	return fmt.Sprintf("%02X-%02X-%04X", id[0], id[1], id.Product())
}

// ReadID returns the chip's manufacturer and product identifier.
func ReadID(sel SelectLine, bus spibus.Bus, freq physic.Frequency) (ID, error) {
	l, err := newLink(sel, bus, freq)
	if err != nil {
		return ID{}, err
	}
	if err := sel.Out(gpio.High); err != nil {
		return ID{}, fmt.Errorf("%w: select line: %w", ErrNotReady, err)
	}
	return l.readID()
}
