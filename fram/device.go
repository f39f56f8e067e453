// Package fram exposes serial FRAM chips on an SPI bus as FAT block
// devices: the block driver, the drive registry and the mount manager.
package fram

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rstms/framfs/fat"
	"github.com/rstms/framfs/spibus"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
)

// FRAM command set (MB85RS family).
const (
	opWRITE = 0x02
	opREAD  = 0x03
	opWRDI  = 0x04
	opWREN  = 0x06
	opRDID  = 0x9F
)

const (
	SectorSize = fat.SectorSize

	// MaxCapacityKB is the largest chip a 3 byte address reaches.
	MaxCapacityKB = 1 << 24 / 1024

	// NoDrive means no drive slot.
	NoDrive uint8 = 0xFF
)

var (
	ErrConfiguration   = errors.New("fram: configuration error")
	ErrNoSlotAvailable = fmt.Errorf("%w: no drive slot available", ErrConfiguration)
	ErrInvalidCapacity = fmt.Errorf("%w: invalid capacity", ErrConfiguration)
	ErrOutOfRange      = fmt.Errorf("%w: sector range exceeds device capacity", fat.ErrDisk)
	ErrFormat          = errors.New("fram: format failed")

	ErrNotReady       = fat.ErrNotReady
	ErrWriteProtected = fat.ErrWriteProtected
	ErrNoFilesystem   = fat.ErrNoFilesystem
)

// SelectLine is the chip select output of a device. A periph gpio.PinOut
// satisfies it.
type SelectLine interface {
	Out(l gpio.Level) error
}

// link is the select line and bus a chip is reached through.
type link struct {
	sel      SelectLine
	bus      spibus.Bus
	settings spibus.Settings
}

func newLink(sel SelectLine, bus spibus.Bus, freq physic.Frequency) (*link, error) {
	if sel == nil {
		return nil, fmt.Errorf("%w: no select line", ErrConfiguration)
	}
	if bus == nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, spibus.ErrNoBus)
	}
	if freq <= 0 {
		return nil, fmt.Errorf("%w: frequency %s", ErrConfiguration, freq)
	}
	return &link{sel: sel, bus: bus, settings: spibus.NewSettings(freq)}, nil
}

// transact runs fn while holding the bus.
func (l *link) transact(fn func(g *spibus.Guard) error) error {
	g, err := spibus.Acquire(l.bus, l.settings)
	if err != nil {
		return fmt.Errorf("%w: %w", fat.ErrNotReady, err)
	}
	defer g.Release()
	if err := fn(g); err != nil {
		return fmt.Errorf("%w: %w", fat.ErrDisk, err)
	}
	return nil
}

// selected runs fn inside one chip select assertion.
func (l *link) selected(fn func() error) (err error) {
	if err := l.sel.Out(gpio.Low); err != nil {
		return err
	}
	defer func() {
		if e := l.sel.Out(gpio.High); err == nil {
			err = e
		}
	}()
	return fn()
}

func (l *link) command(g *spibus.Guard, op byte) error {
	return l.selected(func() error {
		return g.Write([]byte{op})
	})
}

func frame(op byte, addr uint32) []byte {
	return []byte{op, byte(addr >> 16), byte(addr >> 8), byte(addr)}
}

func (l *link) readAt(buf []byte, addr uint32) error {
	return l.transact(func(g *spibus.Guard) error {
		return l.selected(func() error {
			if err := g.Write(frame(opREAD, addr)); err != nil {
				return err
			}
			return g.Read(buf)
		})
	})
}

// writeAt stores buf at addr. Write enable, the write frame with its
// payload and write disable each get their own select pulse, all under
// one bus transaction.
func (l *link) writeAt(buf []byte, addr uint32) error {
	return l.transact(func(g *spibus.Guard) error {
		if err := l.command(g, opWREN); err != nil {
			return err
		}
		err := l.selected(func() error {
			if err := g.Write(frame(opWRITE, addr)); err != nil {
				return err
			}
			return g.Write(buf)
		})
		if err != nil {
			return err
		}
		return l.command(g, opWRDI)
	})
}

func (l *link) readID() (ID, error) {
	var id ID
	err := l.transact(func(g *spibus.Guard) error {
		return l.selected(func() error {
			if err := g.Write([]byte{opRDID}); err != nil {
				return err
			}
			return g.Read(id[:])
		})
	})
	return id, err
}

// Device is one FRAM chip bound to a drive slot.
type Device struct {
	*link
	mu       sync.Mutex
	status   fat.Status
	sectors  uint32
	capacity uint32
	path     string
}

// NewDevice describes a chip of capacityKB kilobytes. The device starts
// uninitialized.
func NewDevice(sel SelectLine, bus spibus.Bus, freq physic.Frequency, capacityKB int) (*Device, error) {
	if capacityKB <= 0 || capacityKB > MaxCapacityKB {
		return nil, fmt.Errorf("%w: %d KB", ErrInvalidCapacity, capacityKB)
	}
	l, err := newLink(sel, bus, freq)
	if err != nil {
		return nil, err
	}
	capacity := uint32(capacityKB) * 1024
	return &Device{
		link:     l,
		status:   fat.StatusNoInit,
		sectors:  capacity / SectorSize,
		capacity: capacity,
	}, nil
}

func (d *Device) Status() fat.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

func (d *Device) setStatus(set, unset fat.Status) fat.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status = d.status&^unset | set
	return d.status
}

// SetWriteProtect sets or clears the write protect flag.
func (d *Device) SetWriteProtect(on bool) {
	if on {
		d.setStatus(fat.StatusProtect, 0)
		return
	}
	d.setStatus(0, fat.StatusProtect)
}

func (d *Device) Sectors() uint32 {
	return d.sectors
}

// Capacity is the declared size in bytes.
func (d *Device) Capacity() uint32 {
	return d.capacity
}

func (d *Device) Frequency() physic.Frequency {
	return d.settings.Frequency
}

// Path is the mount point this device is exposed under, if any.
func (d *Device) Path() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.path
}

func (d *Device) setPath(p string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.path = p
}

// span converts a sector range to a byte offset and length, refusing
// ranges past the end of the chip.
func (d *Device) span(sector uint32, count int) (uint32, int, error) {
	if count <= 0 {
		return 0, 0, fmt.Errorf("%w: sector count %d", fat.ErrParameter, count)
	}
	off := uint64(sector) * SectorSize
	n := uint64(count) * SectorSize
	if off+n > uint64(d.capacity) {
		return 0, 0, fmt.Errorf("%w: sectors %d+%d of %d", ErrOutOfRange, sector, count, d.sectors)
	}
	return uint32(off), int(n), nil
}
