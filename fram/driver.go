package fram

import (
	"fmt"

	"github.com/rstms/framfs/fat"
)

// Driver is the fat.BlockDriver for every slot of a Registry. Drive
// numbers are registry slots.
type Driver struct {
	reg *Registry
}

var _ fat.BlockDriver = (*Driver)(nil)

// Initialize marks the device ready. Only the not-initialized flag is
// cleared; the chip is not probed.
func (dr *Driver) Initialize(drive uint8) fat.Status {
	d := dr.reg.Lookup(drive)
	if d == nil {
		return fat.StatusNoInit
	}
	return d.setStatus(0, fat.StatusNoInit)
}

func (dr *Driver) Status(drive uint8) fat.Status {
	d := dr.reg.Lookup(drive)
	if d == nil {
		return fat.StatusNoInit
	}
	return d.Status()
}

func (dr *Driver) ready(drive uint8) (*Device, error) {
	d := dr.reg.Lookup(drive)
	if d == nil {
		return nil, fmt.Errorf("%w: drive %d is not bound", ErrNotReady, drive)
	}
	if d.Status()&fat.StatusNoInit != 0 {
		return nil, fmt.Errorf("%w: drive %d is not initialized", ErrNotReady, drive)
	}
	return d, nil
}

func (dr *Driver) ReadSectors(drive uint8, buf []byte, sector uint32, count int) error {
	d, err := dr.ready(drive)
	if err != nil {
		return err
	}
	off, n, err := d.span(sector, count)
	if err != nil {
		return err
	}
	if len(buf) < n {
		return fmt.Errorf("%w: buffer of %d bytes for %d sectors", fat.ErrParameter, len(buf), count)
	}
	return d.readAt(buf[:n], off)
}

func (dr *Driver) WriteSectors(drive uint8, buf []byte, sector uint32, count int) error {
	d, err := dr.ready(drive)
	if err != nil {
		return err
	}
	if d.Status()&fat.StatusProtect != 0 {
		return ErrWriteProtected
	}
	off, n, err := d.span(sector, count)
	if err != nil {
		return err
	}
	if len(buf) < n {
		return fmt.Errorf("%w: buffer of %d bytes for %d sectors", fat.ErrParameter, len(buf), count)
	}
	return d.writeAt(buf[:n], off)
}

// Ioctl answers geometry queries. FRAM has no write cache and no erase
// blocks, so sync is a no-op and the block size is one sector.
func (dr *Driver) Ioctl(drive uint8, cmd fat.IoctlCommand) (uint32, error) {
	d := dr.reg.Lookup(drive)
	if d == nil {
		return 0, fmt.Errorf("%w: drive %d is not bound", ErrNotReady, drive)
	}
	if d.Status()&fat.StatusNoInit != 0 {
		return 0, fmt.Errorf("%w: drive %d is not initialized", ErrNotReady, drive)
	}
	switch cmd {
	case fat.CtrlSync:
		return 0, nil
	case fat.GetSectorCount:
		return d.Sectors(), nil
	case fat.GetSectorSize:
		return SectorSize, nil
	case fat.GetBlockSize:
		return 1, nil
	}
	return 0, fmt.Errorf("%w: %s", fat.ErrParameter, cmd)
}
