package fram

import (
	"fmt"
	"sync"

	"github.com/rstms/framfs/fat"
)

// Registry owns the devices bound to the drive slots of one fat.System.
type Registry struct {
	mu      sync.Mutex
	fs      *fat.System
	devices [fat.MaxVolumes]*Device
	driver  *Driver
}

func NewRegistry(fs *fat.System) *Registry {
	r := &Registry{fs: fs}
	r.driver = &Driver{reg: r}
	return r
}

func (r *Registry) System() *fat.System {
	return r.fs
}

// Driver returns the block driver serving every slot of r.
func (r *Registry) Driver() *Driver {
	return r.driver
}

// AcquireSlot returns the first slot that is free both here and in the
// filesystem driver table, or NoDrive.
func (r *Registry) AcquireSlot() uint8 {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, d := range r.devices {
		if d == nil && r.fs.Driver(uint8(i)) == nil {
			return uint8(i)
		}
	}
	return NoDrive
}

// Bind gives slot ownership of d. The slot must be free.
func (r *Registry) Bind(slot uint8, d *Device) error {
	if slot >= fat.MaxVolumes {
		return fat.ErrInvalidDrive
	}
	if d == nil {
		return fmt.Errorf("%w: nil device", fat.ErrParameter)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.devices[slot] != nil {
		return fmt.Errorf("%w: slot %d is in use", fat.ErrExist, slot)
	}
	r.devices[slot] = d
	return nil
}

// Lookup returns the device bound to slot, or nil.
func (r *Registry) Lookup(slot uint8) *Device {
	if slot >= fat.MaxVolumes {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.devices[slot]
}

// Len is the number of bound slots.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, d := range r.devices {
		if d != nil {
			n++
		}
	}
	return n
}

// Release unregisters the slot's driver and mount point from the
// filesystem and drops the device. Releasing a free slot does nothing.
func (r *Registry) Release(slot uint8) error {
	d := r.Lookup(slot)
	if d == nil {
		return nil
	}
	if err := r.fs.RegisterDriver(slot, nil); err != nil {
		return err
	}
	if path := d.Path(); path != "" {
		if mp := r.fs.MountPoint(path); mp != nil && mp.Drive == slot {
			if err := r.fs.UnregisterVFS(path); err != nil {
				return err
			}
		}
		d.setPath("")
	}
	r.mu.Lock()
	r.devices[slot] = nil
	r.mu.Unlock()
	return nil
}
