package fram

import (
	"errors"
	"fmt"

	"github.com/rstms/framfs/fat"
	"github.com/rstms/framfs/spibus"
	log "github.com/sirupsen/logrus"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
)

// State is the lifecycle position of a drive slot.
type State int

const (
	Unbound State = iota
	Initialized
	Mounted
)

func (s State) String() string {
	switch s {
	case Unbound:
		return "unbound"
	case Initialized:
		return "initialized"
	case Mounted:
		return "mounted"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Manager binds FRAM devices to drive slots and attaches them to the
// filesystem, formatting when asked.
type Manager struct {
	reg    *Registry
	fs     *fat.System
	log    *log.Entry
	format fat.FormatOptions
}

type Option func(*Manager)

func WithLogger(l *log.Entry) Option {
	return func(m *Manager) {
		m.log = l
	}
}

// WithFormatOptions sets the options Mount formats with.
func WithFormatOptions(o fat.FormatOptions) Option {
	return func(m *Manager) {
		m.format = o
	}
}

func NewManager(reg *Registry, opts ...Option) *Manager {
	m := &Manager{
		reg: reg,
		fs:  reg.System(),
		log: log.WithField("component", "fram"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Registry() *Registry {
	return m.reg
}

// Init binds a new device to the first free slot and registers the block
// driver for it. The select line is left deasserted.
func (m *Manager) Init(sel SelectLine, bus spibus.Bus, freq physic.Frequency, capacityKB int) (uint8, error) {
	slot := m.reg.AcquireSlot()
	if slot == NoDrive {
		return NoDrive, ErrNoSlotAvailable
	}
	d, err := NewDevice(sel, bus, freq, capacityKB)
	if err != nil {
		return NoDrive, err
	}
	if err := sel.Out(gpio.High); err != nil {
		return NoDrive, fmt.Errorf("%w: select line: %w", ErrNotReady, err)
	}
	if err := m.reg.Bind(slot, d); err != nil {
		return NoDrive, err
	}
	if err := m.fs.RegisterDriver(slot, m.reg.Driver()); err != nil {
		m.reg.Release(slot)
		return NoDrive, err
	}
	m.log.WithFields(log.Fields{
		"drive":    slot,
		"capacity": capacityKB,
		"freq":     freq,
	}).Debug("drive initialized")
	return slot, nil
}

// Mount exposes slot under path. Unless forceFormat is set the existing
// volume is mounted first; a blank chip yields ErrNoFilesystem unless
// formatIfEmpty is set. The mount point stays registered after
// ErrNoFilesystem so a retry with formatIfEmpty needs no other step.
func (m *Manager) Mount(slot uint8, path string, maxFiles int, formatIfEmpty, forceFormat bool) error {
	d := m.reg.Lookup(slot)
	if d == nil {
		return fmt.Errorf("%w: drive %d is not bound", ErrNotReady, slot)
	}
	l := m.log.WithFields(log.Fields{"drive": slot, "path": path})

	if old := d.Path(); old != "" && old != path {
		if mp := m.fs.MountPoint(old); mp != nil && mp.Drive == slot {
			if err := m.fs.UnregisterVFS(old); err != nil {
				return err
			}
		}
		d.setPath("")
	}
	if err := m.fs.RegisterVFS(path, slot, maxFiles); err != nil {
		l.WithError(err).Error("register mount point")
		return err
	}
	d.setPath(path)

	if !forceFormat {
		err := m.fs.Mount(slot)
		switch {
		case err == nil:
			l.Debug("mounted")
			return nil
		case errors.Is(err, fat.ErrNoFilesystem) && !formatIfEmpty:
			l.Warn("no filesystem found")
			return fmt.Errorf("drive %d: %w", slot, err)
		}
		l.WithError(err).Info("mount failed, formatting")
	}

	if err := m.mkfs(slot); err != nil {
		l.WithError(err).Error("format failed")
		if uerr := m.fs.UnregisterVFS(path); uerr != nil {
			l.WithError(uerr).Warn("unregister mount point")
		}
		d.setPath("")
		return fmt.Errorf("%w: %w", ErrFormat, err)
	}
	l.Info("formatted and mounted")
	return nil
}

func (m *Manager) mkfs(slot uint8) error {
	work := make([]byte, fat.SectorSize)
	if err := m.fs.Mkfs(slot, m.format, work); err != nil {
		return err
	}
	return m.fs.Mount(slot)
}

// Unmount marks the device not ready and detaches its volume. The mount
// point and the slot stay registered.
func (m *Manager) Unmount(slot uint8) error {
	d := m.reg.Lookup(slot)
	if d == nil {
		return fmt.Errorf("%w: drive %d is not bound", ErrNotReady, slot)
	}
	d.setStatus(fat.StatusNoInit, 0)
	if err := m.fs.Unmount(slot); err != nil {
		return err
	}
	m.log.WithField("drive", slot).Debug("unmounted")
	return nil
}

// Teardown unmounts slot if needed and frees it.
func (m *Manager) Teardown(slot uint8) error {
	if m.reg.Lookup(slot) == nil {
		return nil
	}
	if m.fs.Mounted(slot) {
		if err := m.Unmount(slot); err != nil {
			return err
		}
	}
	if err := m.reg.Release(slot); err != nil {
		return err
	}
	m.log.WithField("drive", slot).Debug("drive released")
	return nil
}

func (m *Manager) State(slot uint8) State {
	if m.reg.Lookup(slot) == nil {
		return Unbound
	}
	if m.fs.Mounted(slot) {
		return Mounted
	}
	return Initialized
}

// ReadRaw reads one sector through the block driver, bypassing the
// filesystem.
func (m *Manager) ReadRaw(slot uint8, buf []byte, sector uint32) error {
	return m.reg.Driver().ReadSectors(slot, buf, sector, 1)
}

// WriteRaw writes one sector through the block driver. It can corrupt a
// mounted volume.
func (m *Manager) WriteRaw(slot uint8, buf []byte, sector uint32) error {
	return m.reg.Driver().WriteSectors(slot, buf, sector, 1)
}

func (m *Manager) SetWriteProtect(slot uint8, on bool) error {
	d := m.reg.Lookup(slot)
	if d == nil {
		return fmt.Errorf("%w: drive %d is not bound", ErrNotReady, slot)
	}
	d.SetWriteProtect(on)
	return nil
}
