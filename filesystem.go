// Package framfs mounts a serial FRAM chip as a FAT volume.
package framfs

import (
	"errors"

	"github.com/rstms/framfs/fat"
	"github.com/rstms/framfs/fram"
	"github.com/rstms/framfs/spibus"
	log "github.com/sirupsen/logrus"
	"periph.io/x/conn/v3/physic"
)

// FS ties one FRAM chip of a fixed capacity to a mount point. Failures
// are logged and reported as false.
type FS struct {
	capacityKB  int
	drive       uint8
	unformatted bool
	mountPoint  string
	mgr         *fram.Manager
	format      *fat.FormatOptions
	log         *log.Entry
}

type Option func(*FS)

// WithManager shares a mount manager (and its drive slots) between
// several FS values.
func WithManager(m *fram.Manager) Option {
	return func(f *FS) {
		f.mgr = m
	}
}

func WithLogger(l *log.Entry) Option {
	return func(f *FS) {
		f.log = l
	}
}

// WithFormatOptions sets the label, OEM name and FAT type used when the
// chip is formatted. With WithManager it applies to the shared manager.
func WithFormatOptions(o fat.FormatOptions) Option {
	return func(f *FS) {
		f.format = &o
	}
}

func New(capacityKB int, opts ...Option) *FS {
	f := &FS{
		capacityKB: capacityKB,
		drive:      fram.NoDrive,
		log:        log.WithField("component", "framfs"),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.mgr == nil {
		f.mgr = fram.NewManager(fram.NewRegistry(fat.NewSystem()), fram.WithLogger(f.log))
	}
	if f.format != nil {
		fram.WithFormatOptions(*f.format)(f.mgr)
	}
	return f
}

func (f *FS) Manager() *fram.Manager {
	return f.mgr
}

// Begin binds the chip to a drive slot and mounts it. A bound FS returns
// true at once. When mounting fails the slot is released again and
// IsUnformatted tells whether the chip held no filesystem.
func (f *FS) Begin(sel fram.SelectLine, bus spibus.Bus, cfg Config) bool {
	if f.drive != fram.NoDrive {
		return true
	}
	cfg = cfg.withDefaults()
	f.unformatted = false

	slot, err := f.mgr.Init(sel, bus, cfg.Frequency, f.capacityKB)
	if err != nil {
		f.log.WithError(err).Error("drive init failed")
		return false
	}
	err = f.mgr.Mount(slot, cfg.MountPoint, cfg.MaxFiles, cfg.FormatIfEmpty, cfg.ForceFormat)
	if err != nil {
		f.unformatted = errors.Is(err, fram.ErrNoFilesystem)
		f.log.WithError(err).WithField("unformatted", f.unformatted).Error("mount failed")
		if uerr := f.mgr.Unmount(slot); uerr != nil {
			f.log.WithError(uerr).Debug("unmount")
		}
		if terr := f.mgr.Teardown(slot); terr != nil {
			f.log.WithError(terr).Error("teardown failed")
		}
		return false
	}
	f.drive = slot
	f.mountPoint = cfg.MountPoint
	f.log.WithFields(log.Fields{"drive": slot, "path": cfg.MountPoint}).Info("mounted")
	return true
}

// Format is Begin with a forced format.
func (f *FS) Format(sel fram.SelectLine, bus spibus.Bus, cfg Config) bool {
	cfg.FormatIfEmpty = false
	cfg.ForceFormat = true
	return f.Begin(sel, bus, cfg)
}

// BeginOrFormat is Begin formatting a chip that holds no filesystem.
func (f *FS) BeginOrFormat(sel fram.SelectLine, bus spibus.Bus, cfg Config) bool {
	cfg.FormatIfEmpty = true
	return f.Begin(sel, bus, cfg)
}

// End unmounts and frees the drive slot. It does nothing when unbound.
func (f *FS) End() {
	if f.drive == fram.NoDrive {
		return
	}
	if err := f.mgr.Teardown(f.drive); err != nil {
		f.log.WithError(err).Error("teardown failed")
	}
	f.drive = fram.NoDrive
	f.mountPoint = ""
}

func (f *FS) IsUnformatted() bool {
	return f.unformatted
}

// Drive is the bound slot, or fram.NoDrive.
func (f *FS) Drive() uint8 {
	return f.drive
}

func (f *FS) MountPoint() string {
	return f.mountPoint
}

func (f *FS) freeInfo() (*fat.FreeInfo, bool) {
	if f.drive == fram.NoDrive {
		return nil, false
	}
	info, err := f.mgr.Registry().System().GetFree(f.drive)
	if err != nil {
		f.log.WithError(err).Debug("getfree")
		return nil, false
	}
	return info, true
}

// TotalBytes is the data area size of the volume, or 0.
func (f *FS) TotalBytes() uint32 {
	info, ok := f.freeInfo()
	if !ok {
		return 0
	}
	return uint32(info.TotalBytes())
}

// UsedBytes is the allocated part of the data area, or 0.
func (f *FS) UsedBytes() uint32 {
	info, ok := f.freeInfo()
	if !ok {
		return 0
	}
	return uint32(info.UsedBytes())
}

// VolumeLabel returns the label of the mounted volume.
func (f *FS) VolumeLabel() (string, error) {
	if f.drive == fram.NoDrive {
		return "", fram.ErrNotReady
	}
	return f.mgr.Registry().System().VolumeLabel(f.drive)
}

// BootSector returns the geometry and names the volume was formatted with.
func (f *FS) BootSector() (*fat.BootSector, error) {
	if f.drive == fram.NoDrive {
		return nil, fram.ErrNotReady
	}
	return f.mgr.Registry().System().BootSector(f.drive)
}

// RootEntries lists the root directory of the mounted volume.
func (f *FS) RootEntries() ([]*fat.DirectoryEntry, error) {
	if f.drive == fram.NoDrive {
		return nil, fram.ErrNotReady
	}
	return f.mgr.Registry().System().RootEntries(f.drive)
}

// ReadRAW reads one sector, bypassing the filesystem.
func (f *FS) ReadRAW(buf []byte, sector uint32) bool {
	if err := f.mgr.ReadRaw(f.drive, buf, sector); err != nil {
		f.log.WithError(err).WithField("sector", sector).Error("raw read failed")
		return false
	}
	return true
}

// WriteRAW writes one sector, bypassing the filesystem.
func (f *FS) WriteRAW(buf []byte, sector uint32) bool {
	if err := f.mgr.WriteRaw(f.drive, buf, sector); err != nil {
		f.log.WithError(err).WithField("sector", sector).Error("raw write failed")
		return false
	}
	return true
}

// Unformat destroys the boot sector of the chip on sel. The FS need not
// be bound.
func (f *FS) Unformat(sel fram.SelectLine, bus spibus.Bus, freq physic.Frequency) bool {
	if freq == 0 {
		freq = DefaultFrequency
	}
	if err := fram.Unformat(sel, bus, freq); err != nil {
		f.log.WithError(err).Error("unformat failed")
		return false
	}
	return true
}
