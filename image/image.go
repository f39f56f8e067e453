// Package image keeps FRAM contents in a file and mounts them through the
// emulated chip, for tooling that has no real SPI bus.
package image

import (
	"fmt"
	"io"
	"os"

	"github.com/rstms/framfs"
	"github.com/rstms/framfs/fat"
	"github.com/rstms/framfs/fram"
	"github.com/rstms/framfs/framsim"
	"github.com/rstms/framfs/spibus"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"periph.io/x/conn/v3/physic"
)

const KB = 1024

type Image struct {
	Filename   string
	CapacityKB int
	// Frequency is the bus clock every transaction on the image uses.
	Frequency physic.Frequency
	fs        afero.Fs
	file      afero.File
	chip      *framsim.Chip
	bus       *spibus.PortBus
	volume    *framfs.FS
}

// CreateImage writes a zero filled image of capacityKB kilobytes,
// replacing any existing file.
func CreateImage(fs afero.Fs, filename string, capacityKB int) (*Image, error) {
	if capacityKB <= 0 || capacityKB > fram.MaxCapacityKB {
		return nil, Fatalf("capacity %dKB out of range 1..%d", capacityKB, fram.MaxCapacityKB)
	}
	i := Image{Filename: filename, fs: fs, Frequency: framfs.DefaultFrequency}
	err := i.createImageFile(int64(capacityKB) * KB)
	if err != nil {
		return nil, Fatal(err)
	}
	err = i.openChip()
	if err != nil {
		return nil, Fatal(err)
	}
	return &i, nil
}

// OpenImage opens an existing image; its size sets the capacity.
func OpenImage(fs afero.Fs, filename string) (*Image, error) {
	i := Image{Filename: filename, fs: fs, Frequency: framfs.DefaultFrequency}
	info, err := fs.Stat(filename)
	if err != nil {
		return nil, Fatal(err)
	}
	size := info.Size()
	if size <= 0 || size%KB != 0 || size/KB > fram.MaxCapacityKB {
		return nil, Fatalf("%s: size %d is not a FRAM capacity", filename, size)
	}
	i.file, err = fs.OpenFile(filename, os.O_RDWR, 0)
	if err != nil {
		return nil, Fatal(err)
	}
	err = i.openChip()
	if err != nil {
		i.closeFile()
		return nil, Fatal(err)
	}
	return &i, nil
}

func (i *Image) openChip() error {
	size, err := i.file.Seek(0, io.SeekEnd)
	if err != nil {
		return Fatal(err)
	}
	i.chip, err = framsim.Open(i.file, size)
	if err != nil {
		return Fatal(err)
	}
	i.CapacityKB = int(size / KB)
	i.bus = spibus.NewPortBus(i.chip)
	return nil
}

// create, truncate, and reopen the output file
func (i *Image) createImageFile(size int64) error {
	if size%KB != 0 {
		size = (size/KB + 1) * KB
	}
	log.WithFields(log.Fields{"file": i.Filename, "size": size}).Debug("create image")
	var err error
	i.file, err = i.fs.OpenFile(i.Filename, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0600)
	if err != nil {
		return Fatal(err)
	}
	err = i.file.Truncate(size)
	if err != nil {
		return Fatal(err)
	}
	return nil
}

func (i *Image) Chip() *framsim.Chip {
	return i.chip
}

func (i *Image) Bus() *spibus.PortBus {
	return i.bus
}

// Mount begins a volume on the image. An image without a filesystem
// yields an error wrapping fram.ErrNoFilesystem.
func (i *Image) Mount(cfg framfs.Config, opts ...framfs.Option) (*framfs.FS, error) {
	if i.volume != nil {
		return i.volume, nil
	}
	if cfg.Frequency == 0 {
		cfg.Frequency = i.Frequency
	}
	v := framfs.New(i.CapacityKB, opts...)
	if !v.Begin(i.chip.Select(), i.bus, cfg) {
		if v.IsUnformatted() {
			return nil, fmt.Errorf("%s: %w", i.Filename, fram.ErrNoFilesystem)
		}
		return nil, Fatalf("%s: mount failed", i.Filename)
	}
	i.volume = v
	return v, nil
}

// Unmount ends the volume begun by Mount, if any.
func (i *Image) Unmount() {
	if i.volume != nil {
		i.volume.End()
		i.volume = nil
	}
}

// Unformat clobbers the boot sector of the image.
func (i *Image) Unformat() error {
	err := fram.Unformat(i.chip.Select(), i.bus, i.Frequency)
	if err != nil {
		return Fatal(err)
	}
	return nil
}

// rawDrive binds the chip to a private drive slot, ready for sector I/O
// whether or not the image holds a filesystem.
func (i *Image) rawDrive() (*fram.Manager, uint8, error) {
	if i.volume != nil {
		return i.volume.Manager(), i.volume.Drive(), nil
	}
	mgr := fram.NewManager(fram.NewRegistry(fat.NewSystem()))
	slot, err := mgr.Init(i.chip.Select(), i.bus, i.Frequency, i.CapacityKB)
	if err != nil {
		return nil, fram.NoDrive, Fatal(err)
	}
	mgr.Registry().Driver().Initialize(slot)
	return mgr, slot, nil
}

// ReadSector reads one raw sector.
func (i *Image) ReadSector(buf []byte, sector uint32) error {
	mgr, slot, err := i.rawDrive()
	if err != nil {
		return Fatal(err)
	}
	return mgr.ReadRaw(slot, buf, sector)
}

// WriteSector writes one raw sector. A mounted volume is not told.
func (i *Image) WriteSector(buf []byte, sector uint32) error {
	mgr, slot, err := i.rawDrive()
	if err != nil {
		return Fatal(err)
	}
	return mgr.WriteRaw(slot, buf, sector)
}

func (i *Image) ReadID() (fram.ID, error) {
	id, err := fram.ReadID(i.chip.Select(), i.bus, i.Frequency)
	if err != nil {
		return id, Fatal(err)
	}
	return id, nil
}

func (i *Image) closeFile() error {
	if i.file != nil {
		err := i.file.Close()
		if err != nil {
			return Fatal(err)
		}
		i.file = nil
	}
	return nil
}

func (i *Image) Close() error {
	i.Unmount()
	return i.closeFile()
}
