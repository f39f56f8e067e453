package fat

import (
	"errors"
	"fmt"
)

// SectorSize is the only sector size this package mounts or formats.
const SectorSize = 512

// MaxVolumes is the number of drive numbers in a System.
const MaxVolumes = 2

// Status is the disk status returned by a BlockDriver.
type Status uint8

const (
	StatusNoInit Status = 1 << iota
	StatusNoDisk
	StatusProtect
)

func (s Status) String() string {
	if s == 0 {
		return "ready"
	}
	var out string
	for _, f := range []struct {
		bit  Status
		name string
	}{
		{StatusNoInit, "noinit"},
		{StatusNoDisk, "nodisk"},
		{StatusProtect, "protect"},
	} {
		if s&f.bit != 0 {
			if out != "" {
				out += "|"
			}
			out += f.name
		}
	}
	return out
}

// IoctlCommand selects a BlockDriver control operation.
type IoctlCommand uint8

const (
	CtrlSync IoctlCommand = iota
	GetSectorCount
	GetSectorSize
	GetBlockSize
)

func (c IoctlCommand) String() string {
	switch c {
	case CtrlSync:
		return "CTRL_SYNC"
	case GetSectorCount:
		return "GET_SECTOR_COUNT"
	case GetSectorSize:
		return "GET_SECTOR_SIZE"
	case GetBlockSize:
		return "GET_BLOCK_SIZE"
	}
	return fmt.Sprintf("ioctl(%d)", uint8(c))
}

// Disk results. Drivers return these (or errors wrapping them) from
// ReadSectors, WriteSectors and Ioctl.
var (
	ErrDisk           = errors.New("disk I/O error")
	ErrNotReady       = errors.New("drive not ready")
	ErrWriteProtected = errors.New("drive is write protected")
	ErrParameter      = errors.New("invalid parameter")
)

// Filesystem results.
var (
	ErrNoFilesystem = errors.New("no valid FAT volume")
	ErrNotEnabled   = errors.New("volume has no work area")
	ErrInvalidDrive = errors.New("invalid drive number")
	ErrMkfsAborted  = errors.New("mkfs aborted")
	ErrExist        = errors.New("already registered")
	ErrNotFound     = errors.New("not registered")
)

// BlockDriver is the low level disk I/O contract. Every call carries the
// drive number the driver was registered under.
type BlockDriver interface {
	Initialize(drive uint8) Status
	Status(drive uint8) Status
	ReadSectors(drive uint8, buf []byte, sector uint32, count int) error
	WriteSectors(drive uint8, buf []byte, sector uint32, count int) error
	Ioctl(drive uint8, cmd IoctlCommand) (uint32, error)
}

// diskError classifies a driver error, keeping its own class when it
// already has one.
func diskError(op string, err error) error {
	switch {
	case errors.Is(err, ErrDisk), errors.Is(err, ErrNotReady),
		errors.Is(err, ErrWriteProtected), errors.Is(err, ErrParameter):
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrDisk, err)
}
