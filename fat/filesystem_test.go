package fat

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

// ramDriver is a BlockDriver over a byte slice.
type ramDriver struct {
	data    []byte
	status  Status
	reads   int
	writes  int
	failing bool
}

var _ BlockDriver = (*ramDriver)(nil)

func newRAMDriver(sectors int) *ramDriver {
	return &ramDriver{data: make([]byte, sectors*SectorSize), status: StatusNoInit}
}

func (r *ramDriver) Initialize(drive uint8) Status {
	r.status &^= StatusNoInit
	return r.status
}

func (r *ramDriver) Status(drive uint8) Status {
	return r.status
}

func (r *ramDriver) span(sector uint32, count int) (int, int, error) {
	off := int(sector) * SectorSize
	end := off + count*SectorSize
	if end > len(r.data) {
		return 0, 0, ErrDisk
	}
	return off, end, nil
}

func (r *ramDriver) ReadSectors(drive uint8, buf []byte, sector uint32, count int) error {
	if r.failing {
		return errors.New("bus fault")
	}
	off, end, err := r.span(sector, count)
	if err != nil {
		return err
	}
	r.reads++
	copy(buf, r.data[off:end])
	return nil
}

func (r *ramDriver) WriteSectors(drive uint8, buf []byte, sector uint32, count int) error {
	if r.status&StatusProtect != 0 {
		return ErrWriteProtected
	}
	off, end, err := r.span(sector, count)
	if err != nil {
		return err
	}
	r.writes++
	copy(r.data[off:end], buf)
	return nil
}

func (r *ramDriver) Ioctl(drive uint8, cmd IoctlCommand) (uint32, error) {
	switch cmd {
	case CtrlSync:
		return 0, nil
	case GetSectorCount:
		return uint32(len(r.data) / SectorSize), nil
	case GetSectorSize:
		return SectorSize, nil
	case GetBlockSize:
		return 1, nil
	}
	return 0, ErrParameter
}

func newTestSystem(t *testing.T, sectors int) (*System, *ramDriver) {
	s := NewSystem()
	d := newRAMDriver(sectors)
	require.Nil(t, s.RegisterDriver(0, d))
	return s, d
}

func TestSystemMountBlankDrive(t *testing.T) {
	s, _ := newTestSystem(t, 64)
	err := s.Mount(0)
	require.ErrorIs(t, err, ErrNoFilesystem)
	require.False(t, s.Mounted(0))
}

func TestSystemMountUnregisteredDrive(t *testing.T) {
	s := NewSystem()
	require.ErrorIs(t, s.Mount(1), ErrNotReady)
	require.ErrorIs(t, s.Mount(MaxVolumes), ErrInvalidDrive)
	require.ErrorIs(t, s.RegisterDriver(MaxVolumes, newRAMDriver(1)), ErrInvalidDrive)
}

func TestSystemMountReadFailure(t *testing.T) {
	s, d := newTestSystem(t, 64)
	d.failing = true
	require.ErrorIs(t, s.Mount(0), ErrDisk)
}

func TestSystemMkfsMountGetFree(t *testing.T) {
	s, d := newTestSystem(t, 64)
	work := make([]byte, SectorSize)
	require.Nil(t, s.Mkfs(0, FormatOptions{Label: "fram"}, work))
	require.Nil(t, s.Mount(0))
	require.True(t, s.Mounted(0))

	info, err := s.GetFree(0)
	require.Nil(t, err)
	require.Equal(t, uint32(1), info.SectorsPerCluster)
	require.Equal(t, uint32(58), info.TotalClusters)
	require.Equal(t, uint32(58), info.FreeClusters)
	require.Equal(t, uint64(58*SectorSize), info.TotalBytes())
	require.Equal(t, uint64(0), info.UsedBytes())

	label, err := s.VolumeLabel(0)
	require.Nil(t, err)
	require.Equal(t, "FRAM", label)

	// allocate two clusters by hand
	fat := newFAT(FAT12, 1)
	copy(fat.data, d.data[SectorSize:2*SectorSize])
	fat.Set(2, 3)
	fat.Set(3, 0xFFF)
	copy(d.data[SectorSize:], fat.data)

	info, err = s.GetFree(0)
	require.Nil(t, err)
	require.Equal(t, uint32(56), info.FreeClusters)
	require.Equal(t, uint64(2*SectorSize), info.UsedBytes())
}

func TestSystemMkfsWorkBuffer(t *testing.T) {
	s, _ := newTestSystem(t, 64)
	err := s.Mkfs(0, FormatOptions{}, make([]byte, SectorSize-1))
	require.ErrorIs(t, err, ErrMkfsAborted)
}

func TestSystemMkfsWriteProtected(t *testing.T) {
	s, d := newTestSystem(t, 64)
	d.status |= StatusProtect
	err := s.Mkfs(0, FormatOptions{}, make([]byte, SectorSize))
	require.ErrorIs(t, err, ErrWriteProtected)
}

func TestSystemGetFreeRequiresMount(t *testing.T) {
	s, d := newTestSystem(t, 64)
	_, err := s.GetFree(0)
	require.ErrorIs(t, err, ErrNotEnabled)

	require.Nil(t, s.Mkfs(0, FormatOptions{}, make([]byte, SectorSize)))
	require.Nil(t, s.Mount(0))
	d.status |= StatusNoInit
	_, err = s.GetFree(0)
	require.ErrorIs(t, err, ErrNotReady)

	require.Nil(t, s.Unmount(0))
	_, err = s.GetFree(0)
	require.ErrorIs(t, err, ErrNotEnabled)
}

func TestSystemRegisterDriverNilDropsVolume(t *testing.T) {
	s, _ := newTestSystem(t, 64)
	require.Nil(t, s.Mkfs(0, FormatOptions{}, make([]byte, SectorSize)))
	require.Nil(t, s.Mount(0))
	require.Nil(t, s.RegisterDriver(0, nil))
	require.False(t, s.Mounted(0))
	require.Nil(t, s.Driver(0))
}

func TestSystemFreeDrive(t *testing.T) {
	s := NewSystem()
	drive, err := s.FreeDrive()
	require.Nil(t, err)
	require.Equal(t, uint8(0), drive)

	require.Nil(t, s.RegisterDriver(0, newRAMDriver(16)))
	drive, err = s.FreeDrive()
	require.Nil(t, err)
	require.Equal(t, uint8(1), drive)

	require.Nil(t, s.RegisterDriver(1, newRAMDriver(16)))
	_, err = s.FreeDrive()
	require.ErrorIs(t, err, ErrExist)
}

func TestSystemVFS(t *testing.T) {
	s := NewSystem()
	require.Nil(t, s.RegisterVFS("/fram", 0, 10))
	require.Nil(t, s.RegisterVFS("/fram", 0, 4))
	mp := s.MountPoint("/fram")
	require.NotNil(t, mp)
	require.Equal(t, 4, mp.MaxFiles)
	require.Equal(t, uint8(0), mp.Drive)

	require.ErrorIs(t, s.RegisterVFS("/fram", 1, 4), ErrExist)
	require.ErrorIs(t, s.RegisterVFS("/other", 0, 4), ErrExist)
	require.ErrorIs(t, s.RegisterVFS("fram", 1, 4), ErrParameter)
	require.ErrorIs(t, s.RegisterVFS("/x", 1, 0), ErrParameter)
	require.ErrorIs(t, s.RegisterVFS("/x", MaxVolumes, 1), ErrInvalidDrive)

	require.Nil(t, s.UnregisterVFS("/fram"))
	require.Nil(t, s.MountPoint("/fram"))
	require.ErrorIs(t, s.UnregisterVFS("/fram"), ErrNotFound)
}

func TestSystemRootEntries(t *testing.T) {
	s, _ := newTestSystem(t, 128)
	require.Nil(t, s.Mkfs(0, FormatOptions{}, make([]byte, SectorSize)))
	require.Nil(t, s.Mount(0))
	entries, err := s.RootEntries(0)
	require.Nil(t, err)
	require.Empty(t, entries)
	label, err := s.VolumeLabel(0)
	require.Nil(t, err)
	require.Equal(t, "", label)
}
