package fram

import (
	"testing"

	"github.com/rstms/framfs/fat"
	"github.com/rstms/framfs/framsim"
	"github.com/rstms/framfs/spibus"
	"github.com/stretchr/testify/require"
)

func TestRegistrySlots(t *testing.T) {
	fs := fat.NewSystem()
	reg := NewRegistry(fs)
	chip := framsim.NewMemory(32)
	bus := spibus.NewPortBus(chip)
	newDev := func() *Device {
		d, err := NewDevice(chip.Select(), bus, testFreq, 32)
		require.Nil(t, err)
		return d
	}

	require.Equal(t, uint8(0), reg.AcquireSlot())
	require.Nil(t, reg.Bind(0, newDev()))
	require.ErrorIs(t, reg.Bind(0, newDev()), fat.ErrExist)
	require.Equal(t, uint8(1), reg.AcquireSlot())
	require.Nil(t, reg.Bind(1, newDev()))
	require.Equal(t, NoDrive, reg.AcquireSlot())
	require.Equal(t, 2, reg.Len())

	require.ErrorIs(t, reg.Bind(fat.MaxVolumes, newDev()), fat.ErrInvalidDrive)
	require.ErrorIs(t, reg.Bind(0, nil), fat.ErrParameter)
	require.Nil(t, reg.Lookup(NoDrive))

	require.Nil(t, reg.Release(0))
	require.Nil(t, reg.Lookup(0))
	require.Equal(t, 1, reg.Len())
	require.Equal(t, uint8(0), reg.AcquireSlot())
	require.Nil(t, reg.Release(0))
}

func TestRegistrySkipsForeignDriver(t *testing.T) {
	fs := fat.NewSystem()
	reg := NewRegistry(fs)
	require.Nil(t, fs.RegisterDriver(0, reg.Driver()))
	require.Equal(t, uint8(1), reg.AcquireSlot())
}

func TestRegistryReleaseUnregisters(t *testing.T) {
	r := newRig(t, 32)
	slot := r.init(t, 32)
	require.Nil(t, r.mgr.Mount(slot, "/fram", 4, true, false))
	require.NotNil(t, r.fs.Driver(slot))

	require.Nil(t, r.reg.Release(slot))
	require.Nil(t, r.fs.Driver(slot))
	require.Nil(t, r.fs.MountPoint("/fram"))
	require.False(t, r.fs.Mounted(slot))
	require.Equal(t, 0, r.reg.Len())
}

func TestManagerInitFull(t *testing.T) {
	fs := fat.NewSystem()
	reg := NewRegistry(fs)
	mgr := NewManager(reg)
	for i := 0; i < fat.MaxVolumes; i++ {
		chip := framsim.NewMemory(32)
		slot, err := mgr.Init(chip.Select(), spibus.NewPortBus(chip), testFreq, 32)
		require.Nil(t, err)
		require.Equal(t, uint8(i), slot)
		require.Equal(t, Initialized, mgr.State(slot))
	}
	chip := framsim.NewMemory(32)
	slot, err := mgr.Init(chip.Select(), spibus.NewPortBus(chip), testFreq, 32)
	require.ErrorIs(t, err, ErrNoSlotAvailable)
	require.ErrorIs(t, err, ErrConfiguration)
	require.Equal(t, NoDrive, slot)
	require.Equal(t, fat.MaxVolumes, reg.Len())
}

func TestManagerInitInvalidCapacity(t *testing.T) {
	r := newRig(t, 32)
	_, err := r.mgr.Init(r.chip.Select(), r.bus, testFreq, 0)
	require.ErrorIs(t, err, ErrInvalidCapacity)
	require.Equal(t, 0, r.reg.Len())
	require.Nil(t, r.fs.Driver(0))
}

func TestManagerMountBlankThenFormat(t *testing.T) {
	r := newRig(t, 32)
	slot := r.init(t, 32)

	err := r.mgr.Mount(slot, "/fram", 10, false, false)
	require.ErrorIs(t, err, ErrNoFilesystem)
	require.Equal(t, Initialized, r.mgr.State(slot))
	mp := r.fs.MountPoint("/fram")
	require.NotNil(t, mp)
	require.Equal(t, slot, mp.Drive)

	require.Nil(t, r.mgr.Mount(slot, "/fram", 10, true, false))
	require.Equal(t, Mounted, r.mgr.State(slot))
	info, err := r.fs.GetFree(slot)
	require.Nil(t, err)
	require.Equal(t, uint32(58), info.TotalClusters)
	require.Equal(t, info.TotalClusters, info.FreeClusters)

	boot := r.chip.Bytes()[:SectorSize]
	_, err = fat.DecodeBootSector(boot)
	require.Nil(t, err)
}

func TestManagerMountExisting(t *testing.T) {
	r := newRig(t, 64)
	slot := r.init(t, 64)
	require.Nil(t, r.mgr.Mount(slot, "/fram", 10, false, true))
	require.Nil(t, r.mgr.Unmount(slot))
	require.Equal(t, Initialized, r.mgr.State(slot))

	written := r.chip.Written()
	require.Nil(t, r.mgr.Mount(slot, "/fram", 10, false, false))
	require.Equal(t, Mounted, r.mgr.State(slot))
	require.Equal(t, written, r.chip.Written())
}

func TestManagerForceFormat(t *testing.T) {
	r := newRig(t, 32)
	slot := r.init(t, 32)
	dr := r.reg.Driver()
	dr.Initialize(slot)
	require.Nil(t, dr.WriteSectors(slot, pattern(0x5A, SectorSize), 40, 1))

	require.Nil(t, r.mgr.Mount(slot, "/fram", 10, false, true))
	require.Equal(t, Mounted, r.mgr.State(slot))
	// data sectors are left alone; the FAT says they are free
	info, err := r.fs.GetFree(slot)
	require.Nil(t, err)
	require.Equal(t, info.TotalClusters, info.FreeClusters)
}

func TestManagerMountRejectsShortFAT(t *testing.T) {
	r := newRig(t, 1024)
	slot := r.init(t, 1024)
	require.Nil(t, r.mgr.Mount(slot, "/fram", 4, false, true))

	buf := make([]byte, SectorSize)
	require.Nil(t, r.mgr.ReadRaw(slot, buf, 0))
	require.Greater(t, buf[22], byte(1))
	buf[22] = 1
	buf[23] = 0
	require.Nil(t, r.mgr.WriteRaw(slot, buf, 0))
	require.Nil(t, r.mgr.Unmount(slot))

	err := r.mgr.Mount(slot, "/fram", 4, false, false)
	require.ErrorIs(t, err, ErrNoFilesystem)
	require.Equal(t, Initialized, r.mgr.State(slot))
	_, err = r.fs.GetFree(slot)
	require.ErrorIs(t, err, fat.ErrNotEnabled)

	// formatting repairs it
	require.Nil(t, r.mgr.Mount(slot, "/fram", 4, true, false))
	info, err := r.fs.GetFree(slot)
	require.Nil(t, err)
	require.Equal(t, info.TotalClusters, info.FreeClusters)
}

func TestManagerFormatOptions(t *testing.T) {
	chip := framsim.NewMemory(32)
	reg := NewRegistry(fat.NewSystem())
	mgr := NewManager(reg, WithFormatOptions(fat.FormatOptions{Label: "logs", OEMName: "ACME"}))
	slot, err := mgr.Init(chip.Select(), spibus.NewPortBus(chip), testFreq, 32)
	require.Nil(t, err)
	require.Nil(t, mgr.Mount(slot, "/fram", 4, true, false))

	label, err := reg.System().VolumeLabel(slot)
	require.Nil(t, err)
	require.Equal(t, "LOGS", label)
	require.Equal(t, "ACME    ", string(chip.Bytes()[3:11]))
}

func TestManagerFormatFailure(t *testing.T) {
	r := newRig(t, 32)
	slot := r.init(t, 32)
	require.Nil(t, r.mgr.SetWriteProtect(slot, true))

	err := r.mgr.Mount(slot, "/fram", 10, true, false)
	require.ErrorIs(t, err, ErrFormat)
	require.ErrorIs(t, err, ErrWriteProtected)
	require.Nil(t, r.fs.MountPoint("/fram"))
	require.Equal(t, "", r.reg.Lookup(slot).Path())
	require.Equal(t, Initialized, r.mgr.State(slot))
}

func TestManagerMountPathChange(t *testing.T) {
	r := newRig(t, 32)
	slot := r.init(t, 32)
	require.Nil(t, r.mgr.Mount(slot, "/a", 4, true, false))
	require.Nil(t, r.mgr.Mount(slot, "/b", 4, false, false))
	require.Nil(t, r.fs.MountPoint("/a"))
	require.NotNil(t, r.fs.MountPoint("/b"))
	require.Equal(t, "/b", r.reg.Lookup(slot).Path())

	err := r.mgr.Mount(slot, "bad", 4, false, false)
	require.ErrorIs(t, err, fat.ErrParameter)
}

func TestManagerUnmountFailsFast(t *testing.T) {
	r := newRig(t, 32)
	slot := r.init(t, 32)
	require.Nil(t, r.mgr.Mount(slot, "/fram", 4, true, false))
	require.Nil(t, r.mgr.Unmount(slot))

	selects := r.chip.Selects()
	err := r.mgr.ReadRaw(slot, make([]byte, SectorSize), 0)
	require.ErrorIs(t, err, ErrNotReady)
	require.Equal(t, selects, r.chip.Selects())
	_, err = r.fs.GetFree(slot)
	require.ErrorIs(t, err, fat.ErrNotEnabled)

	require.ErrorIs(t, r.mgr.Unmount(1), ErrNotReady)
}

func TestManagerTeardown(t *testing.T) {
	r := newRig(t, 32)
	slot := r.init(t, 32)
	require.Nil(t, r.mgr.Mount(slot, "/fram", 4, true, false))
	require.Nil(t, r.mgr.Teardown(slot))
	require.Equal(t, Unbound, r.mgr.State(slot))
	require.Nil(t, r.fs.MountPoint("/fram"))
	require.Nil(t, r.fs.Driver(slot))
	require.Nil(t, r.mgr.Teardown(slot))

	slot = r.init(t, 32)
	require.Equal(t, uint8(0), slot)
	require.Nil(t, r.mgr.Mount(slot, "/fram", 4, false, false))
}

func TestManagerRawSector(t *testing.T) {
	r := newRig(t, 32)
	slot := r.init(t, 32)
	require.Nil(t, r.mgr.Mount(slot, "/fram", 4, true, false))

	require.Nil(t, r.mgr.WriteRaw(slot, pattern(0xAA, SectorSize), 10))
	buf := make([]byte, SectorSize)
	require.Nil(t, r.mgr.ReadRaw(slot, buf, 10))
	require.Equal(t, pattern(0xAA, SectorSize), buf)
	require.ErrorIs(t, r.mgr.WriteRaw(slot, buf, 64), ErrOutOfRange)
}

func TestUnformat(t *testing.T) {
	r := newRig(t, 32)
	slot := r.init(t, 32)
	require.Nil(t, r.mgr.Mount(slot, "/fram", 4, true, false))
	require.Nil(t, r.mgr.Unmount(slot))

	require.Nil(t, Unformat(r.chip.Select(), r.bus, testFreq))
	require.Equal(t, pattern(0xFF, SectorSize), r.chip.Bytes()[:SectorSize])

	err := r.mgr.Mount(slot, "/fram", 4, false, false)
	require.ErrorIs(t, err, ErrNoFilesystem)

	require.ErrorIs(t, Unformat(nil, r.bus, testFreq), ErrConfiguration)
}

func TestStateString(t *testing.T) {
	require.Equal(t, "unbound", Unbound.String())
	require.Equal(t, "mounted", Mounted.String())
	require.Equal(t, "State(7)", State(7).String())
}
