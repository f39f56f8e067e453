package fat

import (
	"fmt"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

// System is one FAT component instance: the low level driver table, the
// mounted volume work areas and the mount point (VFS) table.
type System struct {
	mu      sync.Mutex
	drivers [MaxVolumes]BlockDriver
	volumes [MaxVolumes]*Volume
	vfs     map[string]*MountPoint
	log     *log.Entry
}

// Volume is the work area of a mounted drive.
type Volume struct {
	Drive uint8
	Boot  *BootSector
}

func (v *Volume) FATType() FATType {
	return v.Boot.FATType()
}

// MountPoint binds a path prefix to a drive.
type MountPoint struct {
	Path     string
	Drive    uint8
	MaxFiles int
}

// FreeInfo is the result of GetFree.
type FreeInfo struct {
	SectorsPerCluster uint32
	TotalClusters     uint32
	FreeClusters      uint32
	SectorSize        uint32
}

func (fi *FreeInfo) TotalBytes() uint64 {
	return uint64(fi.SectorsPerCluster) * uint64(fi.TotalClusters) * uint64(fi.SectorSize)
}

func (fi *FreeInfo) UsedBytes() uint64 {
	return uint64(fi.SectorsPerCluster) * uint64(fi.TotalClusters-fi.FreeClusters) * uint64(fi.SectorSize)
}

func NewSystem() *System {
	return &System{
		vfs: make(map[string]*MountPoint),
		log: log.WithField("component", "fat"),
	}
}

// RegisterDriver installs d for drive. A nil d removes the driver and
// forgets any mounted volume.
func (s *System) RegisterDriver(drive uint8, d BlockDriver) error {
	if drive >= MaxVolumes {
		return ErrInvalidDrive
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drivers[drive] = d
	if d == nil {
		s.volumes[drive] = nil
	}
	return nil
}

// Driver returns the driver registered for drive, or nil.
func (s *System) Driver(drive uint8) BlockDriver {
	if drive >= MaxVolumes {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drivers[drive]
}

// FreeDrive returns the lowest drive number with no driver registered.
func (s *System) FreeDrive() (uint8, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, d := range s.drivers {
		if d == nil {
			return uint8(i), nil
		}
	}
	return 0, fmt.Errorf("%w: all %d drives in use", ErrExist, MaxVolumes)
}

func (s *System) driver(drive uint8) (BlockDriver, error) {
	if drive >= MaxVolumes {
		return nil, ErrInvalidDrive
	}
	d := s.Driver(drive)
	if d == nil {
		return nil, ErrNotReady
	}
	return d, nil
}

func (s *System) volume(drive uint8) (*Volume, error) {
	if drive >= MaxVolumes {
		return nil, ErrInvalidDrive
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.volumes[drive] == nil {
		return nil, ErrNotEnabled
	}
	return s.volumes[drive], nil
}

func (s *System) dropVolume(drive uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.volumes[drive] = nil
}

// RegisterVFS exposes drive under path. Registering the same path for the
// same drive again only updates maxFiles.
func (s *System) RegisterVFS(path string, drive uint8, maxFiles int) error {
	if drive >= MaxVolumes {
		return ErrInvalidDrive
	}
	if !strings.HasPrefix(path, "/") || len(path) < 2 {
		return fmt.Errorf("%w: mount point %q", ErrParameter, path)
	}
	if maxFiles < 1 {
		return fmt.Errorf("%w: max files %d", ErrParameter, maxFiles)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if mp, ok := s.vfs[path]; ok {
		if mp.Drive != drive {
			return fmt.Errorf("%w: %s is drive %d", ErrExist, path, mp.Drive)
		}
		mp.MaxFiles = maxFiles
		return nil
	}
	for _, mp := range s.vfs {
		if mp.Drive == drive {
			return fmt.Errorf("%w: drive %d is at %s", ErrExist, drive, mp.Path)
		}
	}
	s.vfs[path] = &MountPoint{Path: path, Drive: drive, MaxFiles: maxFiles}
	s.log.WithFields(log.Fields{"path": path, "drive": drive}).Debug("vfs registered")
	return nil
}

func (s *System) UnregisterVFS(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.vfs[path]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	delete(s.vfs, path)
	s.log.WithField("path", path).Debug("vfs unregistered")
	return nil
}

// MountPoint returns the registration for path, or nil.
func (s *System) MountPoint(path string) *MountPoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	if mp, ok := s.vfs[path]; ok {
		c := *mp
		return &c
	}
	return nil
}

// Mount reads and checks the boot sector of drive and installs its work
// area. A drive without a FAT volume yields ErrNoFilesystem.
func (s *System) Mount(drive uint8) error {
	d, err := s.driver(drive)
	if err != nil {
		return err
	}
	s.dropVolume(drive)

	if d.Initialize(drive)&StatusNoInit != 0 {
		return ErrNotReady
	}
	ss, err := d.Ioctl(drive, GetSectorSize)
	if err != nil {
		return diskError("sector size", err)
	}
	if ss != SectorSize {
		return fmt.Errorf("%w: sector size %d", ErrDisk, ss)
	}
	buf := make([]byte, SectorSize)
	if err := d.ReadSectors(drive, buf, 0, 1); err != nil {
		return diskError("boot sector", err)
	}
	bs, err := DecodeBootSector(buf)
	if err != nil {
		return err
	}
	if bs.FATType() == FAT32 {
		return fmt.Errorf("%w: too many clusters", ErrNoFilesystem)
	}
	total, err := d.Ioctl(drive, GetSectorCount)
	if err != nil {
		return diskError("sector count", err)
	}
	if bs.TotalSectors > total {
		return fmt.Errorf("%w: volume of %d sectors on a %d sector drive", ErrNoFilesystem, bs.TotalSectors, total)
	}

	s.mu.Lock()
	s.volumes[drive] = &Volume{Drive: drive, Boot: bs}
	s.mu.Unlock()
	s.log.WithFields(log.Fields{
		"drive":    drive,
		"type":     bs.FATType(),
		"clusters": bs.Clusters(),
	}).Debug("mounted")
	return nil
}

// Unmount forgets the work area of drive. No I/O is done.
func (s *System) Unmount(drive uint8) error {
	if drive >= MaxVolumes {
		return ErrInvalidDrive
	}
	s.dropVolume(drive)
	return nil
}

// Mounted reports whether drive has a work area.
func (s *System) Mounted(drive uint8) bool {
	_, err := s.volume(drive)
	return err == nil
}

// checkedVolume returns the mounted volume and its driver, refusing a
// drive whose disk has since gone uninitialized.
func (s *System) checkedVolume(drive uint8) (*Volume, BlockDriver, error) {
	v, err := s.volume(drive)
	if err != nil {
		return nil, nil, err
	}
	d, err := s.driver(drive)
	if err != nil {
		return nil, nil, err
	}
	if d.Status(drive)&StatusNoInit != 0 {
		return nil, nil, ErrNotReady
	}
	return v, d, nil
}

// GetFree scans the first FAT of a mounted drive.
func (s *System) GetFree(drive uint8) (*FreeInfo, error) {
	v, d, err := s.checkedVolume(drive)
	if err != nil {
		return nil, err
	}
	bs := v.Boot
	fat := newFAT(bs.FATType(), uint32(bs.SectorsPerFAT))
	if err := d.ReadSectors(drive, fat.data, bs.FATStart(), int(bs.SectorsPerFAT)); err != nil {
		return nil, diskError("fat", err)
	}
	return &FreeInfo{
		SectorsPerCluster: uint32(bs.SectorsPerCluster),
		TotalClusters:     bs.Clusters(),
		FreeClusters:      fat.Free(bs.Clusters()),
		SectorSize:        uint32(bs.BytesPerSector),
	}, nil
}

// RootEntries lists the root directory of a mounted drive.
func (s *System) RootEntries(drive uint8) ([]*DirectoryEntry, error) {
	v, d, err := s.checkedVolume(drive)
	if err != nil {
		return nil, err
	}
	bs := v.Boot
	data := make([]byte, bs.RootDirSectors()*SectorSize)
	if err := d.ReadSectors(drive, data, bs.RootDirStart(), int(bs.RootDirSectors())); err != nil {
		return nil, diskError("root directory", err)
	}
	return decodeDirectory(data), nil
}

// BootSector returns a copy of the boot sector of a mounted drive.
func (s *System) BootSector(drive uint8) (*BootSector, error) {
	v, err := s.volume(drive)
	if err != nil {
		return nil, err
	}
	bs := *v.Boot
	return &bs, nil
}

// VolumeLabel returns the root directory label, falling back to the one
// in the boot sector.
func (s *System) VolumeLabel(drive uint8) (string, error) {
	entries, err := s.RootEntries(drive)
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		if e.IsVolumeId() {
			return e.Name(), nil
		}
	}
	v, err := s.volume(drive)
	if err != nil {
		return "", err
	}
	if v.Boot.VolumeLabel == "NO NAME" {
		return "", nil
	}
	return v.Boot.VolumeLabel, nil
}
