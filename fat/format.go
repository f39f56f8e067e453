package fat

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	minVolumeSectors = 16
	mediaFixed       = 0xF8
	defaultOEMName   = "FRAMFS"
)

// FormatOptions controls Mkfs. The zero value picks any FAT variant, one
// FAT copy and no label.
type FormatOptions struct {
	FATType FATType
	NumFATs uint8
	Label   string
	OEMName string
	// VolumeID defaults to a value derived from the current time.
	VolumeID uint32
}

// PlanLayout computes the boot sector for a volume of total sectors.
func PlanLayout(total uint32, opts FormatOptions) (*BootSector, error) {
	if total < minVolumeSectors {
		return nil, fmt.Errorf("%w: %d sectors is too small", ErrMkfsAborted, total)
	}
	nFATs := opts.NumFATs
	if nFATs == 0 {
		nFATs = 1
	}
	if nFATs > 2 {
		return nil, fmt.Errorf("%w: %d FAT copies", ErrParameter, nFATs)
	}
	if opts.FATType == FAT32 {
		return nil, fmt.Errorf("%w: FAT32 is not supported", ErrParameter)
	}
	rootEntries := uint32(512)
	if total < 4096 {
		rootEntries = 64
	}
	rootSectors := rootEntries * dirEntrySize / SectorSize
	const reserved = 1

	for spc := uint32(1); spc <= 128; spc <<= 1 {
		typ, fatSectors, clusters, ok := fitFAT(total, reserved, rootSectors, uint32(nFATs), spc)
		if !ok {
			break
		}
		if typ == FAT32 {
			continue
		}
		if opts.FATType != FATAny && typ != opts.FATType {
			if opts.FATType == FAT16 {
				// larger clusters only shrink the count further
				break
			}
			continue
		}
		oem := opts.OEMName
		if oem == "" {
			oem = defaultOEMName
		}
		bs := &BootSector{
			OEMName:           oem,
			BytesPerSector:    SectorSize,
			SectorsPerCluster: uint8(spc),
			ReservedSectors:   reserved,
			NumFATs:           nFATs,
			RootEntries:       uint16(rootEntries),
			TotalSectors:      total,
			Media:             mediaFixed,
			SectorsPerFAT:     uint16(fatSectors),
			SectorsPerTrack:   63,
			NumHeads:          255,
			DriveNumber:       0x80,
			VolumeID:          opts.VolumeID,
			VolumeLabel:       opts.Label,
			FSType:            typ.String(),
		}
		if bs.Clusters() != clusters {
			return nil, fmt.Errorf("%w: inconsistent layout", ErrMkfsAborted)
		}
		return bs, nil
	}
	return nil, fmt.Errorf("%w: no %s layout for %d sectors", ErrMkfsAborted, opts.FATType, total)
}

// fitFAT sizes the FAT for a cluster size, iterating until the table is
// large enough for the clusters left after it.
func fitFAT(total, reserved, rootSectors, nFATs, spc uint32) (FATType, uint32, uint32, bool) {
	fatSectors := uint32(1)
	for {
		overhead := reserved + rootSectors + nFATs*fatSectors
		if overhead >= total {
			return 0, 0, 0, false
		}
		clusters := (total - overhead) / spc
		if clusters == 0 {
			return 0, 0, 0, false
		}
		typ := typeForClusters(clusters)
		if typ == FAT32 {
			return typ, fatSectors, clusters, true
		}
		need := (fatBytes(typ, clusters+2) + SectorSize - 1) / SectorSize
		if need <= fatSectors {
			return typ, fatSectors, clusters, true
		}
		fatSectors = need
	}
}

// Mkfs writes an empty FAT volume onto drive. work is scratch space of at
// least one sector; every sector is staged through it.
func (s *System) Mkfs(drive uint8, opts FormatOptions, work []byte) error {
	d, err := s.driver(drive)
	if err != nil {
		return err
	}
	if len(work) < SectorSize {
		return fmt.Errorf("%w: work buffer of %d bytes", ErrMkfsAborted, len(work))
	}
	s.dropVolume(drive)

	st := d.Initialize(drive)
	if st&StatusNoInit != 0 {
		return ErrNotReady
	}
	if st&StatusProtect != 0 {
		return ErrWriteProtected
	}
	ss, err := d.Ioctl(drive, GetSectorSize)
	if err != nil {
		return diskError("sector size", err)
	}
	if ss != SectorSize {
		return fmt.Errorf("%w: sector size %d", ErrMkfsAborted, ss)
	}
	total, err := d.Ioctl(drive, GetSectorCount)
	if err != nil {
		return diskError("sector count", err)
	}

	if opts.VolumeID == 0 {
		opts.VolumeID = uint32(time.Now().Unix())
	}
	bs, err := PlanLayout(total, opts)
	if err != nil {
		return err
	}
	s.log.WithFields(log.Fields{
		"drive":    drive,
		"type":     bs.FSType,
		"clusters": bs.Clusters(),
		"spc":      bs.SectorsPerCluster,
	}).Debug("mkfs")

	buf := work[:SectorSize]
	write := func(what string, sector uint32) error {
		if err := d.WriteSectors(drive, buf, sector, 1); err != nil {
			return diskError(what, err)
		}
		return nil
	}

	bs.encode(buf)
	if err := write("boot sector", 0); err != nil {
		return err
	}

	fat := newFAT(bs.FATType(), uint32(bs.SectorsPerFAT))
	fat.reserve(bs.Media)
	for copyN := uint32(0); copyN < uint32(bs.NumFATs); copyN++ {
		start := bs.FATStart() + copyN*uint32(bs.SectorsPerFAT)
		for i := uint32(0); i < uint32(bs.SectorsPerFAT); i++ {
			copy(buf, fat.data[i*SectorSize:(i+1)*SectorSize])
			if err := write("fat", start+i); err != nil {
				return err
			}
		}
	}

	for i := uint32(0); i < bs.RootDirSectors(); i++ {
		clear(buf)
		if i == 0 && opts.Label != "" {
			encodeVolumeLabel(buf[:dirEntrySize], opts.Label, time.Now())
		}
		if err := write("root directory", bs.RootDirStart()+i); err != nil {
			return err
		}
	}

	if _, err := d.Ioctl(drive, CtrlSync); err != nil {
		return diskError("sync", err)
	}
	return nil
}
