package fat

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"strings"
)

// FATType is the FAT entry width of a volume.
type FATType uint8

const (
	FATAny FATType = iota
	FAT12
	FAT16
	FAT32
)

func (t FATType) String() string {
	switch t {
	case FAT12:
		return "FAT12"
	case FAT16:
		return "FAT16"
	case FAT32:
		return "FAT32"
	}
	return "FAT"
}

// cluster count limits from the FAT specification
const (
	maxFAT12Clusters = 4084
	maxFAT16Clusters = 65524
)

func typeForClusters(n uint32) FATType {
	switch {
	case n <= maxFAT12Clusters:
		return FAT12
	case n <= maxFAT16Clusters:
		return FAT16
	}
	return FAT32
}

// BootSector is the BIOS parameter block of a FAT12/16 volume.
type BootSector struct {
	OEMName           string
	BytesPerSector    uint16
	SectorsPerCluster uint8
	ReservedSectors   uint16
	NumFATs           uint8
	RootEntries       uint16
	TotalSectors      uint32
	Media             uint8
	SectorsPerFAT     uint16
	SectorsPerTrack   uint16
	NumHeads          uint16
	HiddenSectors     uint32
	DriveNumber       uint8
	VolumeID          uint32
	VolumeLabel       string
	FSType            string
}

const (
	bootSigOffset = 510
	extBootSig    = 0x29
)

// DecodeBootSector parses sector 0. Anything that is not a usable FAT12/16
// boot sector yields ErrNoFilesystem.
func DecodeBootSector(data []byte) (*BootSector, error) {
	if len(data) < SectorSize {
		return nil, fmt.Errorf("%w: short boot sector", ErrNoFilesystem)
	}
	if binary.LittleEndian.Uint16(data[bootSigOffset:]) != 0xAA55 {
		return nil, fmt.Errorf("%w: missing boot signature", ErrNoFilesystem)
	}
	if data[0] != 0xEB && data[0] != 0xE9 && data[0] != 0xE8 {
		return nil, fmt.Errorf("%w: bad jump instruction 0x%02x", ErrNoFilesystem, data[0])
	}

	bs := &BootSector{
		OEMName:           strings.TrimRight(string(data[3:11]), " \x00"),
		BytesPerSector:    binary.LittleEndian.Uint16(data[11:]),
		SectorsPerCluster: data[13],
		ReservedSectors:   binary.LittleEndian.Uint16(data[14:]),
		NumFATs:           data[16],
		RootEntries:       binary.LittleEndian.Uint16(data[17:]),
		TotalSectors:      uint32(binary.LittleEndian.Uint16(data[19:])),
		Media:             data[21],
		SectorsPerFAT:     binary.LittleEndian.Uint16(data[22:]),
		SectorsPerTrack:   binary.LittleEndian.Uint16(data[24:]),
		NumHeads:          binary.LittleEndian.Uint16(data[26:]),
		HiddenSectors:     binary.LittleEndian.Uint32(data[28:]),
	}
	if bs.TotalSectors == 0 {
		bs.TotalSectors = binary.LittleEndian.Uint32(data[32:])
	}
	if data[38] == extBootSig {
		bs.DriveNumber = data[36]
		bs.VolumeID = binary.LittleEndian.Uint32(data[39:])
		bs.VolumeLabel = strings.TrimRight(string(data[43:54]), " ")
		bs.FSType = strings.TrimRight(string(data[54:62]), " ")
	}

	if err := bs.validate(); err != nil {
		return nil, err
	}
	return bs, nil
}

func (bs *BootSector) validate() error {
	switch {
	case bs.BytesPerSector != SectorSize:
		return fmt.Errorf("%w: sector size %d", ErrNoFilesystem, bs.BytesPerSector)
	case bs.SectorsPerCluster == 0 || bits.OnesCount8(bs.SectorsPerCluster) != 1:
		return fmt.Errorf("%w: cluster size %d", ErrNoFilesystem, bs.SectorsPerCluster)
	case bs.ReservedSectors == 0:
		return fmt.Errorf("%w: no reserved sectors", ErrNoFilesystem)
	case bs.NumFATs != 1 && bs.NumFATs != 2:
		return fmt.Errorf("%w: %d FATs", ErrNoFilesystem, bs.NumFATs)
	case bs.RootEntries == 0 || bs.RootEntries%(SectorSize/dirEntrySize) != 0:
		// FAT32 keeps the root directory in a cluster chain
		return fmt.Errorf("%w: root entries %d", ErrNoFilesystem, bs.RootEntries)
	case bs.SectorsPerFAT == 0:
		return fmt.Errorf("%w: FAT32 volumes are not supported", ErrNoFilesystem)
	case bs.TotalSectors == 0:
		return fmt.Errorf("%w: no sectors", ErrNoFilesystem)
	}
	if bs.DataStart() >= bs.TotalSectors {
		return fmt.Errorf("%w: no data area", ErrNoFilesystem)
	}
	if bs.Clusters() == 0 {
		return fmt.Errorf("%w: no clusters", ErrNoFilesystem)
	}
	if uint32(bs.SectorsPerFAT)*SectorSize < fatBytes(bs.FATType(), bs.Clusters()+2) {
		return fmt.Errorf("%w: %d FAT sectors too small for %d clusters", ErrNoFilesystem, bs.SectorsPerFAT, bs.Clusters())
	}
	return nil
}

// FATStart is the first sector of the first FAT.
func (bs *BootSector) FATStart() uint32 {
	return uint32(bs.ReservedSectors)
}

func (bs *BootSector) RootDirStart() uint32 {
	return bs.FATStart() + uint32(bs.NumFATs)*uint32(bs.SectorsPerFAT)
}

func (bs *BootSector) RootDirSectors() uint32 {
	return (uint32(bs.RootEntries)*dirEntrySize + SectorSize - 1) / SectorSize
}

func (bs *BootSector) DataStart() uint32 {
	return bs.RootDirStart() + bs.RootDirSectors()
}

// Clusters is the number of data clusters (FatFs n_fatent - 2).
func (bs *BootSector) Clusters() uint32 {
	if bs.DataStart() >= bs.TotalSectors {
		return 0
	}
	return (bs.TotalSectors - bs.DataStart()) / uint32(bs.SectorsPerCluster)
}

func (bs *BootSector) FATType() FATType {
	return typeForClusters(bs.Clusters())
}

// Bytes encodes the boot sector into a full 512 byte sector.
func (bs *BootSector) Bytes() []byte {
	data := make([]byte, SectorSize)
	bs.encode(data)
	return data
}

func (bs *BootSector) encode(data []byte) {
	clear(data[:SectorSize])
	copy(data[0:3], []byte{0xEB, 0x3C, 0x90})
	copy(data[3:11], padRight(bs.OEMName, 8))
	binary.LittleEndian.PutUint16(data[11:], bs.BytesPerSector)
	data[13] = bs.SectorsPerCluster
	binary.LittleEndian.PutUint16(data[14:], bs.ReservedSectors)
	data[16] = bs.NumFATs
	binary.LittleEndian.PutUint16(data[17:], bs.RootEntries)
	if bs.TotalSectors < 0x10000 {
		binary.LittleEndian.PutUint16(data[19:], uint16(bs.TotalSectors))
	} else {
		binary.LittleEndian.PutUint32(data[32:], bs.TotalSectors)
	}
	data[21] = bs.Media
	binary.LittleEndian.PutUint16(data[22:], bs.SectorsPerFAT)
	binary.LittleEndian.PutUint16(data[24:], bs.SectorsPerTrack)
	binary.LittleEndian.PutUint16(data[26:], bs.NumHeads)
	binary.LittleEndian.PutUint32(data[28:], bs.HiddenSectors)
	data[36] = bs.DriveNumber
	data[38] = extBootSig
	binary.LittleEndian.PutUint32(data[39:], bs.VolumeID)
	label := bs.VolumeLabel
	if label == "" {
		label = "NO NAME"
	}
	copy(data[43:54], padRight(label, 11))
	copy(data[54:62], padRight(bs.FSType, 8))
	binary.LittleEndian.PutUint16(data[bootSigOffset:], 0xAA55)
}

func padRight(s string, n int) []byte {
	out := []byte(strings.Repeat(" ", n))
	copy(out, strings.ToUpper(s))
	return out
}
