package fat

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"
)

type DirectoryAttr uint8

const (
	AttrReadOnly  DirectoryAttr = 0x01
	AttrHidden    DirectoryAttr = 0x02
	AttrSystem    DirectoryAttr = 0x04
	AttrVolumeId  DirectoryAttr = 0x08
	AttrDirectory DirectoryAttr = 0x10
	AttrArchive   DirectoryAttr = 0x20
	AttrLongName                = AttrReadOnly | AttrHidden | AttrSystem | AttrVolumeId
)

const (
	dirEntrySize = 32
	entryFree    = 0x00
	entryDeleted = 0xE5
)

// DirectoryEntry is one short-name entry of the root directory.
type DirectoryEntry struct {
	name    string
	ext     string
	attr    DirectoryAttr
	cluster uint32
	size    uint32
	written time.Time
}

// Name returns NAME.EXT, or the bare label for a volume id entry.
func (d *DirectoryEntry) Name() string {
	if d.IsVolumeId() {
		return strings.TrimSpace(d.name + d.ext)
	}
	if d.ext == "" {
		return d.name
	}
	return fmt.Sprintf("%s.%s", d.name, d.ext)
}

func (d *DirectoryEntry) Attr() DirectoryAttr {
	return d.attr
}

func (d *DirectoryEntry) IsDir() bool {
	return d.attr&AttrDirectory == AttrDirectory
}

func (d *DirectoryEntry) IsVolumeId() bool {
	return d.attr&AttrVolumeId == AttrVolumeId
}

func (d *DirectoryEntry) Cluster() uint32 {
	return d.cluster
}

func (d *DirectoryEntry) Size() uint32 {
	return d.size
}

func (d *DirectoryEntry) ModTime() time.Time {
	return d.written
}

// decodeDirectory parses raw directory sectors, skipping deleted and long
// name entries and stopping at the first free slot.
func decodeDirectory(data []byte) []*DirectoryEntry {
	var entries []*DirectoryEntry
	for off := 0; off+dirEntrySize <= len(data); off += dirEntrySize {
		raw := data[off : off+dirEntrySize]
		switch raw[0] {
		case entryFree:
			return entries
		case entryDeleted:
			continue
		}
		attr := DirectoryAttr(raw[11])
		if attr&AttrLongName == AttrLongName {
			continue
		}
		name := raw[0:8]
		if name[0] == 0x05 {
			name = append([]byte{entryDeleted}, name[1:]...)
		}
		entries = append(entries, &DirectoryEntry{
			name:    strings.TrimRight(string(name), " "),
			ext:     strings.TrimRight(string(raw[8:11]), " "),
			attr:    attr,
			cluster: uint32(binary.LittleEndian.Uint16(raw[26:])),
			size:    binary.LittleEndian.Uint32(raw[28:]),
			written: decodeTimestamp(binary.LittleEndian.Uint16(raw[24:]), binary.LittleEndian.Uint16(raw[22:])),
		})
	}
	return entries
}

// encodeVolumeLabel writes a volume id entry into raw.
func encodeVolumeLabel(raw []byte, label string, now time.Time) {
	copy(raw[0:11], padRight(label, 11))
	raw[11] = byte(AttrVolumeId)
	date, tm := encodeTimestamp(now)
	binary.LittleEndian.PutUint16(raw[22:], tm)
	binary.LittleEndian.PutUint16(raw[24:], date)
}

func encodeTimestamp(t time.Time) (date, tm uint16) {
	if t.Year() < 1980 {
		return 0x21, 0
	}
	date = uint16(t.Year()-1980)<<9 | uint16(t.Month())<<5 | uint16(t.Day())
	tm = uint16(t.Hour())<<11 | uint16(t.Minute())<<5 | uint16(t.Second()/2)
	return date, tm
}

func decodeTimestamp(date, tm uint16) time.Time {
	if date == 0 {
		return time.Time{}
	}
	return time.Date(
		1980+int(date>>9), time.Month(date>>5&0x0F), int(date&0x1F),
		int(tm>>11), int(tm>>5&0x3F), int(tm&0x1F)*2, 0, time.Local)
}
