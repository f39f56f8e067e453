package fat

import "encoding/binary"

// FAT is an in-memory copy of one file allocation table.
type FAT struct {
	typ  FATType
	data []byte
}

// fatBytes is the table size needed for n entries.
func fatBytes(typ FATType, n uint32) uint32 {
	if typ == FAT12 {
		return (n*3 + 1) / 2
	}
	return n * 2
}

func newFAT(typ FATType, sectors uint32) *FAT {
	return &FAT{typ: typ, data: make([]byte, sectors*SectorSize)}
}

// offset returns the byte offset of entry n, or false when the two bytes
// holding it lie past the end of the table.
func (f *FAT) offset(n uint32) (uint32, bool) {
	off := n * 2
	if f.typ == FAT12 {
		off = n + n/2
	}
	return off, uint64(off)+2 <= uint64(len(f.data))
}

// Get returns entry n. An entry outside the table reads as end of chain.
func (f *FAT) Get(n uint32) uint32 {
	off, ok := f.offset(n)
	if !ok {
		if f.typ == FAT12 {
			return 0x0FFF
		}
		return 0xFFFF
	}
	v := uint32(binary.LittleEndian.Uint16(f.data[off:]))
	if f.typ == FAT12 {
		if n&1 != 0 {
			return v >> 4
		}
		return v & 0x0FFF
	}
	return v
}

// Set stores v in entry n. Entries outside the table are ignored.
func (f *FAT) Set(n, v uint32) {
	off, ok := f.offset(n)
	if !ok {
		return
	}
	if f.typ == FAT12 {
		old := binary.LittleEndian.Uint16(f.data[off:])
		if n&1 != 0 {
			old = old&0x000F | uint16(v&0x0FFF)<<4
		} else {
			old = old&0xF000 | uint16(v&0x0FFF)
		}
		binary.LittleEndian.PutUint16(f.data[off:], old)
		return
	}
	binary.LittleEndian.PutUint16(f.data[off:], uint16(v))
}

// Free counts the unallocated entries among clusters 2..clusters+1.
func (f *FAT) Free(clusters uint32) uint32 {
	var free uint32
	for n := uint32(2); n < clusters+2; n++ {
		if f.Get(n) == 0 {
			free++
		}
	}
	return free
}

// reserve writes the media descriptor and end-of-chain marker into
// entries 0 and 1.
func (f *FAT) reserve(media uint8) {
	if f.typ == FAT12 {
		f.Set(0, 0xF00|uint32(media))
		f.Set(1, 0xFFF)
		return
	}
	f.Set(0, 0xFF00|uint32(media))
	f.Set(1, 0xFFFF)
}
