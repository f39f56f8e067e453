// Package framsim emulates a serial FRAM chip (MB85RS style) on an SPI
// port. The memory array can be backed by an afero file.
package framsim

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/spf13/afero"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
)

const (
	opWRSR  = 0x01
	opWRITE = 0x02
	opREAD  = 0x03
	opWRDI  = 0x04
	opRDSR  = 0x05
	opWREN  = 0x06
	opFSTRD = 0x0B
	opRDID  = 0x9F

	statusWEL = 0x02
	// block protect and WPEN bits
	statusWritable = 0x8C

	MaxFrequency = 20 * physic.MegaHertz
)

var ErrNotSelected = errors.New("framsim: transfer without chip select")

// DefaultID is a Fujitsu manufacturer code, continuation code and product id.
var DefaultID = [4]byte{0x04, 0x7F, 0x05, 0x09}

type phase int

const (
	phaseIdle phase = iota
	phaseOpcode
	phaseAddress
	phaseDummy
	phaseData
	phaseStatus
	phaseWriteStatus
	phaseID
)

// Chip is an emulated FRAM. It implements spi.Port; its select line is
// returned by Select.
type Chip struct {
	mu       sync.Mutex
	mem      []byte
	file     afero.File
	id       [4]byte
	maxFreq  physic.Frequency
	selected bool
	status   byte

	phase     phase
	op        byte
	addr      uint32
	addrBytes int
	idIndex   int
	dirtyLo   int
	dirtyHi   int

	selects   int
	transfers int
	written   int
}

var _ spi.Port = (*Chip)(nil)

// NewMemory returns a zero filled chip of capacityKB kilobytes with no
// backing file.
func NewMemory(capacityKB int) *Chip {
	return newChip(make([]byte, capacityKB*1024), nil)
}

// Open returns a chip of size bytes whose contents are loaded from f and
// written back to f whenever the chip is deselected after a write.
func Open(f afero.File, size int64) (*Chip, error) {
	if size <= 0 {
		return nil, fmt.Errorf("framsim: invalid size %d", size)
	}
	mem := make([]byte, size)
	n, err := f.ReadAt(mem, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	clear(mem[n:])
	return newChip(mem, f), nil
}

func newChip(mem []byte, f afero.File) *Chip {
	return &Chip{
		mem:     mem,
		file:    f,
		id:      DefaultID,
		maxFreq: MaxFrequency,
		dirtyLo: -1,
	}
}

func (c *Chip) String() string {
	return fmt.Sprintf("framsim(%dKB)", len(c.mem)/1024)
}

// Connect accepts mode 0 or mode 3, MSB first, 8 bit words.
func (c *Chip) Connect(f physic.Frequency, mode spi.Mode, bits int) (spi.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if bits != 8 {
		return nil, fmt.Errorf("framsim: unsupported word size %d", bits)
	}
	if mode&spi.LSBFirst != 0 {
		return nil, errors.New("framsim: chip is MSB first")
	}
	if m := mode & spi.Mode3; m != spi.Mode0 && m != spi.Mode3 {
		return nil, fmt.Errorf("framsim: unsupported mode %v", m)
	}
	if f <= 0 || f > c.maxFreq {
		return nil, fmt.Errorf("framsim: frequency %s out of range", f)
	}
	return &chipConn{chip: c, freq: f}, nil
}

func (c *Chip) LimitSpeed(f physic.Frequency) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxFreq = f
	return nil
}

// SetID changes the identifier returned by RDID.
func (c *Chip) SetID(id [4]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.id = id
}

func (c *Chip) Size() int {
	return len(c.mem)
}

// Bytes returns a copy of the memory array.
func (c *Chip) Bytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]byte, len(c.mem))
	copy(out, c.mem)
	return out
}

// Fill overwrites the whole array with v, bypassing the SPI protocol.
func (c *Chip) Fill(v byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.mem {
		c.mem[i] = v
	}
	c.markDirty(0)
	c.markDirty(len(c.mem) - 1)
	return c.flush()
}

// Selects returns how many times chip select was asserted.
func (c *Chip) Selects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selects
}

// Transfers returns the number of Tx calls seen.
func (c *Chip) Transfers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transfers
}

// Written returns the number of memory bytes stored by WRITE commands.
func (c *Chip) Written() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.written
}

// Selected reports whether chip select is currently asserted.
func (c *Chip) Selected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selected
}

// Select returns the chip's active low select line.
func (c *Chip) Select() *SelectPin {
	return &SelectPin{chip: c}
}

// SelectPin drives the chip select input.
type SelectPin struct {
	chip *Chip
}

func (p *SelectPin) Out(l gpio.Level) error {
	return p.chip.setSelected(l == gpio.Low)
}

func (p *SelectPin) String() string {
	return "CS"
}

func (c *Chip) setSelected(on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if on == c.selected {
		return nil
	}
	c.selected = on
	if on {
		c.selects++
		c.phase = phaseOpcode
		return nil
	}
	// a completed WRITE or WRSR drops the write enable latch
	if c.op == opWRITE || c.op == opWRSR {
		c.status &^= statusWEL
	}
	c.phase = phaseIdle
	c.op = 0
	return c.flush()
}

func (c *Chip) exchange(w, r []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.selected {
		return ErrNotSelected
	}
	c.transfers++
	n := max(len(w), len(r))
	for i := 0; i < n; i++ {
		var in byte
		if i < len(w) {
			in = w[i]
		}
		out := c.clock(in)
		if i < len(r) {
			r[i] = out
		}
	}
	return nil
}

func (c *Chip) clock(in byte) byte {
	switch c.phase {
	case phaseOpcode:
		c.opcode(in)
	case phaseAddress:
		c.addr = c.addr<<8 | uint32(in)
		c.addrBytes++
		if c.addrBytes == 3 {
			c.addr %= uint32(len(c.mem))
			c.phase = phaseData
			if c.op == opFSTRD {
				c.phase = phaseDummy
			}
		}
	case phaseDummy:
		c.phase = phaseData
	case phaseData:
		return c.data(in)
	case phaseStatus:
		return c.status
	case phaseWriteStatus:
		if c.status&statusWEL != 0 {
			c.status = c.status&^statusWritable | in&statusWritable
		}
		c.phase = phaseIdle
	case phaseID:
		out := c.id[c.idIndex%len(c.id)]
		c.idIndex++
		return out
	}
	return 0
}

func (c *Chip) opcode(op byte) {
	c.op = op
	c.phase = phaseIdle
	switch op {
	case opWREN:
		c.status |= statusWEL
	case opWRDI:
		c.status &^= statusWEL
	case opRDSR:
		c.phase = phaseStatus
	case opWRSR:
		c.phase = phaseWriteStatus
	case opREAD, opWRITE, opFSTRD:
		c.addr = 0
		c.addrBytes = 0
		c.phase = phaseAddress
	case opRDID:
		c.idIndex = 0
		c.phase = phaseID
	}
}

func (c *Chip) data(in byte) byte {
	i := int(c.addr)
	c.addr = (c.addr + 1) % uint32(len(c.mem))
	switch c.op {
	case opREAD, opFSTRD:
		return c.mem[i]
	case opWRITE:
		if c.status&statusWEL != 0 {
			c.mem[i] = in
			c.written++
			c.markDirty(i)
		}
	}
	return 0
}

func (c *Chip) markDirty(i int) {
	if c.dirtyLo < 0 {
		c.dirtyLo, c.dirtyHi = i, i
		return
	}
	c.dirtyLo = min(c.dirtyLo, i)
	c.dirtyHi = max(c.dirtyHi, i)
}

func (c *Chip) flush() error {
	if c.dirtyLo < 0 {
		return nil
	}
	lo, hi := c.dirtyLo, c.dirtyHi
	c.dirtyLo, c.dirtyHi = -1, -1
	if c.file == nil {
		return nil
	}
	_, err := c.file.WriteAt(c.mem[lo:hi+1], int64(lo))
	return err
}

type chipConn struct {
	chip *Chip
	freq physic.Frequency
}

var _ spi.Conn = (*chipConn)(nil)

func (cc *chipConn) String() string {
	return fmt.Sprintf("%s@%s", cc.chip, cc.freq)
}

func (cc *chipConn) Tx(w, r []byte) error {
	if len(w) != 0 && len(r) != 0 && len(w) != len(r) {
		return errors.New("framsim: w and r must be the same length")
	}
	return cc.chip.exchange(w, r)
}

func (cc *chipConn) TxPackets(p []spi.Packet) error {
	for i := range p {
		if err := cc.Tx(p[i].W, p[i].R); err != nil {
			return err
		}
	}
	return nil
}

func (cc *chipConn) Duplex() conn.Duplex {
	return conn.Full
}
