package image

import (
	"bytes"
	"errors"
	"testing"

	"github.com/rstms/framfs"
	"github.com/rstms/framfs/fram"
	"github.com/rstms/framfs/framsim"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func TestImageCreate(t *testing.T) {
	fs := afero.NewMemMapFs()
	i, err := CreateImage(fs, "fram.img", 32)
	require.Nil(t, err)
	require.Equal(t, 32, i.CapacityKB)
	require.Equal(t, 32*KB, i.Chip().Size())
	require.Nil(t, i.Close())

	info, err := fs.Stat("fram.img")
	require.Nil(t, err)
	require.Equal(t, int64(32*KB), info.Size())

	_, err = CreateImage(fs, "bad.img", 0)
	require.NotNil(t, err)
	_, err = CreateImage(fs, "bad.img", fram.MaxCapacityKB+1)
	require.NotNil(t, err)
}

func TestImageOpenRejectsOddSize(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.Nil(t, afero.WriteFile(fs, "odd.img", make([]byte, 1000), 0600))
	_, err := OpenImage(fs, "odd.img")
	require.NotNil(t, err)
	_, err = OpenImage(fs, "missing.img")
	require.NotNil(t, err)
}

func TestImageFormatPersists(t *testing.T) {
	fs := afero.NewMemMapFs()
	i, err := CreateImage(fs, "fram.img", 64)
	require.Nil(t, err)

	_, err = i.Mount(framfs.DefaultConfig())
	require.True(t, errors.Is(err, fram.ErrNoFilesystem))

	cfg := framfs.DefaultConfig()
	cfg.FormatIfEmpty = true
	v, err := i.Mount(cfg)
	require.Nil(t, err)
	total := v.TotalBytes()
	require.Equal(t, uint32(122*512), total)
	data := bytes.Repeat([]byte{0xAA}, 512)
	require.True(t, v.WriteRAW(data, 127))
	require.Nil(t, i.Close())

	i, err = OpenImage(fs, "fram.img")
	require.Nil(t, err)
	defer i.Close()
	require.Equal(t, 64, i.CapacityKB)
	v, err = i.Mount(framfs.DefaultConfig())
	require.Nil(t, err)
	require.Equal(t, total, v.TotalBytes())
	buf := make([]byte, 512)
	require.True(t, v.ReadRAW(buf, 127))
	require.Equal(t, data, buf)

	again, err := i.Mount(framfs.DefaultConfig())
	require.Nil(t, err)
	require.Same(t, v, again)
}

func TestImageUnformat(t *testing.T) {
	fs := afero.NewMemMapFs()
	i, err := CreateImage(fs, "fram.img", 32)
	require.Nil(t, err)
	defer i.Close()
	cfg := framfs.DefaultConfig()
	cfg.ForceFormat = true
	_, err = i.Mount(cfg)
	require.Nil(t, err)
	i.Unmount()

	require.Nil(t, i.Unformat())
	raw, err := afero.ReadFile(fs, "fram.img")
	require.Nil(t, err)
	require.Equal(t, bytes.Repeat([]byte{0xFF}, 512), raw[:512])

	_, err = i.Mount(framfs.DefaultConfig())
	require.True(t, errors.Is(err, fram.ErrNoFilesystem))
}

func TestImageReadID(t *testing.T) {
	i, err := CreateImage(afero.NewMemMapFs(), "fram.img", 8)
	require.Nil(t, err)
	defer i.Close()
	id, err := i.ReadID()
	require.Nil(t, err)
	require.Equal(t, fram.ID(framsim.DefaultID), id)
}

func TestImageRawSectors(t *testing.T) {
	i, err := CreateImage(afero.NewMemMapFs(), "fram.img", 32)
	require.Nil(t, err)
	defer i.Close()

	data := bytes.Repeat([]byte{0x3C}, 512)
	require.Nil(t, i.WriteSector(data, 5))
	buf := make([]byte, 512)
	require.Nil(t, i.ReadSector(buf, 5))
	require.Equal(t, data, buf)
	require.True(t, errors.Is(i.ReadSector(buf, 64), fram.ErrOutOfRange))
	require.Equal(t, data, i.Chip().Bytes()[5*512:6*512])
}
