package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rabidaudio/sdspi/mbr"
)

func TestCreateAndInspect(t *testing.T) {
	path := filepath.Join(t.TempDir(), "card.img")
	blocks, start, format = 65536, 2048, false

	assert.NoError(t, create(path))

	// the image carries a valid table with one FAT32-LBA partition
	raw, err := os.ReadFile(path)
	assert.NoError(t, err)
	s, err := mbr.FromBytes(raw[:mbr.SectorSize])
	assert.NoError(t, err)
	assert.True(t, s.Valid())
	assert.Equal(t, byte(mbr.TypeFAT32LBA), s.Entry(0).Type())
	assert.Equal(t, uint32(2048), s.Entry(0).StartLBA())

	assert.NoError(t, inspect(path))
}

func TestCreateFormatted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "card.img")
	blocks, start, format, label = 65536, 2048, true, "TEST"

	assert.NoError(t, create(path))
	assert.NoError(t, inspect(path))
}

func TestCreateValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "card.img")

	blocks, start, format = 65000, 2048, false // not a capacity multiple
	assert.Error(t, create(path))

	blocks, start = 4096, 4000 // no room for a minimum partition
	assert.Error(t, create(path))
}
