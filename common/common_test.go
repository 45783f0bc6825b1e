package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLayout(t *testing.T) {
	assert := assert.New(t)
	assert.Equal(SectorSize, HDRMETA+NumDirect*8, "a header fills one sector")
	assert.Equal(uint64(509), NumDirect)
	assert.Equal(DirEntrySize, DirEntryMeta+FileNameMaxLen+1)
	assert.Equal(SectorSize, DirectoryFileSize, "a directory table fits one sector")
}
