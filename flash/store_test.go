package flash

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/mit-pdos/go-ftw/addr"
	"github.com/mit-pdos/go-ftw/common"
	"github.com/mit-pdos/go-ftw/disk"
)

type StoreSuite struct {
	suite.Suite
	d      *disk.MemDisk
	s      *Store
	target *Region
}

func (suite *StoreSuite) SetupTest() {
	suite.d = disk.NewMemDisk(16)
	s, err := NewStore(suite.d, 1,
		Region{Name: "working", Kind: KindWorking, Base: 0, Blocks: 1},
		Region{Name: "spare", Kind: KindSpare, Base: 1, Blocks: 2},
		Region{Name: "target", Kind: KindTarget, Base: 4, Blocks: 4},
		Region{Name: "store", Kind: KindTarget, Base: 0, Blocks: 1},
	)
	suite.Require().NoError(err)
	suite.s = s
	suite.target, err = s.Region("target")
	suite.Require().NoError(err)
}

func TestStore(t *testing.T) {
	suite.Run(t, new(StoreSuite))
}

func (suite *StoreSuite) TestReadErased() {
	buf := make([]byte, 100)
	suite.NoError(suite.s.Read(suite.target, 1, 10, buf))
	suite.Equal(bytes.Repeat([]byte{common.ERASED}, 100), buf)
}

func (suite *StoreSuite) TestWriteCrossesBlocks() {
	data := bytes.Repeat([]byte{0x5a}, 300)
	off := common.BlockSize - 100
	suite.NoError(suite.s.Write(suite.target, 1, off, data))

	buf := make([]byte, 300)
	suite.NoError(suite.s.Read(suite.target, 1, off, buf))
	suite.Equal(data, buf)

	blk, _ := suite.d.Read(6)
	suite.Equal(byte(0x5a), blk[199])
	suite.Equal(common.ERASED, blk[200])
}

func (suite *StoreSuite) TestProgramOnlyClearsBits() {
	suite.NoError(suite.s.Write(suite.target, 0, 0, []byte{0xf0}))
	suite.NoError(suite.s.Write(suite.target, 0, 0, []byte{0x3f}))
	buf := make([]byte, 1)
	suite.NoError(suite.s.Read(suite.target, 0, 0, buf))
	suite.Equal(byte(0x30), buf[0], "program is old&new")

	suite.NoError(suite.s.Erase(suite.target, 0, 1))
	suite.NoError(suite.s.Write(suite.target, 0, 0, []byte{0x3f}))
	suite.NoError(suite.s.Read(suite.target, 0, 0, buf))
	suite.Equal(byte(0x3f), buf[0], "erase restores all bits")
}

func (suite *StoreSuite) TestBounds() {
	err := suite.s.Read(suite.target, 4, 0, make([]byte, 1))
	suite.True(errors.Is(err, ErrOutOfRange), "lba past the region")
	err = suite.s.Write(suite.target, 3, common.BlockSize-1, make([]byte, 2))
	suite.True(errors.Is(err, ErrOutOfRange), "range past the region")
	err = suite.s.Erase(suite.target, 2, 3)
	suite.True(errors.Is(err, ErrOutOfRange))
	err = suite.s.Read(suite.target, 0, 1<<64-1, make([]byte, 2))
	suite.True(errors.Is(err, ErrOutOfRange), "overflow")
}

func (suite *StoreSuite) TestAddressRoundTrip() {
	a, err := suite.s.PhysicalAddress(suite.target)
	suite.NoError(err)
	suite.Equal(addr.MkAddr(1, 4), a)
	r, err := suite.s.Resolve(a, KindTarget)
	suite.NoError(err)
	suite.Same(suite.target, r)

	_, err = suite.s.Resolve(addr.MkAddr(2, 4), KindTarget)
	suite.True(errors.Is(err, ErrNoRegion), "other device")
	_, err = suite.s.Resolve(addr.MkAddr(1, 9), KindTarget)
	suite.True(errors.Is(err, ErrNoRegion))
	_, err = suite.s.PhysicalAddress(&Region{Name: "stray", Base: 4, Blocks: 1})
	suite.True(errors.Is(err, ErrNoRegion), "regions must come from the store")
}

func TestLayoutValidation(t *testing.T) {
	d := disk.NewMemDisk(8)
	_, err := NewStore(d, 0)
	assert.True(t, errors.Is(err, ErrLayout), "device 0")

	_, err = NewStore(d, 1, Region{Name: "a", Base: 6, Blocks: 3})
	assert.True(t, errors.Is(err, ErrLayout), "past the end of the disk")

	_, err = NewStore(d, 1,
		Region{Name: "a", Base: 0, Blocks: 1},
		Region{Name: "a", Base: 1, Blocks: 1})
	assert.True(t, errors.Is(err, ErrLayout), "duplicate name")

	_, err = NewStore(d, 1,
		Region{Name: "w", Kind: KindWorking, Base: 0, Blocks: 2},
		Region{Name: "s", Kind: KindSpare, Base: 1, Blocks: 2})
	assert.True(t, errors.Is(err, ErrLayout), "spare overlaps working")

	s, err := NewStore(d, 1,
		Region{Name: "w", Kind: KindWorking, Base: 2, Blocks: 1},
		Region{Name: "fv", Kind: KindTarget, Base: 2, Blocks: 4})
	require.NoError(t, err)
	r, err := s.Resolve(addr.MkAddr(1, 2), KindTarget)
	require.NoError(t, err)
	assert.Equal(t, "fv", r.Name)
	r, err = s.Resolve(addr.MkAddr(1, 2), KindWorking)
	require.NoError(t, err)
	assert.Equal(t, "w", r.Name, "the region of the recorded kind wins")
	r, err = s.Resolve(addr.MkAddr(1, 2), KindUnknown)
	require.NoError(t, err)
	assert.Equal(t, "fv", r.Name, "otherwise the largest region at a base")
}

func TestResolvePrefersKind(t *testing.T) {
	s, err := NewStore(disk.NewMemDisk(8), 1,
		Region{Name: "boot", Kind: KindBoot, Base: 4, Blocks: 1},
		Region{Name: "volume", Kind: KindTarget, Base: 4, Blocks: 4},
		Region{Name: "small", Kind: KindTarget, Base: 4, Blocks: 2},
	)
	require.NoError(t, err)
	r, err := s.Resolve(addr.MkAddr(1, 4), KindBoot)
	require.NoError(t, err)
	assert.Equal(t, "boot", r.Name)
	r, err = s.Resolve(addr.MkAddr(1, 4), KindTarget)
	require.NoError(t, err)
	assert.Equal(t, "volume", r.Name, "largest of the matching kind")
	r, err = s.Resolve(addr.MkAddr(1, 4), KindSpare)
	require.NoError(t, err)
	assert.Equal(t, "volume", r.Name)
	assert.Equal(t, "unknown", KindUnknown.String())
}
