package disk

import (
	"github.com/mit-pdos/go-ftw/common"
)

// Block is a 4096-byte buffer
type Block = []byte

const BlockSize uint64 = common.BlockSize

// Disk provides access to a logical block-based disk.
//
// A Write of one block is atomic with respect to power loss: after a crash the
// block holds either its old or its new contents.
type Disk interface {
	// Read reads a disk block by address
	//
	// Expects a < Size().
	Read(a uint64) (Block, error)

	// ReadTo reads the disk block at a and stores the result in b
	//
	// Expects a < Size().
	ReadTo(a uint64, b Block) error

	// Write updates a disk block by address
	//
	// Expects a < Size().
	Write(a uint64, v Block) error

	// Size reports how big the disk is, in blocks
	Size() (uint64, error)

	// Barrier ensures data is persisted.
	//
	// When it returns, all outstanding writes are guaranteed to be durably on
	// disk
	Barrier() error

	// Close releases any resources used by the disk and makes it unusable.
	Close() error
}
