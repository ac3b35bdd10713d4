package common

import (
	"github.com/tchajed/goose/machine/disk"
)

const (
	BlockSize uint64 = disk.BlockSize

	// ERASED is the value of every byte of a freshly erased block. Programming
	// can only clear bits, so a flag is "set" when its bit reads 0.
	ERASED byte = 0xff

	HDRSZ = uint64(64) // work space header
	RECSZ = uint64(64) // one record slot

	RECFIELDS = uint64(40)   // lba, offset, length, target device, target block
	RECFLAGS  = RECFIELDS    // offset of the flag byte inside a slot
	RECKIND   = RECFLAGS + 1 // kind of the destination region

	// Default work space: the header plus 63 record slots.
	WSDEFAULT = BlockSize
)

// Flag bits inside a record's flag byte.
const (
	WRITEALLOCATED byte = 1 << 0
	SPARECOMPLETED byte = 1 << 1
	WRITECOMPLETED byte = 1 << 2
	WRITEABORTED   byte = 1 << 3
)

type Bnum = uint64

const NULLBNUM Bnum = 0
