package addr

import (
	"fmt"

	"github.com/tchajed/marshal"

	"github.com/mit-pdos/go-ftw/common"
)

// ADDRSZ is the encoded size of an Addr.
const ADDRSZ = uint64(16)

// Addr identifies a destination region across reboots.
//
// Device names the flash device and Block is the first physical block of the
// region on that device. Two Addrs name the same region iff they are ==.
// Device 0 is reserved for "no address".
type Addr struct {
	Device uint64
	Block  common.Bnum
}

func MkAddr(dev uint64, blkno common.Bnum) Addr {
	return Addr{Device: dev, Block: blkno}
}

func (a Addr) Valid() bool {
	return a.Device != 0
}

func (a Addr) String() string {
	return fmt.Sprintf("%d:%d", a.Device, a.Block)
}

// Encode returns the persisted form of a; Decode(a.Encode()) == a.
func (a Addr) Encode() []byte {
	enc := marshal.NewEnc(ADDRSZ)
	enc.PutInt(a.Device)
	enc.PutInt(a.Block)
	return enc.Finish()
}

func Decode(b []byte) Addr {
	dec := marshal.NewDec(b[:ADDRSZ])
	dev := dec.GetInt()
	blk := dec.GetInt()
	return Addr{Device: dev, Block: blk}
}
