package wal

import (
	"fmt"

	"github.com/tchajed/marshal"

	"github.com/mit-pdos/go-ftw/addr"
	"github.com/mit-pdos/go-ftw/common"
	"github.com/mit-pdos/go-ftw/flash"
)

// Flag is one of the one-way bits in a record's flag byte. A flag is set
// when its bit has been programmed to 0.
type Flag byte

const (
	WriteAllocated Flag = Flag(common.WRITEALLOCATED)
	SpareCompleted Flag = Flag(common.SPARECOMPLETED)
	WriteCompleted Flag = Flag(common.WRITECOMPLETED)
	Aborted        Flag = Flag(common.WRITEABORTED)
)

func (f Flag) String() string {
	switch f {
	case WriteAllocated:
		return "write_allocated"
	case SpareCompleted:
		return "spare_completed"
	case WriteCompleted:
		return "write_completed"
	case Aborted:
		return "aborted"
	}
	return fmt.Sprintf("Flag(%#x)", byte(f))
}

// prereq is the flag that must already be set before f may be set.
func (f Flag) prereq() (Flag, bool) {
	switch f {
	case SpareCompleted:
		return WriteAllocated, true
	case WriteCompleted:
		return SpareCompleted, true
	}
	return 0, false
}

// State is the progress of the operation a record describes.
type State int

const (
	StateEmpty State = iota
	StateAllocated
	StateSpareCompleted
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateAllocated:
		return "allocated"
	case StateSpareCompleted:
		return "spare-completed"
	case StateCompleted:
		return "completed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Record describes one update of Length bytes at byte Offset of block Lba in
// the region named by Target. Kind tells apart regions that share a base
// block; records written without it read back as flash.KindUnknown.
type Record struct {
	Lba    uint64
	Offset uint64
	Length uint64
	Target addr.Addr
	Kind   flash.Kind
	Flags  byte // raw flag byte, erased == no flags set
}

func (r Record) Has(f Flag) bool {
	return r.Flags&byte(f) == 0
}

// State folds the flags into a state, trusting the most advanced flag.
func (r Record) State() State {
	if r.Has(WriteCompleted) {
		return StateCompleted
	}
	if r.Has(SpareCompleted) {
		return StateSpareCompleted
	}
	if r.Has(WriteAllocated) {
		return StateAllocated
	}
	return StateEmpty
}

// Consistent reports whether write_completed => spare_completed =>
// write_allocated holds.
func (r Record) Consistent() bool {
	if r.Has(WriteCompleted) && !r.Has(SpareCompleted) {
		return false
	}
	if r.Has(SpareCompleted) && !r.Has(WriteAllocated) {
		return false
	}
	if r.Has(Aborted) && !r.Has(WriteCompleted) {
		return false
	}
	return true
}

func (r Record) String() string {
	s := fmt.Sprintf("{%v %v lba %d off %d len %d %v}", r.Target, r.Kind, r.Lba, r.Offset, r.Length, r.State())
	if r.Has(Aborted) {
		s += " aborted"
	}
	return s
}

const targetOff = common.RECFIELDS - addr.ADDRSZ

// encodeFields lays out everything but the flags, which stay erased.
func (r Record) encodeFields() []byte {
	enc := marshal.NewEnc(common.RECFIELDS)
	enc.PutInt(r.Lba)
	enc.PutInt(r.Offset)
	enc.PutInt(r.Length)
	b := make([]byte, common.RECKIND+1)
	copy(b, enc.Finish())
	copy(b[targetOff:], r.Target.Encode())
	b[common.RECFLAGS] = common.ERASED
	b[common.RECKIND] = byte(r.Kind)
	return b
}

func decodeRecord(slot []byte) Record {
	dec := marshal.NewDec(slot[:targetOff])
	r := Record{}
	r.Lba = dec.GetInt()
	r.Offset = dec.GetInt()
	r.Length = dec.GetInt()
	r.Target = addr.Decode(slot[targetOff:common.RECFIELDS])
	r.Flags = slot[common.RECFLAGS]
	r.Kind = flash.Kind(slot[common.RECKIND])
	return r
}
