// Package wal is the record log of the fault tolerant write journal.
//
// The log lives in a "work space" inside the working region:
//
//	[ header | record 0 | record 1 | ... | record n-1 | erased ... ]
//	  HDRSZ    RECSZ each                                size
//
// Records are appended densely and never rewritten; afterwards only bits of
// their flag byte are programmed, in the order write_allocated,
// spare_completed, write_completed. The first fully erased slot ends the log.
// The Log keeps an in-memory mirror of the work space, refreshed explicitly
// with Refresh; the flash copy is authoritative.
package wal

import (
	"hash/crc32"

	"github.com/pkg/errors"
	"github.com/tchajed/marshal"

	"github.com/mit-pdos/go-ftw/addr"
	"github.com/mit-pdos/go-ftw/common"
	"github.com/mit-pdos/go-ftw/flash"
	"github.com/mit-pdos/go-ftw/util"
)

var (
	ErrOutOfLogSpace     = errors.New("wal: out of log space")
	ErrInvalidTransition = errors.New("wal: invalid flag transition")
	ErrInvalidWorkSpace  = errors.New("wal: invalid work space")
	ErrGeometry          = errors.New("wal: work space does not fit")
)

const (
	SIGNATURE uint64 = 0x4543415053575446 // "FTWSPACE"
	VERSION   uint64 = 1

	hdrFields = uint64(32)
)

var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

// Handle names a record by its slot.
type Handle uint64

type Log struct {
	bs     flash.BlockStore
	region *flash.Region
	off    uint64 // byte offset of the work space in region
	size   uint64
	space  []byte // mirror of the work space
	nrec   uint64
	valid  bool
}

// Open describes a work space of size bytes at byte off of region. Nothing
// is read until Refresh.
func Open(bs flash.BlockStore, region *flash.Region, off uint64, size uint64) (*Log, error) {
	if size < common.HDRSZ+common.RECSZ || util.SumOverflows(off, size) || off+size > region.Size() {
		return nil, errors.Wrapf(ErrGeometry, "%d bytes at %d in %v", size, off, region)
	}
	l := &Log{
		bs:     bs,
		region: region,
		off:    off,
		size:   size,
		space:  util.Erased(size),
	}
	return l, nil
}

func (l *Log) Region() *flash.Region {
	return l.region
}

// Range is the byte range [off, off+size) of the work space in its region.
func (l *Log) Range() (uint64, uint64) {
	return l.off, l.size
}

func (l *Log) Capacity() uint64 {
	return (l.size - common.HDRSZ) / common.RECSZ
}

func (l *Log) Len() uint64 {
	return l.nrec
}

func (l *Log) Free() uint64 {
	return l.Capacity() - l.nrec
}

func slotOff(h Handle) uint64 {
	return common.HDRSZ + uint64(h)*common.RECSZ
}

// FlagPos is the byte offset of h's flag byte within the region.
func (l *Log) FlagPos(h Handle) uint64 {
	return l.off + slotOff(h) + common.RECFLAGS
}

func headerCrc(size uint64) uint64 {
	enc := marshal.NewEnc(24)
	enc.PutInt(SIGNATURE)
	enc.PutInt(size)
	enc.PutInt(VERSION)
	return uint64(crc32.Checksum(enc.Finish(), castagnoliTable))
}

func (l *Log) header() []byte {
	enc := marshal.NewEnc(hdrFields)
	enc.PutInt(SIGNATURE)
	enc.PutInt(headerCrc(l.size))
	enc.PutInt(l.size)
	enc.PutInt(VERSION)
	hdr := util.Erased(common.HDRSZ)
	copy(hdr, enc.Finish())
	return hdr
}

// ValidImage reports whether ws starts with a header for a work space of
// this log's size.
func (l *Log) ValidImage(ws []byte) bool {
	if uint64(len(ws)) < common.HDRSZ {
		return false
	}
	dec := marshal.NewDec(ws[:hdrFields])
	sig := dec.GetInt()
	crc := dec.GetInt()
	size := dec.GetInt()
	version := dec.GetInt()
	return sig == SIGNATURE && size == l.size && version == VERSION && crc == headerCrc(size)
}

// FreshImage is an empty, valid work space.
func (l *Log) FreshImage() []byte {
	ws := util.Erased(l.size)
	copy(ws, l.header())
	return ws
}

// Refresh reloads the mirror from flash.
func (l *Log) Refresh() error {
	ws := make([]byte, l.size)
	if err := l.bs.Read(l.region, 0, l.off, ws); err != nil {
		return errors.Wrap(err, "refresh work space")
	}
	l.load(ws)
	if !l.valid {
		return ErrInvalidWorkSpace
	}
	return nil
}

func (l *Log) load(ws []byte) {
	l.space = ws
	l.valid = l.ValidImage(ws)
	l.nrec = 0
	if !l.valid {
		return
	}
	for l.nrec < l.Capacity() {
		s := slotOff(Handle(l.nrec))
		if util.IsErased(ws[s : s+common.RECSZ]) {
			break
		}
		l.nrec++
	}
	util.DPrintf(3, "wal: loaded %d records\n", l.nrec)
}

func (l *Log) Valid() bool {
	return l.valid
}

// TailErased reports whether everything after the last record is erased.
func (l *Log) TailErased() bool {
	return util.IsErased(l.space[slotOff(Handle(l.nrec)):])
}

func (l *Log) Record(h Handle) Record {
	s := slotOff(h)
	return decodeRecord(l.space[s : s+common.RECSZ])
}

// Records returns every record in the log, oldest first.
func (l *Log) Records() []Record {
	recs := make([]Record, 0, l.nrec)
	for h := Handle(0); uint64(h) < l.nrec; h++ {
		recs = append(recs, l.Record(h))
	}
	return recs
}

// Last returns the most recently appended record, whatever its state.
func (l *Log) Last() (Record, Handle, bool) {
	if l.nrec == 0 {
		return Record{}, 0, false
	}
	h := Handle(l.nrec - 1)
	return l.Record(h), h, true
}

// LastRecord returns the current operation: the last record, unless the log
// is empty or that record is write_completed.
func (l *Log) LastRecord() (Handle, bool) {
	r, h, ok := l.Last()
	if !ok || r.Has(WriteCompleted) {
		return 0, false
	}
	return h, true
}

// program writes b at work space offset pos on flash and in the mirror.
func (l *Log) program(pos uint64, b []byte) error {
	if err := l.bs.Write(l.region, 0, l.off+pos, b); err != nil {
		return err
	}
	for i, x := range b {
		l.space[pos+uint64(i)] &= x
	}
	return nil
}

// Append logs an update of a region of the given kind; no flags are set yet.
func (l *Log) Append(lba uint64, offset uint64, length uint64, target addr.Addr, kind flash.Kind) (Handle, error) {
	if !l.valid {
		return 0, ErrInvalidWorkSpace
	}
	if l.nrec >= l.Capacity() {
		return 0, ErrOutOfLogSpace
	}
	h := Handle(l.nrec)
	r := Record{Lba: lba, Offset: offset, Length: length, Target: target, Kind: kind}
	if err := l.program(slotOff(h), r.encodeFields()); err != nil {
		return 0, errors.Wrap(err, "append record")
	}
	l.nrec++
	util.DPrintf(3, "wal: append %d %v\n", h, r)
	return h, nil
}

func (l *Log) checkHandle(h Handle) error {
	if uint64(h) >= l.nrec {
		return errors.Wrapf(ErrInvalidTransition, "no record %d", h)
	}
	return nil
}

func (l *Log) setFlags(h Handle, flags byte) error {
	r := l.Record(h)
	if err := l.program(slotOff(h)+common.RECFLAGS, []byte{r.Flags &^ flags}); err != nil {
		return errors.Wrapf(err, "set flags %#x on record %d", flags, h)
	}
	return nil
}

// SetFlag sets f on h and persists it before returning. Flags are set at
// most once and only in order.
func (l *Log) SetFlag(h Handle, f Flag) error {
	if err := l.checkHandle(h); err != nil {
		return err
	}
	r := l.Record(h)
	if f == Aborted {
		return errors.Wrap(ErrInvalidTransition, "aborted is only set by Void")
	}
	if r.Has(f) {
		return errors.Wrapf(ErrInvalidTransition, "record %d: %v already set", h, f)
	}
	if pre, ok := f.prereq(); ok && !r.Has(pre) {
		return errors.Wrapf(ErrInvalidTransition, "record %d: %v before %v", h, f, pre)
	}
	util.DPrintf(2, "wal: record %d set %v\n", h, f)
	return l.setFlags(h, byte(f))
}

// Void resolves an allocated record whose spare copy never completed. The
// remaining flags are programmed with a single byte write, so the record
// moves straight from allocated to completed.
func (l *Log) Void(h Handle) error {
	if err := l.checkHandle(h); err != nil {
		return err
	}
	if l.Record(h).State() != StateAllocated {
		return errors.Wrapf(ErrInvalidTransition, "void record %d in state %v", h, l.Record(h).State())
	}
	util.DPrintf(2, "wal: void record %d\n", h)
	return l.setFlags(h, byte(SpareCompleted|WriteCompleted|Aborted))
}

// Compacted builds the reclaimed work space: a fresh header followed by the
// current operation, if it was ever allocated. Completed records are
// dropped, as is a record whose allocation never reached flash.
func (l *Log) Compacted() ([]byte, error) {
	if !l.valid {
		return nil, ErrInvalidWorkSpace
	}
	ws := l.FreshImage()
	if h, ok := l.LastRecord(); ok && l.Record(h).Has(WriteAllocated) {
		s := slotOff(h)
		copy(ws[slotOff(0):], l.space[s:s+common.RECSZ])
	}
	return ws, nil
}

// Install replaces the mirror with ws after it has been published.
func (l *Log) Install(ws []byte) {
	l.load(util.CloneByteSlice(ws))
}
