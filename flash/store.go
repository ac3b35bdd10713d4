// Package flash exposes a raw disk as named regions with flash semantics.
//
// Erasing a block sets every bit to 1 (common.ERASED). Programming can only
// clear bits: a Write stores old&new, so a byte can be programmed again
// without an erase only when the update moves bits from 1 to 0. Whole-block
// updates therefore always erase first.
package flash

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/mit-pdos/go-ftw/addr"
	"github.com/mit-pdos/go-ftw/common"
	"github.com/mit-pdos/go-ftw/disk"
	"github.com/mit-pdos/go-ftw/util"
)

var (
	ErrOutOfRange = errors.New("flash: access outside region")
	ErrNoRegion   = errors.New("flash: no such region")
	ErrLayout     = errors.New("flash: invalid region layout")
)

type Kind int

const (
	KindTarget Kind = iota
	KindBoot
	KindWorking
	KindSpare

	// KindUnknown is how an erased kind byte reads back.
	KindUnknown Kind = Kind(common.ERASED)
)

func (k Kind) String() string {
	switch k {
	case KindTarget:
		return "target"
	case KindBoot:
		return "boot"
	case KindWorking:
		return "working"
	case KindSpare:
		return "spare"
	case KindUnknown:
		return "unknown"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Region is a contiguous run of blocks on one device.
type Region struct {
	Name   string
	Kind   Kind
	Base   common.Bnum
	Blocks uint64
}

func (r *Region) Size() uint64 {
	return r.Blocks * common.BlockSize
}

func (r *Region) End() common.Bnum {
	return r.Base + r.Blocks
}

func (r *Region) Overlaps(o *Region) bool {
	return r.Base < o.End() && o.Base < r.End()
}

func (r *Region) String() string {
	return fmt.Sprintf("%s(%v %d+%d)", r.Name, r.Kind, r.Base, r.Blocks)
}

// BlockStore is the raw storage the journal runs on. Offsets are byte offsets
// from the start of block lba within the region; an access may cross block
// boundaries but never the end of the region.
type BlockStore interface {
	BlockSize() uint64
	Read(r *Region, lba uint64, off uint64, buf []byte) error
	Write(r *Region, lba uint64, off uint64, buf []byte) error
	Erase(r *Region, lba uint64, n uint64) error
	PhysicalAddress(r *Region) (addr.Addr, error)
	Resolve(a addr.Addr, kind Kind) (*Region, error)
}

var _ BlockStore = (*Store)(nil)

// Store is a BlockStore over a disk.Disk.
type Store struct {
	d       disk.Disk
	dev     uint64
	regions []*Region
}

// NewStore lays regions over d. Regions may nest or overlap, except that a
// spare region may not overlap a working region.
func NewStore(d disk.Disk, dev uint64, regions ...Region) (*Store, error) {
	if dev == 0 {
		return nil, errors.Wrap(ErrLayout, "device id 0 is reserved")
	}
	sz, err := d.Size()
	if err != nil {
		return nil, err
	}
	s := &Store{d: d, dev: dev}
	names := make(map[string]bool)
	for i := range regions {
		r := regions[i]
		if r.Blocks == 0 || util.SumOverflows(r.Base, r.Blocks) || r.End() > sz {
			return nil, errors.Wrapf(ErrLayout, "region %v does not fit %d blocks", &r, sz)
		}
		if names[r.Name] {
			return nil, errors.Wrapf(ErrLayout, "duplicate region %s", r.Name)
		}
		names[r.Name] = true
		s.regions = append(s.regions, &r)
	}
	for _, a := range s.regions {
		for _, b := range s.regions {
			if a.Kind == KindSpare && b.Kind == KindWorking && a.Overlaps(b) {
				return nil, errors.Wrapf(ErrLayout, "spare %v overlaps working %v", a, b)
			}
		}
	}
	return s, nil
}

func (s *Store) BlockSize() uint64 {
	return common.BlockSize
}

func (s *Store) Device() uint64 {
	return s.dev
}

func (s *Store) Disk() disk.Disk {
	return s.d
}

func (s *Store) Regions() []*Region {
	return append([]*Region(nil), s.regions...)
}

// Region looks up a region by name.
func (s *Store) Region(name string) (*Region, error) {
	for _, r := range s.regions {
		if r.Name == name {
			return r, nil
		}
	}
	return nil, errors.Wrap(ErrNoRegion, name)
}

// span checks [lba*BlockSize+off, +n) against r and returns the absolute
// byte offset of its start.
func span(r *Region, lba uint64, off uint64, n uint64) (uint64, error) {
	if lba >= r.Blocks {
		return 0, errors.Wrapf(ErrOutOfRange, "%v: block %d", r, lba)
	}
	start := lba*common.BlockSize + off
	if util.SumOverflows(lba*common.BlockSize, off) || util.SumOverflows(start, n) ||
		start+n > r.Size() {
		return 0, errors.Wrapf(ErrOutOfRange, "%v: bytes [%d,+%d)", r, start, n)
	}
	return r.Base*common.BlockSize + start, nil
}

// forBlocks calls f once for each block touched by the absolute byte range
// [pos, pos+n), with the in-block offset and the matching part of the range.
func forBlocks(pos uint64, n uint64, f func(blkno common.Bnum, boff uint64, lo uint64, hi uint64) error) error {
	var done uint64
	for done < n {
		blkno := (pos + done) / common.BlockSize
		boff := (pos + done) % common.BlockSize
		cnt := util.Min(common.BlockSize-boff, n-done)
		if err := f(blkno, boff, done, done+cnt); err != nil {
			return err
		}
		done += cnt
	}
	return nil
}

func (s *Store) Read(r *Region, lba uint64, off uint64, buf []byte) error {
	pos, err := span(r, lba, off, uint64(len(buf)))
	if err != nil {
		return err
	}
	blk := make(disk.Block, common.BlockSize)
	return forBlocks(pos, uint64(len(buf)), func(blkno common.Bnum, boff, lo, hi uint64) error {
		if err := s.d.ReadTo(blkno, blk); err != nil {
			return errors.Wrapf(err, "read %v", r)
		}
		copy(buf[lo:hi], blk[boff:])
		return nil
	})
}

// Write programs buf into r. Bits already cleared stay cleared.
func (s *Store) Write(r *Region, lba uint64, off uint64, buf []byte) error {
	pos, err := span(r, lba, off, uint64(len(buf)))
	if err != nil {
		return err
	}
	return forBlocks(pos, uint64(len(buf)), func(blkno common.Bnum, boff, lo, hi uint64) error {
		blk, err := s.d.Read(blkno)
		if err != nil {
			return errors.Wrapf(err, "program %v", r)
		}
		for i, b := range buf[lo:hi] {
			blk[boff+uint64(i)] &= b
		}
		util.DPrintf(10, "program: %v block %d [%d,+%d)\n", r, blkno, boff, hi-lo)
		if err := s.d.Write(blkno, blk); err != nil {
			return errors.Wrapf(err, "program %v", r)
		}
		return nil
	})
}

func (s *Store) Erase(r *Region, lba uint64, n uint64) error {
	if util.SumOverflows(lba, n) || lba+n > r.Blocks {
		return errors.Wrapf(ErrOutOfRange, "%v: erase %d+%d", r, lba, n)
	}
	blank := util.Erased(common.BlockSize)
	for i := uint64(0); i < n; i++ {
		util.DPrintf(10, "erase: %v block %d\n", r, lba+i)
		if err := s.d.Write(r.Base+lba+i, blank); err != nil {
			return errors.Wrapf(err, "erase %v", r)
		}
	}
	return nil
}

func (s *Store) PhysicalAddress(r *Region) (addr.Addr, error) {
	for _, x := range s.regions {
		if x == r {
			return addr.MkAddr(s.dev, r.Base), nil
		}
	}
	return addr.Addr{}, errors.Wrap(ErrNoRegion, r.Name)
}

// Resolve maps a persisted address back to a region. When several regions
// start at the same block the largest one of the given kind is returned, and
// the largest of any kind when none matches.
func (s *Store) Resolve(a addr.Addr, kind Kind) (*Region, error) {
	if a.Device != s.dev {
		return nil, errors.Wrapf(ErrNoRegion, "device %d", a.Device)
	}
	var best, largest *Region
	for _, r := range s.regions {
		if r.Base != a.Block {
			continue
		}
		if largest == nil || r.Blocks > largest.Blocks {
			largest = r
		}
		if r.Kind == kind && (best == nil || r.Blocks > best.Blocks) {
			best = r
		}
	}
	if best == nil {
		best = largest
	}
	if best == nil {
		return nil, errors.Wrapf(ErrNoRegion, "address %v", a)
	}
	return best, nil
}
