package ftw

import (
	"time"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/mit-pdos/go-ftw/flash"
	"github.com/mit-pdos/go-ftw/util"
	"github.com/mit-pdos/go-ftw/wal"
)

// plan is the physical shape of one update: blocks [lba, lba+blocks) of
// region are staged whole, and length bytes at off within the staged image
// are replaced.
type plan struct {
	kind   flash.Kind // KindTarget, KindBoot or KindWorking
	region *flash.Region
	lba    uint64
	blocks uint64
	off    uint64
	length uint64
}

func (p plan) String() string {
	return p.region.Name + "/" + p.kind.String()
}

// planFor maps a request onto the blocks it touches. Requests reaching the
// working region are widened to the whole working region, because the log
// lives there and is republished along with the update.
func (d *Device) planFor(dst *flash.Region, lba uint64, off uint64, length uint64) (plan, error) {
	bs := d.store.BlockSize()
	if lba >= dst.Blocks || util.SumOverflows(lba*bs, off) {
		return plan{}, errors.Wrapf(ErrRegionTooLarge, "%v: block %d offset %d", dst, lba, off)
	}
	start := lba*bs + off
	if util.SumOverflows(start, length) || start+length > dst.Size() {
		return plan{}, errors.Wrapf(ErrRegionTooLarge, "%v: %d bytes at %d", dst, length, start)
	}
	first := start / bs
	blocks := util.RoundUp(start+length, bs) - first
	phys := &flash.Region{Base: dst.Base + first, Blocks: blocks}

	if phys.Overlaps(d.spare) {
		return plan{}, errors.Wrapf(ErrAccessDenied, "%v overlaps the spare area", dst)
	}
	if phys.Overlaps(d.working) {
		w := d.working
		if phys.Base < w.Base || phys.End() > w.End() {
			return plan{}, errors.Wrapf(ErrRegionTooLarge, "%v: update spans past the working region", dst)
		}
		woff := (phys.Base-w.Base)*bs + start - first*bs
		wsOff, wsSize := d.log.Range()
		if woff < wsOff+wsSize && wsOff < woff+length {
			return plan{}, errors.Wrapf(ErrWorkSpaceOverlap, "%d bytes at %d", length, woff)
		}
		return plan{kind: flash.KindWorking, region: w, lba: 0, blocks: w.Blocks, off: woff, length: length}, nil
	}
	if blocks > d.spare.Blocks {
		return plan{}, errors.Wrapf(ErrRegionTooLarge, "%d blocks, spare holds %d", blocks, d.spare.Blocks)
	}
	kind := flash.KindTarget
	if dst.Kind == flash.KindBoot {
		kind = flash.KindBoot
	}
	return plan{kind: kind, region: dst, lba: first, blocks: blocks, off: start - first*bs, length: length}, nil
}

// Write replaces len(data) bytes at byte off of block lba in dst, atomically
// with respect to power loss.
func (d *Device) Write(dst *flash.Region, lba uint64, off uint64, data []byte) error {
	if err := d.begin(); err != nil {
		return err
	}
	defer d.end()
	if len(data) == 0 {
		return nil
	}
	if err := d.log.Refresh(); err != nil {
		return aborted("refresh", err)
	}
	if h, ok := d.log.LastRecord(); ok && d.log.Record(h).Has(wal.WriteAllocated) {
		return errors.Wrapf(ErrAccessDenied, "record %v is unresolved", d.log.Record(h))
	}
	p, err := d.planFor(dst, lba, off, uint64(len(data)))
	if err != nil {
		return err
	}
	target, err := d.store.PhysicalAddress(dst)
	if err != nil {
		return aborted("address", err)
	}

	h, err := d.log.Append(lba, off, uint64(len(data)), target, dst.Kind)
	if errors.Is(err, wal.ErrOutOfLogSpace) && d.cfg.AutoReclaim {
		level.Debug(d.logger).Log("msg", "log full, reclaiming")
		if err := d.reclaim(); err != nil {
			return err
		}
		h, err = d.log.Append(lba, off, uint64(len(data)), target, dst.Kind)
	}
	if errors.Is(err, wal.ErrOutOfLogSpace) {
		return err
	}
	if err != nil {
		return aborted("append", err)
	}

	if err := d.update(h, p, data); err != nil {
		d.metrics.writesFailed.Inc()
		level.Warn(d.logger).Log("msg", "write failed", "dest", p, "err", err)
		return err
	}
	d.metrics.writes.WithLabelValues(p.kind.String()).Inc()
	return nil
}

// update runs the protocol for record h once it is appended.
func (d *Device) update(h wal.Handle, p plan, data []byte) error {
	if err := d.log.SetFlag(h, wal.WriteAllocated); err != nil {
		return aborted("allocate", err)
	}

	bs := d.store.BlockSize()
	img := make([]byte, p.blocks*bs)
	if err := d.store.Read(p.region, p.lba, 0, img); err != nil {
		return aborted("read destination", err)
	}
	copy(img[p.off:], data)
	if p.kind == flash.KindWorking {
		// The image replaces the log after spare_completed is set on flash,
		// so it must carry that flag too.
		img[d.log.FlagPos(h)] &^= byte(wal.SpareCompleted)
	}

	saved := make([]byte, p.blocks*bs)
	if err := d.store.Read(d.spare, 0, 0, saved); err != nil {
		return aborted("read spare", err)
	}
	if err := d.stage(img, p.kind == flash.KindWorking); err != nil {
		return err
	}
	if err := d.log.SetFlag(h, wal.SpareCompleted); err != nil {
		return aborted("spare completed", err)
	}

	if err := d.flush(p); err != nil {
		return err
	}
	if p.kind == flash.KindWorking {
		if err := d.log.Refresh(); err != nil {
			return aborted("refresh", err)
		}
	}
	if err := d.log.SetFlag(h, wal.WriteCompleted); err != nil {
		return aborted("write completed", err)
	}

	if err := d.stage(saved, false); err != nil {
		return err
	}
	util.DPrintf(1, "ftw: record %d done %v\n", h, p)
	return nil
}

// stage erases the first len(img) bytes of the spare area and programs img
// there. An image of the working region is programmed in flush order, so the
// spare never holds a valid work space next to missing blocks.
func (d *Device) stage(img []byte, working bool) error {
	bs := d.store.BlockSize()
	p := plan{kind: flash.KindTarget, blocks: uint64(len(img)) / bs}
	if working {
		p.kind = flash.KindWorking
	}
	if err := d.store.Erase(d.spare, 0, p.blocks); err != nil {
		return aborted("erase spare", err)
	}
	for _, i := range d.flushOrder(p) {
		if err := d.store.Write(d.spare, i, 0, img[i*bs:(i+1)*bs]); err != nil {
			return aborted("program spare", err)
		}
	}
	return nil
}

// flush copies the staged image from the spare area onto p's blocks, one
// block at a time. Every step can be repeated after a crash.
func (d *Device) flush(p plan) error {
	start := time.Now()
	defer func() { d.metrics.flushDuration.Observe(time.Since(start).Seconds()) }()

	blk := make([]byte, d.store.BlockSize())
	for _, i := range d.flushOrder(p) {
		if err := d.store.Read(d.spare, i, 0, blk); err != nil {
			return aborted("read spare", err)
		}
		if err := d.store.Erase(p.region, p.lba+i, 1); err != nil {
			return aborted("erase destination", err)
		}
		if err := d.store.Write(p.region, p.lba+i, 0, blk); err != nil {
			return aborted("program destination", err)
		}
	}
	if p.kind == flash.KindBoot {
		level.Info(d.logger).Log("msg", "boot block updated", "region", p.region, "lba", p.lba, "blocks", p.blocks)
	}
	return nil
}

// flushOrder lists p's blocks in copy order. The block holding the work
// space goes last: until it is rewritten the old log stays valid, and once it
// is erased recovery finds the staged log in the spare area.
func (d *Device) flushOrder(p plan) []uint64 {
	order := make([]uint64, 0, p.blocks)
	ws := p.blocks
	if p.kind == flash.KindWorking {
		off, _ := d.log.Range()
		ws = off / d.store.BlockSize()
	}
	for i := uint64(0); i < p.blocks; i++ {
		if i != ws {
			order = append(order, i)
		}
	}
	if ws < p.blocks {
		order = append(order, ws)
	}
	return order
}

// publish replaces the whole working region with img by way of the spare
// area, so that a crash part way through leaves a valid work space in either
// the working region or the spare.
func (d *Device) publish(img []byte) error {
	bs := d.store.BlockSize()
	saved := make([]byte, d.working.Blocks*bs)
	if err := d.store.Read(d.spare, 0, 0, saved); err != nil {
		return aborted("read spare", err)
	}
	if err := d.stage(img, true); err != nil {
		return err
	}
	p := plan{kind: flash.KindWorking, region: d.working, blocks: d.working.Blocks}
	if err := d.flush(p); err != nil {
		return err
	}
	if err := d.stage(saved, false); err != nil {
		return err
	}
	off, size := d.log.Range()
	d.log.Install(img[off : off+size])
	return nil
}
