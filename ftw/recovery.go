package ftw

import (
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/mit-pdos/go-ftw/flash"
	"github.com/mit-pdos/go-ftw/wal"
)

// RestartPending resolves the current operation, if a previous run left one
// behind, and compacts a log with garbage past its tail. It reports whether
// anything had to be done. Open runs it before returning the device.
func (d *Device) RestartPending() (bool, error) {
	if err := d.begin(); err != nil {
		return false, err
	}
	defer d.end()
	return d.recover()
}

// recover is the startup state machine. Each step is idempotent, so a crash
// during recovery is handled by the next recovery.
func (d *Device) recover() (bool, error) {
	var resolved bool
	err := d.log.Refresh()
	if errors.Is(err, wal.ErrInvalidWorkSpace) {
		if err := d.repair(); err != nil {
			return false, err
		}
		resolved = true
	} else if err != nil {
		return false, aborted("refresh", err)
	}

	r, h, ok := d.log.Last()
	if ok {
		switch r.State() {
		case wal.StateEmpty, wal.StateCompleted:
		case wal.StateAllocated:
			// The destination was never touched.
			if err := d.abort(h); err != nil {
				return resolved, err
			}
			resolved = true
		case wal.StateSpareCompleted:
			if err := d.restart(h, r); err != nil {
				return resolved, err
			}
			resolved = true
		}
	}

	if !d.log.TailErased() {
		level.Warn(d.logger).Log("msg", "work space has data past the last record, reclaiming")
		if err := d.reclaim(); err != nil {
			return resolved, err
		}
		resolved = true
	}
	return resolved, nil
}

// restart finishes record h from the spare area, which holds its complete
// new image.
func (d *Device) restart(h wal.Handle, r wal.Record) error {
	level.Info(d.logger).Log("msg", "restarting interrupted write", "record", r)
	dst, err := d.store.Resolve(r.Target, r.Kind)
	if err != nil {
		return aborted("resolve destination", err)
	}
	p, err := d.planFor(dst, r.Lba, r.Offset, r.Length)
	if err != nil {
		return errors.Wrapf(err, "replay %v", r)
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
		return aborted("restart", err)
	}
	// The spare's previous contents were only held in memory; leave it
	// erased.
	if err := d.store.Erase(d.spare, 0, p.blocks); err != nil {
		return aborted("erase spare", err)
	}
	d.metrics.restarts.Inc()
	d.metrics.writes.WithLabelValues(p.kind.String()).Inc()
	return nil
}

// repair rebuilds an invalid work space. If the spare area holds a staged
// image of the working region (a reclaim or a working-region update was
// interrupted while rewriting it) that image is copied back; otherwise the
// work space is formatted.
func (d *Device) repair() error {
	bs := d.store.BlockSize()
	off, size := d.log.Range()
	img := make([]byte, d.working.Blocks*bs)
	if err := d.store.Read(d.spare, 0, 0, img); err != nil {
		return aborted("read spare", err)
	}
	if d.log.ValidImage(img[off : off+size]) {
		level.Warn(d.logger).Log("msg", "work space invalid, recovering it from the spare area")
		p := plan{kind: flash.KindWorking, region: d.working, blocks: d.working.Blocks}
		if err := d.flush(p); err != nil {
			return err
		}
		if err := d.log.Refresh(); err != nil {
			return aborted("refresh", err)
		}
		r, _, ok := d.log.Last()
		if ok && r.State() == wal.StateSpareCompleted {
			// restart still needs the staged image
			return nil
		}
		if err := d.store.Erase(d.spare, 0, d.working.Blocks); err != nil {
			return aborted("erase spare", err)
		}
		return nil
	}

	level.Info(d.logger).Log("msg", "formatting work space", "region", d.working)
	if err := d.store.Read(d.working, 0, 0, img); err != nil {
		return aborted("read working", err)
	}
	copy(img[off:], d.log.FreshImage())
	return d.publish(img)
}
