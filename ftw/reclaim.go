package ftw

import (
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/mit-pdos/go-ftw/wal"
)

// Reclaim compacts the work space, dropping completed records. An allocated
// record is carried over; while a spare-completed record owns the spare area
// Reclaim refuses with ErrAccessDenied.
func (d *Device) Reclaim() error {
	if err := d.begin(); err != nil {
		return err
	}
	defer d.end()
	if err := d.log.Refresh(); err != nil {
		return aborted("refresh", err)
	}
	return d.reclaim()
}

func (d *Device) reclaim() error {
	if h, ok := d.log.LastRecord(); ok && d.log.Record(h).State() == wal.StateSpareCompleted {
		return errors.Wrap(ErrAccessDenied, "spare area holds an unfinished update")
	}
	before := d.log.Len()
	ws, err := d.log.Compacted()
	if err != nil {
		return aborted("compact", err)
	}
	img := make([]byte, d.working.Size())
	if err := d.store.Read(d.working, 0, 0, img); err != nil {
		return aborted("read working", err)
	}
	off, _ := d.log.Range()
	copy(img[off:], ws)
	if err := d.publish(img); err != nil {
		return err
	}
	d.metrics.reclaims.Inc()
	level.Info(d.logger).Log("msg", "reclaimed work space", "records", before, "kept", d.log.Len())
	return nil
}
