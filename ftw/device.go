// Package ftw implements fault tolerant writes to raw flash.
//
// A Write patches a byte range of a destination region so that, whenever
// power is lost, the range ends up entirely old or entirely new. The device
// journals each update in the wal record log, stages the patched blocks in a
// shared spare area, and only then copies them over the destination:
//
//	append record          (flags: none)
//	write_allocated        destination untouched
//	stage image in spare
//	spare_completed        spare holds the complete new image
//	copy spare to destination
//	write_completed        record is history
//	restore spare
//
// Open runs recovery on the last record before accepting writes: an
// allocated record is voided, a spare-completed one is finished from the
// spare area.
//
// The device is single-owner. Operations do not queue: a call made while
// another is running fails with ErrAccessDenied.
package ftw

import (
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mit-pdos/go-ftw/flash"
	"github.com/mit-pdos/go-ftw/wal"
)

// Store is the block storage the device runs on.
type Store interface {
	flash.BlockStore
	Region(name string) (*flash.Region, error)
}

type Device struct {
	mu   *sync.Mutex
	busy bool

	store   Store
	cfg     Config
	working *flash.Region
	spare   *flash.Region
	log     *wal.Log

	logger  log.Logger
	metrics *Metrics
}

// Open attaches to the journal described by cfg and resolves any operation
// left incomplete by a power loss. A blank working region is formatted.
func Open(store Store, cfg Config, logger log.Logger, registerer prometheus.Registerer) (*Device, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	working, err := store.Region(cfg.WorkingRegion)
	if err != nil {
		return nil, errors.Wrap(err, "working region")
	}
	spare, err := store.Region(cfg.SpareRegion)
	if err != nil {
		return nil, errors.Wrap(err, "spare region")
	}
	if spare.Blocks < working.Blocks {
		return nil, errors.Wrapf(ErrBadGeometry, "spare %v smaller than working %v", spare, working)
	}
	if spare.Overlaps(working) {
		return nil, errors.Wrapf(ErrBadGeometry, "spare %v overlaps working %v", spare, working)
	}
	if cfg.WorkSpaceOffset%store.BlockSize()+cfg.WorkSpaceSize > store.BlockSize() {
		return nil, errors.Wrapf(ErrBadGeometry, "work space [%d,+%d) crosses a block boundary",
			cfg.WorkSpaceOffset, cfg.WorkSpaceSize)
	}
	l, err := wal.Open(store, working, cfg.WorkSpaceOffset, cfg.WorkSpaceSize)
	if err != nil {
		return nil, &geometryError{err: err}
	}
	d := &Device{
		mu:      new(sync.Mutex),
		store:   store,
		cfg:     cfg,
		working: working,
		spare:   spare,
		log:     l,
		logger:  log.With(logger, "component", "ftw"),
		metrics: NewMetrics(registerer),
	}
	if _, err := d.recover(); err != nil {
		return nil, err
	}
	level.Debug(d.logger).Log("msg", "opened", "working", working, "spare", spare,
		"records", l.Len(), "free", l.Free())
	return d, nil
}

func (d *Device) begin() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.busy {
		return ErrAccessDenied
	}
	d.busy = true
	return nil
}

func (d *Device) end() {
	d.mu.Lock()
	d.busy = false
	d.mu.Unlock()
}

func (d *Device) Working() *flash.Region {
	return d.working
}

func (d *Device) Spare() *flash.Region {
	return d.spare
}

// Records re-reads the work space and returns every record.
func (d *Device) Records() ([]wal.Record, error) {
	if err := d.begin(); err != nil {
		return nil, err
	}
	defer d.end()
	if err := d.log.Refresh(); err != nil {
		return nil, aborted("refresh", err)
	}
	return d.log.Records(), nil
}

// Free reports how many records can be appended before a reclaim.
func (d *Device) Free() (uint64, error) {
	if err := d.begin(); err != nil {
		return 0, err
	}
	defer d.end()
	return d.log.Free(), nil
}

// AbortPending voids a current operation that never completed its spare
// copy. An operation whose spare copy completed cannot be aborted; it is
// finished by RestartPending.
func (d *Device) AbortPending() error {
	if err := d.begin(); err != nil {
		return err
	}
	defer d.end()
	if err := d.log.Refresh(); err != nil {
		return aborted("refresh", err)
	}
	h, ok := d.log.LastRecord()
	if !ok {
		return nil
	}
	switch d.log.Record(h).State() {
	case wal.StateEmpty, wal.StateCompleted:
		return nil
	case wal.StateAllocated:
		return d.abort(h)
	case wal.StateSpareCompleted:
		return errors.Wrap(ErrAccessDenied, "spare copy completed; restart instead")
	}
	return nil
}

func (d *Device) abort(h wal.Handle) error {
	level.Info(d.logger).Log("msg", "voiding allocated record", "record", d.log.Record(h))
	if err := d.log.Void(h); err != nil {
		return aborted("abort", err)
	}
	d.metrics.aborts.Inc()
	return nil
}
