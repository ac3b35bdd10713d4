package ftw

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mit-pdos/go-ftw/disk"
	"github.com/mit-pdos/go-ftw/flash"
	"github.com/mit-pdos/go-ftw/util"
	"github.com/mit-pdos/go-ftw/wal"
)

// maxWrites bounds every sweep; no operation here needs more block writes.
const maxWrites = 200

func mustOpen(t *testing.T, d disk.Disk) (*flash.Store, *Device) {
	s := mkStore(t, d)
	dev, err := Open(s, testConfig(), nil, nil)
	require.NoError(t, err)
	return s, dev
}

func region(t *testing.T, s *flash.Store, name string) *flash.Region {
	r, err := s.Region(name)
	require.NoError(t, err)
	return r
}

// lastOnFlash reads the last record straight from flash, without running
// recovery.
func lastOnFlash(t *testing.T, d disk.Disk) (wal.Record, bool) {
	s := mkStore(t, d)
	l, err := wal.Open(s, region(t, s, "working"), 0, wsSize)
	require.NoError(t, err)
	if err := l.Refresh(); err != nil {
		return wal.Record{}, false
	}
	r, _, ok := l.Last()
	return r, ok
}

// checkResolved asserts that recovery left no operation pending.
func checkResolved(t *testing.T, dev *Device) []wal.Record {
	recs, err := dev.Records()
	require.NoError(t, err)
	for _, r := range recs {
		assert.True(t, r.Consistent(), "record %v", r)
		assert.NotEqual(t, wal.StateAllocated, r.State(), "record %v", r)
		assert.NotEqual(t, wal.StateSpareCompleted, r.State(), "record %v", r)
	}
	done, err := dev.RestartPending()
	require.NoError(t, err)
	assert.False(t, done, "second recovery has nothing to do")
	return recs
}

type crashCase struct {
	name string
	// region and byte range compared against the old and new images
	region   string
	lba, off uint64
	n        uint64
	setup    func(t *testing.T, s *flash.Store, dev *Device)
	op       func(s *flash.Store, dev *Device) error
	// expected contents of the compared range after op
	after func(before []byte) []byte
}

func patch(at uint64, data []byte) func([]byte) []byte {
	return func(before []byte) []byte {
		b := util.CloneByteSlice(before)
		copy(b[at:], data)
		return b
	}
}

func prefill(t *testing.T, s *flash.Store, dev *Device) {
	require.NoError(t, dev.Write(region(t, s, "target"), 5, 0, fill(0x11, 2*disk.BlockSize)))
	require.NoError(t, dev.Write(region(t, s, "working"), 0, wsSize, fill(0x22, disk.BlockSize-wsSize)))
	require.NoError(t, dev.Write(region(t, s, "boot"), 0, 0, fill(0x33, 64)))
}

var crashCases = []crashCase{
	{
		name:   "target",
		region: "target", lba: 5, off: 0, n: 2 * disk.BlockSize,
		setup: prefill,
		op: func(s *flash.Store, dev *Device) error {
			r, _ := s.Region("target")
			return dev.Write(r, 5, 4000, fill(0xaa, 200))
		},
		after: patch(4000, fill(0xaa, 200)),
	},
	{
		name:   "working",
		region: "working", lba: 0, off: wsSize, n: disk.BlockSize - wsSize,
		setup: prefill,
		op: func(s *flash.Store, dev *Device) error {
			r, _ := s.Region("working")
			return dev.Write(r, 0, 2048, fill(0xbb, 64))
		},
		after: patch(2048-wsSize, fill(0xbb, 64)),
	},
	{
		name:   "boot",
		region: "boot", lba: 0, off: 0, n: 64,
		setup: prefill,
		op: func(s *flash.Store, dev *Device) error {
			r, _ := s.Region("boot")
			return dev.Write(r, 0, 16, fill(0x00, 16))
		},
		after: patch(16, fill(0x00, 16)),
	},
	{
		name:   "reclaim",
		region: "target", lba: 5, off: 0, n: 2 * disk.BlockSize,
		setup: prefill,
		op: func(s *flash.Store, dev *Device) error {
			return dev.Reclaim()
		},
		after: func(before []byte) []byte { return before },
	},
}

func checkImage(t *testing.T, tc crashCase, s *flash.Store, before []byte, ctx string) {
	got := readRegion(t, s, tc.region, tc.lba, tc.off, tc.n)
	if !bytes.Equal(got, before) && !bytes.Equal(got, tc.after(before)) {
		t.Errorf("%s %s: destination is neither the old nor the new image", tc.name, ctx)
	}
}

// recoverWithCrashes re-runs recovery on a copy of m, losing power after
// every possible number of block writes, and checks the outcome once a
// recovery finally survives.
func recoverWithCrashes(t *testing.T, tc crashCase, m *disk.MemDisk, before []byte, ctx string) {
	for budget := 0; budget < maxWrites; budget++ {
		m2 := m.Clone()
		c := disk.NewCrashDisk(m2, budget)
		_, err := Open(mkStore(t, c), testConfig(), nil, nil)
		if !c.Crashed() {
			require.NoError(t, err)
			return
		}
		require.Error(t, err)

		s, dev := mustOpen(t, m2)
		checkResolved(t, dev)
		checkImage(t, tc, s, before, ctx)
	}
	t.Fatalf("%s %s: recovery never finished", tc.name, ctx)
}

func TestPowerLoss(t *testing.T) {
	for _, tc := range crashCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			for budget := 0; budget < maxWrites; budget++ {
				m := disk.NewMemDisk(nblocks)
				s, dev := mustOpen(t, m)
				tc.setup(t, s, dev)
				before := readRegion(t, s, tc.region, tc.lba, tc.off, tc.n)
				nrec := len(checkResolved(t, dev))

				c := disk.NewCrashDisk(m, budget)
				s1, dev1 := mustOpen(t, c)
				require.False(t, c.Crashed(), "a clean open writes nothing")
				err := tc.op(s1, dev1)
				if !c.Crashed() {
					require.NoError(t, err)
					checkImage(t, tc, s1, before, "without a crash")
					assert.Equal(t, tc.after(before), readRegion(t, s1, tc.region, tc.lba, tc.off, tc.n))
					return
				}
				assert.True(t, errors.Is(err, ErrAborted), "budget %d: %v", budget, err)
				assert.True(t, errors.Is(err, disk.ErrPowerLoss), "budget %d: %v", budget, err)

				crashed := m.Clone()
				s2, dev2 := mustOpen(t, m)
				recs := checkResolved(t, dev2)
				checkImage(t, tc, s2, before, "after recovery")
				assert.True(t, len(recs) <= nrec+1, "budget %d: %d records", budget, len(recs))
				if len(recs) > nrec {
					r := recs[len(recs)-1]
					got := readRegion(t, s2, tc.region, tc.lba, tc.off, tc.n)
					if r.Has(wal.Aborted) {
						assert.Equal(t, before, got, "budget %d: aborted write changed data", budget)
					} else if r.State() == wal.StateCompleted {
						assert.Equal(t, tc.after(before), got, "budget %d: completed write lost", budget)
					}
				}

				recoverWithCrashes(t, tc, crashed, before, "after a crash during recovery")
			}
			t.Fatalf("%s: operation never finished", tc.name)
		})
	}
}

// crashAt loses power during a write of 16 bytes to target block 5 right
// after the last record first reaches state, and returns the flash.
func crashAt(t *testing.T, state wal.State) (*disk.MemDisk, []byte) {
	for budget := 0; budget < maxWrites; budget++ {
		m := disk.NewMemDisk(nblocks)
		s, dev := mustOpen(t, m)
		require.NoError(t, dev.Write(region(t, s, "target"), 5, 0, fill(0x11, 16)))
		before := readRegion(t, s, "target", 5, 0, 16)

		c := disk.NewCrashDisk(m, budget)
		s1, dev1 := mustOpen(t, c)
		err := dev1.Write(region(t, s1, "target"), 5, 0, fill(0xaa, 16))
		require.True(t, c.Crashed(), "never reached %v: %v", state, err)
		if r, ok := lastOnFlash(t, m); ok && r.Lba == 5 && r.State() == state {
			return m, before
		}
	}
	t.Fatalf("never reached %v", state)
	return nil, nil
}

func TestCrashAfterAllocated(t *testing.T) {
	m, before := crashAt(t, wal.StateAllocated)
	s, dev := mustOpen(t, m)
	recs := checkResolved(t, dev)
	r := recs[len(recs)-1]
	assert.True(t, r.Has(wal.WriteCompleted))
	assert.True(t, r.Has(wal.Aborted))
	assert.Equal(t, before, readRegion(t, s, "target", 5, 0, 16), "destination unchanged")
}

func TestCrashAfterSpareCompleted(t *testing.T) {
	m, before := crashAt(t, wal.StateSpareCompleted)
	require.Equal(t, fill(0x11, 16), before)
	assert.Equal(t, before, readRegion(t, mkStore(t, m), "target", 5, 0, 16),
		"destination untouched before recovery")

	s, dev := mustOpen(t, m)
	recs := checkResolved(t, dev)
	r := recs[len(recs)-1]
	assert.Equal(t, wal.StateCompleted, r.State())
	assert.False(t, r.Has(wal.Aborted))
	assert.Equal(t, fill(0xaa, 16), readRegion(t, s, "target", 5, 0, 16))
	assert.True(t, util.IsErased(readRegion(t, s, "spare", 0, 0, 2*disk.BlockSize)),
		"spare back to its erased resting state")
}
