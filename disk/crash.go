package disk

import (
	"sync"

	"github.com/pkg/errors"
)

var ErrPowerLoss = errors.New("disk: power lost")

var _ Disk = (*CrashDisk)(nil)

// CrashDisk simulates power loss: it lets a fixed number of block writes
// through to the underlying disk, drops the next one, and fails every
// operation after that.
//
// Recovery is simulated by reopening the underlying disk, which holds exactly
// the writes that landed before the crash.
type CrashDisk struct {
	mu      *sync.Mutex
	d       Disk
	budget  int // writes left before the crash; < 0 means never
	writes  int
	crashed bool
}

func NewCrashDisk(d Disk, budget int) *CrashDisk {
	return &CrashDisk{mu: new(sync.Mutex), d: d, budget: budget}
}

// Crashed reports whether power has been lost.
func (c *CrashDisk) Crashed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.crashed
}

// Writes reports how many block writes reached the underlying disk.
func (c *CrashDisk) Writes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes
}

func (c *CrashDisk) ReadTo(a uint64, b Block) error {
	c.mu.Lock()
	crashed := c.crashed
	c.mu.Unlock()
	if crashed {
		return ErrPowerLoss
	}
	return c.d.ReadTo(a, b)
}

func (c *CrashDisk) Read(a uint64) (Block, error) {
	buf := make(Block, BlockSize)
	err := c.ReadTo(a, buf)
	return buf, err
}

func (c *CrashDisk) Write(a uint64, v Block) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.crashed {
		return ErrPowerLoss
	}
	if c.budget == 0 {
		c.crashed = true
		return ErrPowerLoss
	}
	if c.budget > 0 {
		c.budget--
	}
	if err := c.d.Write(a, v); err != nil {
		return err
	}
	c.writes++
	return nil
}

func (c *CrashDisk) Size() (uint64, error) {
	return c.d.Size()
}

func (c *CrashDisk) Barrier() error {
	if c.Crashed() {
		return ErrPowerLoss
	}
	return c.d.Barrier()
}

// Close does not close the underlying disk, which outlives the crash.
func (c *CrashDisk) Close() error {
	return nil
}
