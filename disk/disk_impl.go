package disk

import (
	"sync"

	"github.com/pkg/errors"
	gdisk "github.com/tchajed/goose/machine/disk"
	"golang.org/x/sys/unix"

	"github.com/mit-pdos/go-ftw/util"
)

var (
	ErrOutOfBounds = errors.New("disk: block address out of bounds")
	ErrBlockSize   = errors.New("disk: buffer is not block-sized")
	ErrClosed      = errors.New("disk: closed")
)

func checkAccess(a uint64, n uint64, buf Block) error {
	if uint64(len(buf)) != BlockSize {
		return errors.Wrapf(ErrBlockSize, "%d bytes", len(buf))
	}
	if a >= n {
		return errors.Wrapf(ErrOutOfBounds, "block %d of %d", a, n)
	}
	return nil
}

var _ Disk = (*FileDisk)(nil)

// FileDisk is a Disk backed by a regular file or a block device node.
type FileDisk struct {
	fd        int
	numBlocks uint64
}

// NewFileDisk opens (creating if necessary) path as a disk of numBlocks
// blocks. A newly created image reads as all erased.
func NewFileDisk(path string, numBlocks uint64) (*FileDisk, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT, 0666)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	var stat unix.Stat_t
	err = unix.Fstat(fd, &stat)
	if err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "stat %s", path)
	}
	d := &FileDisk{fd: fd, numBlocks: numBlocks}
	if (stat.Mode&unix.S_IFMT) == unix.S_IFREG && uint64(stat.Size) != numBlocks*BlockSize {
		old := uint64(stat.Size) / BlockSize
		err = unix.Ftruncate(fd, int64(numBlocks*BlockSize))
		if err != nil {
			unix.Close(fd)
			return nil, errors.Wrapf(err, "truncate %s", path)
		}
		blank := util.Erased(BlockSize)
		for a := old; a < numBlocks; a++ {
			if err := d.Write(a, blank); err != nil {
				unix.Close(fd)
				return nil, err
			}
		}
	}
	util.DPrintf(1, "NewFileDisk: %s %d blocks\n", path, numBlocks)
	return d, nil
}

func (d *FileDisk) ReadTo(a uint64, buf Block) error {
	if err := checkAccess(a, d.numBlocks, buf); err != nil {
		return err
	}
	_, err := unix.Pread(d.fd, buf, int64(a*BlockSize))
	if err != nil {
		return errors.Wrapf(err, "read block %d", a)
	}
	util.DPrintf(10, "read: %d\n", a)
	return nil
}

func (d *FileDisk) Read(a uint64) (Block, error) {
	buf := make([]byte, BlockSize)
	err := d.ReadTo(a, buf)
	return buf, err
}

func (d *FileDisk) Write(a uint64, v Block) error {
	if err := checkAccess(a, d.numBlocks, v); err != nil {
		return err
	}
	_, err := unix.Pwrite(d.fd, v, int64(a*BlockSize))
	if err != nil {
		return errors.Wrapf(err, "write block %d", a)
	}
	util.DPrintf(10, "write: %d\n", a)
	return nil
}

func (d *FileDisk) Size() (uint64, error) {
	return d.numBlocks, nil
}

func (d *FileDisk) Barrier() error {
	// NOTE: on macOS, this flushes to the drive but doesn't actually issue a
	// disk barrier; see https://golang.org/src/internal/poll/fd_fsync_darwin.go
	// for more details. The correct replacement is to issue a fcntl syscall with
	// cmd F_FULLFSYNC.
	err := unix.Fsync(d.fd)
	if err != nil {
		return errors.Wrap(err, "file sync failed")
	}
	return nil
}

func (d *FileDisk) Close() error {
	return errors.Wrap(unix.Close(d.fd), "close")
}

var _ Disk = (*MemDisk)(nil)

// MemDisk is an in-memory Disk. Every block starts out erased.
type MemDisk struct {
	l      *sync.Mutex
	d      gdisk.MemDisk
	closed bool
}

func NewMemDisk(numBlocks uint64) *MemDisk {
	d := gdisk.NewMemDisk(numBlocks)
	blank := util.Erased(BlockSize)
	for a := uint64(0); a < numBlocks; a++ {
		d.Write(a, blank)
	}
	return &MemDisk{l: new(sync.Mutex), d: d}
}

func (d *MemDisk) access(a uint64, buf Block) error {
	if d.closed {
		return ErrClosed
	}
	return checkAccess(a, d.d.Size(), buf)
}

func (d *MemDisk) ReadTo(a uint64, buf Block) error {
	d.l.Lock()
	defer d.l.Unlock()
	if err := d.access(a, buf); err != nil {
		return err
	}
	copy(buf, d.d.Read(a))
	return nil
}

func (d *MemDisk) Read(a uint64) (Block, error) {
	buf := make(Block, BlockSize)
	err := d.ReadTo(a, buf)
	return buf, err
}

func (d *MemDisk) Write(a uint64, v Block) error {
	d.l.Lock()
	defer d.l.Unlock()
	if err := d.access(a, v); err != nil {
		return err
	}
	d.d.Write(a, v)
	return nil
}

func (d *MemDisk) Size() (uint64, error) {
	// this never changes so we assume it's safe to run lock-free
	return d.d.Size(), nil
}

func (d *MemDisk) Barrier() error { return nil }

// Close marks the disk unusable; the contents are kept so a test can reopen
// the same blocks with Reopen.
func (d *MemDisk) Close() error {
	d.l.Lock()
	defer d.l.Unlock()
	d.closed = true
	return nil
}

// Reopen returns a usable handle on the same blocks.
func (d *MemDisk) Reopen() *MemDisk {
	return &MemDisk{l: d.l, d: d.d}
}

// Clone copies the current contents into a new, independent MemDisk.
func (d *MemDisk) Clone() *MemDisk {
	d.l.Lock()
	defer d.l.Unlock()
	n := d.d.Size()
	c := gdisk.NewMemDisk(n)
	for a := uint64(0); a < n; a++ {
		c.Write(a, d.d.Read(a))
	}
	return &MemDisk{l: new(sync.Mutex), d: c}
}
