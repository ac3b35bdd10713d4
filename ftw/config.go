package ftw

import (
	"github.com/pkg/errors"

	"github.com/mit-pdos/go-ftw/common"
)

type Config struct {
	// Regions are looked up by name in the store.
	WorkingRegion string `mapstructure:"working-region"`
	SpareRegion   string `mapstructure:"spare-region"`

	// The work space occupies [WorkSpaceOffset, WorkSpaceOffset+WorkSpaceSize)
	// of the working region.
	WorkSpaceOffset uint64 `mapstructure:"workspace-offset"`
	WorkSpaceSize   uint64 `mapstructure:"workspace-size"`

	// AutoReclaim makes Write compact a full log and retry once instead of
	// returning ErrOutOfLogSpace.
	AutoReclaim bool `mapstructure:"auto-reclaim"`
}

func DefaultConfig() Config {
	return Config{
		WorkingRegion: "working",
		SpareRegion:   "spare",
		WorkSpaceSize: common.WSDEFAULT,
		AutoReclaim:   true,
	}
}

func (c Config) Validate() error {
	if c.WorkingRegion == "" || c.SpareRegion == "" {
		return errors.Wrap(ErrBadGeometry, "working and spare regions must be named")
	}
	if c.WorkingRegion == c.SpareRegion {
		return errors.Wrap(ErrBadGeometry, "working and spare regions must differ")
	}
	if c.WorkSpaceSize < common.HDRSZ+common.RECSZ {
		return errors.Wrapf(ErrBadGeometry, "work space of %d bytes holds no record", c.WorkSpaceSize)
	}
	return nil
}
