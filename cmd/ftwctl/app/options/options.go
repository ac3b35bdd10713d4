package options

import (
	"github.com/pkg/errors"
	"github.com/spf13/pflag"

	"github.com/mit-pdos/go-ftw/flash"
	"github.com/mit-pdos/go-ftw/ftw"
)

// Options describe the flash image and how it is carved into regions. The
// mapstructure tags match the flag names so a config file or FTWCTL_*
// environment variables can supply any of them.
type Options struct {
	Image  string `mapstructure:"image"`
	Blocks uint64 `mapstructure:"blocks"`
	Device uint64 `mapstructure:"device"`

	WorkingBase   uint64 `mapstructure:"working-base"`
	WorkingBlocks uint64 `mapstructure:"working-blocks"`
	SpareBase     uint64 `mapstructure:"spare-base"`
	SpareBlocks   uint64 `mapstructure:"spare-blocks"`
	BootBase      uint64 `mapstructure:"boot-base"`
	BootBlocks    uint64 `mapstructure:"boot-blocks"`
	TargetBase    uint64 `mapstructure:"target-base"`
	TargetBlocks  uint64 `mapstructure:"target-blocks"`

	WorkSpaceOffset uint64 `mapstructure:"workspace-offset"`
	WorkSpaceSize   uint64 `mapstructure:"workspace-size"`
	AutoReclaim     bool   `mapstructure:"auto-reclaim"`

	Verbose bool   `mapstructure:"verbose"`
	Debug   uint64 `mapstructure:"debug"`
	Stats   bool   `mapstructure:"stats"`
}

func New() *Options {
	cfg := ftw.DefaultConfig()
	return &Options{
		Image:           "flash.img",
		Blocks:          64,
		Device:          1,
		WorkingBase:     0,
		WorkingBlocks:   1,
		SpareBase:       1,
		SpareBlocks:     4,
		BootBase:        5,
		BootBlocks:      2,
		TargetBase:      8,
		TargetBlocks:    56,
		WorkSpaceOffset: cfg.WorkSpaceOffset,
		WorkSpaceSize:   cfg.WorkSpaceSize,
		AutoReclaim:     cfg.AutoReclaim,
	}
}

func (o *Options) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.Image, "image", o.Image, "Flash image `FILE` (created erased if missing)")
	fs.Uint64Var(&o.Blocks, "blocks", o.Blocks, "Image size in blocks")
	fs.Uint64Var(&o.Device, "device", o.Device, "Device number recorded in journal addresses")

	fs.Uint64Var(&o.WorkingBase, "working-base", o.WorkingBase, "First block of the working region")
	fs.Uint64Var(&o.WorkingBlocks, "working-blocks", o.WorkingBlocks, "Working region size in blocks")
	fs.Uint64Var(&o.SpareBase, "spare-base", o.SpareBase, "First block of the spare area")
	fs.Uint64Var(&o.SpareBlocks, "spare-blocks", o.SpareBlocks, "Spare area size in blocks")
	fs.Uint64Var(&o.BootBase, "boot-base", o.BootBase, "First block of the boot region")
	fs.Uint64Var(&o.BootBlocks, "boot-blocks", o.BootBlocks, "Boot region size in blocks (0 for none)")
	fs.Uint64Var(&o.TargetBase, "target-base", o.TargetBase, "First block of the target region")
	fs.Uint64Var(&o.TargetBlocks, "target-blocks", o.TargetBlocks, "Target region size in blocks")

	fs.Uint64Var(&o.WorkSpaceOffset, "workspace-offset", o.WorkSpaceOffset,
		"Work space offset within the working region (bytes)")
	fs.Uint64Var(&o.WorkSpaceSize, "workspace-size", o.WorkSpaceSize, "Work space size (bytes)")
	fs.BoolVar(&o.AutoReclaim, "auto-reclaim", o.AutoReclaim, "Reclaim a full log instead of failing the write")

	fs.BoolVarP(&o.Verbose, "verbose", "v", o.Verbose, "Log debug messages")
	fs.Uint64Var(&o.Debug, "debug", o.Debug, "Journal trace level")
	fs.BoolVar(&o.Stats, "stats", o.Stats, "Print journal metrics when done")
}

// Validate will check the requirements of options
func (o *Options) Validate() []error {
	var errs []error
	if o.Image == "" {
		errs = append(errs, errors.New("--image is required"))
	}
	if o.WorkingBlocks == 0 || o.SpareBlocks == 0 || o.TargetBlocks == 0 {
		errs = append(errs, errors.New("working, spare and target regions must be non-empty"))
	}
	for _, r := range o.Regions() {
		if r.End() > o.Blocks {
			errs = append(errs, errors.Errorf("region %v ends past block %d", &r, o.Blocks))
		}
	}
	if err := o.Config().Validate(); err != nil {
		errs = append(errs, err)
	}
	return errs
}

// Regions lays out the image. Only the working and spare regions are
// required to be disjoint.
func (o *Options) Regions() []flash.Region {
	rs := []flash.Region{
		{Name: "working", Kind: flash.KindWorking, Base: o.WorkingBase, Blocks: o.WorkingBlocks},
		{Name: "spare", Kind: flash.KindSpare, Base: o.SpareBase, Blocks: o.SpareBlocks},
		{Name: "target", Kind: flash.KindTarget, Base: o.TargetBase, Blocks: o.TargetBlocks},
	}
	if o.BootBlocks > 0 {
		rs = append(rs, flash.Region{Name: "boot", Kind: flash.KindBoot, Base: o.BootBase, Blocks: o.BootBlocks})
	}
	return rs
}

func (o *Options) Config() ftw.Config {
	cfg := ftw.DefaultConfig()
	cfg.WorkSpaceOffset = o.WorkSpaceOffset
	cfg.WorkSpaceSize = o.WorkSpaceSize
	cfg.AutoReclaim = o.AutoReclaim
	return cfg
}
