package app

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"

	"github.com/fatih/color"
	"github.com/go-kit/log/level"
	"github.com/gosuri/uitable"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/mit-pdos/go-ftw/cmd/ftwctl/app/options"
	"github.com/mit-pdos/go-ftw/wal"
)

func formatCommand(opts *options.Options) *cobra.Command {
	return &cobra.Command{
		Use:   "format",
		Short: "Create or empty the work space",
		Long: `Opens the image, formatting a blank or damaged work space, and reclaims
every completed record.`,
		Args: cobra.NoArgs,
		RunE: withDevice(opts, func(s *session, args []string) error {
			if err := s.dev.Reclaim(); err != nil {
				return err
			}
			free, err := s.dev.Free()
			if err != nil {
				return err
			}
			s.printf("%v work space ready in %v, %d free records\n", progressMessage, s.dev.Working(), free)
			return nil
		}),
	}
}

// payload holds the flags that describe the bytes to write.
type payload struct {
	hex   string
	file  string
	fill  string
	count uint64
}

func (p *payload) bytes() ([]byte, error) {
	switch {
	case p.hex != "":
		return hex.DecodeString(p.hex)
	case p.file != "":
		return os.ReadFile(p.file)
	case p.fill != "":
		b, err := strconv.ParseUint(p.fill, 0, 8)
		if err != nil {
			return nil, errors.Wrap(err, "--fill")
		}
		data := make([]byte, p.count)
		for i := range data {
			data[i] = byte(b)
		}
		return data, nil
	}
	return nil, errors.New("one of --hex, --file or --fill is required")
}

func writeCommand(opts *options.Options) *cobra.Command {
	var lba, off uint64
	var p payload
	cmd := &cobra.Command{
		Use:     "write REGION",
		Short:   "Fault tolerant write into a region",
		Example: "  ftwctl write target --lba 3 --offset 16 --hex deadbeef",
		Args:    cobra.ExactArgs(1),
		RunE: withDevice(opts, func(s *session, args []string) error {
			r, err := s.region(args[0])
			if err != nil {
				return err
			}
			data, err := p.bytes()
			if err != nil {
				return err
			}
			if err := s.dev.Write(r, lba, off, data); err != nil {
				return err
			}
			s.printf("%v wrote %d bytes to %v block %d offset %d\n", progressMessage, len(data), r, lba, off)
			return nil
		}),
	}
	fs := cmd.Flags()
	fs.Uint64Var(&lba, "lba", 0, "Block within the region")
	fs.Uint64Var(&off, "offset", 0, "Byte offset from the start of the block")
	fs.StringVar(&p.hex, "hex", "", "Data as a hex string")
	fs.StringVar(&p.file, "file", "", "Read data from `FILE`")
	fs.StringVar(&p.fill, "fill", "", "Repeat one byte value")
	fs.Uint64Var(&p.count, "count", 1, "Number of bytes for --fill")
	return cmd
}

func readCommand(opts *options.Options) *cobra.Command {
	var lba, off, count uint64
	cmd := &cobra.Command{
		Use:   "read REGION",
		Short: "Hex dump bytes of a region",
		Args:  cobra.ExactArgs(1),
		RunE: withDevice(opts, func(s *session, args []string) error {
			r, err := s.region(args[0])
			if err != nil {
				return err
			}
			buf := make([]byte, count)
			if err := s.store.Read(r, lba, off, buf); err != nil {
				return err
			}
			s.printf("%s", hex.Dump(buf))
			return nil
		}),
	}
	fs := cmd.Flags()
	fs.Uint64Var(&lba, "lba", 0, "Block within the region")
	fs.Uint64Var(&off, "offset", 0, "Byte offset from the start of the block")
	fs.Uint64Var(&count, "count", 64, "Number of bytes")
	return cmd
}

func recoverCommand(opts *options.Options) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Resolve an interrupted write",
		Long: `Recovery already runs when the image is opened; this reports what it did
and runs it once more, which must find nothing to do.`,
		Args: cobra.NoArgs,
		RunE: withDevice(opts, func(s *session, args []string) error {
			done, err := s.dev.RestartPending()
			if err != nil {
				return err
			}
			if done {
				s.printf("%v resolved a pending operation\n", progressMessage)
			} else {
				s.printf("%v nothing to do\n", progressMessage)
			}
			return nil
		}),
	}
}

func abortCommand(opts *options.Options) *cobra.Command {
	return &cobra.Command{
		Use:   "abort",
		Short: "Void an allocated write that never reached the spare area",
		Args:  cobra.NoArgs,
		RunE: withDevice(opts, func(s *session, args []string) error {
			if err := s.dev.AbortPending(); err != nil {
				return err
			}
			s.printf("%v no pending operation\n", progressMessage)
			return nil
		}),
	}
}

func reclaimCommand(opts *options.Options) *cobra.Command {
	return &cobra.Command{
		Use:   "reclaim",
		Short: "Compact the work space",
		Args:  cobra.NoArgs,
		RunE: withDevice(opts, func(s *session, args []string) error {
			if err := s.dev.Reclaim(); err != nil {
				return err
			}
			free, err := s.dev.Free()
			if err != nil {
				return err
			}
			level.Debug(s.logger).Log("msg", "reclaim done", "free", free)
			s.printf("%v %d free records\n", progressMessage, free)
			return nil
		}),
	}
}

func stateString(r wal.Record) string {
	st := r.State().String()
	switch {
	case r.Has(wal.Aborted):
		return color.YellowString(st + " (aborted)")
	case r.State() == wal.StateCompleted:
		return color.GreenString(st)
	default:
		return color.RedString(st)
	}
}

func dumpCommand(opts *options.Options) *cobra.Command {
	return &cobra.Command{
		Use:   "dump",
		Short: "List regions and journal records",
		Args:  cobra.NoArgs,
		RunE: withDevice(opts, func(s *session, args []string) error {
			s.printf("%v Regions:\n", progressMessage)
			regions := uitable.New()
			regions.Separator = "  "
			regions.AddRow("NAME", "KIND", "BASE", "BLOCKS")
			for _, r := range s.store.Regions() {
				regions.AddRow(r.Name, r.Kind, r.Base, r.Blocks)
			}
			s.printf("%v\n", regions)

			recs, err := s.dev.Records()
			if err != nil {
				return err
			}
			free, err := s.dev.Free()
			if err != nil {
				return err
			}
			s.printf("%v Records (%d used, %d free):\n", progressMessage, len(recs), free)
			table := uitable.New()
			table.Separator = "  "
			table.MaxColWidth = 40
			table.RightAlign(0)
			table.AddRow("#", "TARGET", "LBA", "OFFSET", "LENGTH", "STATE")
			for i, r := range recs {
				target := r.Target.String()
				if dst, err := s.store.Resolve(r.Target, r.Kind); err == nil {
					target = fmt.Sprintf("%s (%v)", dst.Name, r.Target)
				}
				table.AddRow(i, target, r.Lba, r.Offset, r.Length, stateString(r))
			}
			s.printf("%v\n", table)
			return nil
		}),
	}
}
