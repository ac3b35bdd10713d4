package app

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gosuri/uitable"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/mit-pdos/go-ftw/cmd/ftwctl/app/options"
	"github.com/mit-pdos/go-ftw/disk"
	"github.com/mit-pdos/go-ftw/flash"
	"github.com/mit-pdos/go-ftw/ftw"
	"github.com/mit-pdos/go-ftw/util"
)

const commandDesc = `ftwctl inspects and updates a flash image through the fault tolerant
write journal. Every command runs journal recovery first, exactly as a
firmware boot would.`

var (
	progressMessage = color.GreenString("==>")
	usageTemplate   = fmt.Sprintf(`%s{{if .Runnable}}
  %s{{end}}{{if .HasAvailableSubCommands}}
  %s{{end}}{{if .HasExample}}

%s
{{.Example}}{{end}}{{if .HasAvailableSubCommands}}

%s{{range .Commands}}{{if (or .IsAvailableCommand (eq .Name "help"))}}
  %s {{.Short}}{{end}}{{end}}{{end}}{{if .HasAvailableLocalFlags}}

%s
{{.LocalFlags.FlagUsages | trimTrailingWhitespaces}}{{end}}{{if .HasAvailableInheritedFlags}}

%s
{{.InheritedFlags.FlagUsages | trimTrailingWhitespaces}}{{end}}{{if .HasAvailableSubCommands}}

Use "{{.CommandPath}} [command] --help" for more information about a command.{{end}}
`,
		color.CyanString("Usage:"),
		color.GreenString("{{.UseLine}}"),
		color.GreenString("{{.CommandPath}} [command]"),
		color.CyanString("Examples:"),
		color.CyanString("Available Commands:"),
		color.GreenString("{{rpad .Name .NamePadding }}"),
		color.CyanString("Flags:"),
		color.CyanString("Global Flags:"),
	)
)

// NewCommand builds the ftwctl command tree.
func NewCommand(basename string) *cobra.Command {
	opts := options.New()
	v := viper.New()
	var cfgFile string

	cmd := &cobra.Command{
		Use:           basename,
		Short:         "Fault tolerant write journal tool",
		Long:          commandDesc,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(v, basename, cfgFile, cmd.Flags(), opts)
		},
	}
	cmd.SetUsageTemplate(usageTemplate)
	fs := cmd.PersistentFlags()
	fs.SortFlags = false
	fs.StringVarP(&cfgFile, "config", "C", cfgFile,
		"Read configuration from specified `FILE`, support JSON, TOML, YAML, HCL, or Java properties formats.")
	opts.AddFlags(fs)

	cmd.AddCommand(
		formatCommand(opts),
		writeCommand(opts),
		readCommand(opts),
		recoverCommand(opts),
		abortCommand(opts),
		reclaimCommand(opts),
		dumpCommand(opts),
	)
	return cmd
}

// loadConfig layers the config file and FTWCTL_* environment under the
// command line flags and decodes the result into opts.
func loadConfig(v *viper.Viper, basename string, cfgFile string, fs *pflag.FlagSet, opts *options.Options) error {
	v.SetEnvPrefix(strings.Replace(strings.ToUpper(basename), "-", "_", -1))
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return errors.Wrapf(err, "failed to read configuration file(%s)", cfgFile)
		}
	}
	if err := v.BindPFlags(fs); err != nil {
		return err
	}
	if err := v.Unmarshal(opts); err != nil {
		return errors.Wrap(err, "decode configuration")
	}
	if errs := opts.Validate(); len(errs) > 0 {
		msgs := make([]string, 0, len(errs))
		for _, err := range errs {
			msgs = append(msgs, err.Error())
		}
		return errors.New(strings.Join(msgs, "; "))
	}
	return nil
}

// session is one open image with its journal recovered.
type session struct {
	cmd    *cobra.Command
	store  *flash.Store
	dev    *ftw.Device
	reg    *prometheus.Registry
	logger log.Logger
}

func (s *session) printf(format string, a ...interface{}) {
	fmt.Fprintf(s.cmd.OutOrStdout(), format, a...)
}

func (s *session) region(name string) (*flash.Region, error) {
	return s.store.Region(name)
}

// withDevice opens the image, runs recovery and hands the device to run.
func withDevice(opts *options.Options, run func(s *session, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		logger := log.NewLogfmtLogger(log.NewSyncWriter(cmd.ErrOrStderr()))
		logger = log.With(logger, "ts", log.DefaultTimestampUTC)
		if opts.Verbose {
			logger = level.NewFilter(logger, level.AllowDebug())
		} else {
			logger = level.NewFilter(logger, level.AllowInfo())
		}
		util.SetLogger(logger)
		util.Debug = opts.Debug

		d, err := disk.NewFileDisk(opts.Image, opts.Blocks)
		if err != nil {
			return err
		}
		defer d.Close()
		store, err := flash.NewStore(d, opts.Device, opts.Regions()...)
		if err != nil {
			return err
		}
		reg := prometheus.NewRegistry()
		dev, err := ftw.Open(store, opts.Config(), logger, reg)
		if err != nil {
			return errors.Wrap(err, "open journal")
		}
		s := &session{cmd: cmd, store: store, dev: dev, reg: reg, logger: logger}
		if err := run(s, args); err != nil {
			return err
		}
		if err := d.Barrier(); err != nil {
			return err
		}
		if opts.Stats {
			return s.printStats()
		}
		return nil
	}
}

func (s *session) printStats() error {
	mfs, err := s.reg.Gather()
	if err != nil {
		return err
	}
	s.printf("%v Metrics:\n", progressMessage)
	table := uitable.New()
	table.Separator = " "
	table.RightAlign(1)
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			name := mf.GetName()
			for _, lp := range m.GetLabel() {
				name += fmt.Sprintf("{%s=%q}", lp.GetName(), lp.GetValue())
			}
			switch {
			case m.GetCounter() != nil:
				table.AddRow(name, m.GetCounter().GetValue())
			case m.GetHistogram() != nil:
				h := m.GetHistogram()
				table.AddRow(name, fmt.Sprintf("%d samples, %.6fs", h.GetSampleCount(), h.GetSampleSum()))
			}
		}
	}
	s.printf("%v\n", table)
	return nil
}
