// hostmeter samples host telemetry (CPU, memory, disk, network, GPU,
// PCIe, sensors, network storage) once per interval and prints the
// normalized snapshot as styled text or JSON.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/hostmeter/hostmeter/pkg/capability"
	"github.com/hostmeter/hostmeter/pkg/engine"
	"github.com/hostmeter/hostmeter/pkg/render"
)

var (
	flagInterval  time.Duration
	flagNoPerCore bool
	flagNoGPU     bool
	flagNoPCIe    bool
	flagTopN      int
	flagTimeout   time.Duration
	flagFailLimit int
	flagJSON      bool
	flagOnce      bool
	flagVerbose   bool
)

var rootCmd = &cobra.Command{
	Use:   "hostmeter",
	Short: "Host telemetry sampler",
	Long: `hostmeter probes the host once at startup, activates a collector for
every subsystem it finds (kernel counters, GPU vendor tools, PCIe link
status, hwmon sensors, network mounts), then samples them each interval
and prints one normalized snapshot per tick.`,
	SilenceUsage: true,
	RunE:         run,
}

var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Print the capability probe table and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		caps := capability.NewDetector().Detect()
		fmt.Print(caps.String())
		return nil
	},
}

func init() {
	rootCmd.Flags().DurationVarP(&flagInterval, "interval", "i", engine.DefaultInterval, "sampling interval")
	rootCmd.Flags().BoolVar(&flagNoPerCore, "no-per-core", false, "suppress per-core CPU breakdown")
	rootCmd.Flags().BoolVar(&flagNoGPU, "no-gpu", false, "disable GPU collectors")
	rootCmd.Flags().BoolVar(&flagNoPCIe, "no-pcie", false, "suppress per-device PCIe detail")
	rootCmd.Flags().IntVar(&flagTopN, "top", 8, "top-N bound for process lists")
	rootCmd.Flags().DurationVar(&flagTimeout, "timeout", engine.DefaultCollectTimeout, "per-collector timeout")
	rootCmd.Flags().IntVar(&flagFailLimit, "failure-limit", 0, "consecutive failures before deactivating a collector (0 = never)")
	rootCmd.Flags().BoolVar(&flagJSON, "json", false, "emit snapshots as JSON")
	rootCmd.Flags().BoolVar(&flagOnce, "once", false, "sample twice, print one snapshot with rates, and exit")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(detectCmd)
}

func run(cmd *cobra.Command, args []string) error {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	if flagVerbose {
		log.SetLevel(logrus.DebugLevel)
	}

	cfg := engine.NewConfig()
	if err := cfg.SetInterval(flagInterval); err != nil {
		return err
	}
	if err := cfg.SetTopN(flagTopN); err != nil {
		return err
	}
	if err := cfg.SetCollectTimeout(flagTimeout); err != nil {
		return err
	}
	if err := cfg.SetFailureLimit(flagFailLimit); err != nil {
		return err
	}
	cfg.SetPerCore(!flagNoPerCore)
	cfg.SetGPU(!flagNoGPU)
	cfg.SetPCIeDetail(!flagNoPCIe)

	caps := capability.NewDetector().Detect()
	if len(caps.ActiveNames()) == 0 {
		return fmt.Errorf("no collector capabilities detected on this host")
	}
	log.WithField("capabilities", caps.ActiveNames()).Debug("detection complete")

	eng := engine.New(cfg, caps, log)

	format := render.FormatText
	if flagJSON {
		format = render.FormatJSON
	}
	formatter := render.NewFormatter(format, os.Stdout)

	if flagOnce {
		// Two ticks so counter-based collectors have a baseline and the
		// printed snapshot carries rates.
		eng.Tick()
		time.Sleep(cfg.Interval())
		return formatter.Render(eng.Tick())
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- eng.Run(ctx) }()

	for {
		select {
		case snap := <-eng.Snapshots():
			if err := formatter.Render(snap); err != nil {
				return err
			}
		case err := <-errCh:
			if ctx.Err() != nil {
				log.Debug("shutdown")
				return nil
			}
			return err
		}
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
