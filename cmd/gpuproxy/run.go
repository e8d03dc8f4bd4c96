package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/sarchlab/gpuproxy/config"
	"github.com/sarchlab/gpuproxy/platform"
	"github.com/sarchlab/gpuproxy/simulation"
	"github.com/sarchlab/gpuproxy/testcpu"
	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"
	"go.uber.org/zap"
)

var errVerificationFailed = errors.New("device-to-host data does not match")

type runFlags struct {
	configPath     string
	trace          string
	record         string
	dumpDir        string
	cudaExecutable string
	logLevel       string
	monitor        bool
	openBrowser    bool
	native         bool
}

func newRunCommand() *cobra.Command {
	f := &runFlags{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Replay a trace and verify the device-to-host copies.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, f)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&f.configPath, "config", "c", "",
		"YAML configuration file (default $GPUPROXY_CONFIG)")
	flags.StringVarP(&f.trace, "trace", "t", "", "trace file to replay")
	flags.StringVar(&f.record, "record", "",
		"write the trace database to this path, without the .sqlite3 suffix")
	flags.StringVar(&f.dumpDir, "dump-dir", "",
		"dump the data of every device-to-host copy into this directory")
	flags.StringVar(&f.cudaExecutable, "cuda-executable", "",
		"register this file instead of the fat binary named by the CPU")
	flags.StringVar(&f.logLevel, "log-level", "", "debug, info, warn, or error")
	flags.BoolVar(&f.monitor, "monitor", false, "serve the web monitor")
	flags.BoolVar(&f.openBrowser, "open-browser", false,
		"open the web monitor in a browser")
	flags.BoolVar(&f.native, "native", false,
		"keep CPU-side buffers outside simulated memory")

	return cmd
}

func defaultConfig() *config.Config {
	return config.Default()
}

// loadConfig layers the configuration: defaults, the YAML file, environment
// variables, and finally the flags.
func loadConfig(cmd *cobra.Command, f *runFlags) (*config.Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	path := f.configPath
	if path == "" {
		path = os.Getenv("GPUPROXY_CONFIG")
	}

	cfg := defaultConfig()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}

	cfg.ApplyEnv(os.LookupEnv)

	flags := cmd.Flags()
	if flags.Changed("trace") {
		cfg.Trace.File = f.trace
	}

	if flags.Changed("record") {
		cfg.Record.Path = f.record
	}

	if flags.Changed("dump-dir") {
		cfg.Trace.DumpDir = f.dumpDir
	}

	if flags.Changed("cuda-executable") {
		cfg.Trace.CUDAExecutable = f.cudaExecutable
	}

	if flags.Changed("log-level") {
		cfg.Log.Level = f.logLevel
	}

	if flags.Changed("monitor") {
		cfg.Monitor.Enabled = f.monitor
	}

	if flags.Changed("open-browser") {
		cfg.Monitor.OpenBrowser = f.openBrowser
	}

	if f.native {
		cfg.CPU.SimulatedMemory = false
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func buildSimulation(cfg *config.Config) *simulation.Simulation {
	b := simulation.MakeBuilder()

	if cfg.Monitor.Enabled {
		b = b.WithMonitorPort(cfg.Monitor.Port)
		if cfg.Monitor.OpenBrowser {
			b = b.WithBrowser()
		}
	} else {
		b = b.WithoutMonitoring()
	}

	if cfg.Record.Path != "" {
		b = b.WithOutputFileName(cfg.Record.Path)
	} else {
		b = b.WithoutRecording()
	}

	return b.Build()
}

func run(cmd *cobra.Command, f *runFlags) error {
	cfg, err := loadConfig(cmd, f)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	atexit.Register(func() { _ = logger.Sync() })

	ops, err := testcpu.LoadTrace(cfg.Trace.File)
	if err != nil {
		return err
	}

	logger.Info("trace loaded",
		zap.String("file", cfg.Trace.File),
		zap.Int("operations", len(ops)))

	var dumper *testcpu.Dumper
	if cfg.Trace.DumpDir != "" {
		if dumper, err = testcpu.NewDumper(cfg.Trace.DumpDir); err != nil {
			return err
		}
	}

	s := buildSimulation(cfg)

	p := platform.MakeBuilder().
		WithConfig(cfg).
		WithSimulation(s).
		WithLogger(logger).
		WithTrace(ops).
		WithDumper(dumper).
		Build("Platform")

	s.StartMonitor()

	runErr := p.Run()
	s.Terminate()

	report := p.Report()
	writeReport(cmd.OutOrStdout(), report)

	if runErr != nil {
		return runErr
	}

	if !report.Verified() {
		return errVerificationFailed
	}

	return nil
}
