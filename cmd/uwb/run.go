package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gonum.org/v1/plot"

	"github.com/banshee-data/uwb.locator/internal/api"
	"github.com/banshee-data/uwb.locator/internal/config"
	"github.com/banshee-data/uwb.locator/internal/db"
	"github.com/banshee-data/uwb.locator/internal/monitoring"
	"github.com/banshee-data/uwb.locator/internal/mqttpub"
	"github.com/banshee-data/uwb.locator/internal/report"
	"github.com/banshee-data/uwb.locator/internal/security"
	"github.com/banshee-data/uwb.locator/internal/serialmux"
	"github.com/banshee-data/uwb.locator/internal/uwb/calibration"
	"github.com/banshee-data/uwb.locator/internal/uwb/pipeline"
	"github.com/banshee-data/uwb.locator/internal/uwb/ranging"
)

// runOptions holds the flags shared by the run subcommands.
type runOptions struct {
	devices       []string
	serialNumbers []string
	duration      time.Duration
	skipStart     bool
	listen        string
	noHTTP        bool
	dbPath        string
	noDB          bool
	mqttBroker    string
	plotDir       string
	channel       int
	windowSize    int
	tick          time.Duration

	// cal only
	target float64
	anchor string

	// factory opens ports; tests swap in a mock.
	factory serialmux.SerialPortFactory
	lister  serialmux.PortLister
}

func (o *runOptions) portFactory() serialmux.SerialPortFactory {
	if o.factory == nil {
		return serialmux.RealSerialPortFactory{}
	}
	return o.factory
}

// addDeviceFlags registers the flags selecting modules.
func (o *runOptions) addDeviceFlags(flags *pflag.FlagSet) {
	flags.StringSliceVarP(&o.devices, "device", "d", nil, "serial port of each module, initiator first (repeatable)")
	flags.StringSliceVar(&o.serialNumbers, "serial-number", nil, "USB serial number of each module, initiator first (repeatable)")
	flags.IntVar(&o.channel, "channel", 0, "UWB channel, 5 or 9 (default from config)")
}

func (o *runOptions) addFlags(flags *pflag.FlagSet) {
	o.addDeviceFlags(flags)
	flags.DurationVar(&o.duration, "duration", 0, "stop after this long (0 runs until interrupted)")
	flags.BoolVar(&o.skipStart, "skip-start", false, "do not send role commands; modules were set up headless")
	flags.StringVar(&o.listen, "listen", "", "HTTP listen address (default from config)")
	flags.BoolVar(&o.noHTTP, "no-http", false, "do not serve the HTTP API")
	flags.StringVar(&o.dbPath, "db", "", "sqlite database path (default from config)")
	flags.BoolVar(&o.noDB, "no-db", false, "do not record to the database")
	flags.StringVar(&o.mqttBroker, "mqtt-broker", "", "publish fixes to this MQTT broker (host:port)")
	flags.StringVar(&o.plotDir, "plot-dir", "", "write PNG plots of the run to this directory")
	flags.IntVar(&o.windowSize, "window", 0, "samples kept per anchor (default from config)")
	flags.DurationVar(&o.tick, "tick", 0, "processor tick interval (default from config)")
}

// loadConfig reads the config file and applies flag overrides. A missing
// default config file is not an error; an explicit --config must exist.
func loadConfig(flags *pflag.FlagSet, o *runOptions) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		explicit := flags != nil && flags.Changed("config")
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		monitoring.Diagf("no config at %s, using defaults", configPath)
		cfg = &config.Config{}
	}
	if o == nil {
		return cfg, nil
	}

	if o.channel != 0 {
		cfg.Channel = &o.channel
	}
	if o.windowSize != 0 {
		cfg.WindowSize = &o.windowSize
	}
	if o.tick != 0 {
		tick := o.tick.String()
		cfg.TickInterval = &tick
	}
	if o.listen != "" {
		cfg.Listen = &o.listen
	}
	if o.dbPath != "" {
		cfg.Database = &config.DatabaseConfig{Path: &o.dbPath}
	}
	if o.mqttBroker != "" {
		if cfg.MQTT == nil {
			cfg.MQTT = &config.MQTTConfig{}
		}
		cfg.MQTT.Broker = o.mqttBroker
	}
	if o.target != 0 {
		if cfg.Calibration == nil {
			cfg.Calibration = &config.CalibrationConfig{}
		}
		cfg.Calibration.TargetCm = &o.target
	}
	if o.anchor != "" {
		id, err := ranging.ParseAnchorID(o.anchor)
		if err != nil {
			return nil, fmt.Errorf("--anchor: %w", err)
		}
		if cfg.Calibration == nil {
			cfg.Calibration = &config.CalibrationConfig{}
		}
		cfg.Calibration.Anchor = &id
	}
	if len(o.devices) > 0 && len(o.serialNumbers) > 0 {
		return nil, errors.New("use either --device or --serial-number, not both")
	}
	if len(o.devices) > 0 || len(o.serialNumbers) > 0 {
		cfg.Devices = nil
		for _, p := range o.devices {
			cfg.Devices = append(cfg.Devices, config.DeviceConfig{Path: p})
		}
		for _, sn := range o.serialNumbers {
			cfg.Devices = append(cfg.Devices, config.DeviceConfig{SerialNumber: sn})
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// openPort opens one configured module. Serial numbers are resolved on
// every call so a re-plugged adapter is found at its new path.
func openPort(d config.DeviceConfig, cfg *config.Config, factory serialmux.SerialPortFactory, list serialmux.PortLister) (*serialmux.SerialMux[serialmux.SerialPorter], error) {
	path := d.Path
	if d.SerialNumber != "" {
		paths, missing, err := serialmux.FindBySerialNumber(list, []string{d.SerialNumber})
		if err != nil {
			return nil, err
		}
		if len(missing) > 0 {
			return nil, fmt.Errorf("no serial port with serial number %s", d.SerialNumber)
		}
		path = paths[0]
	}
	m, err := serialmux.NewSerialMuxFrom(factory, path, cfg.GetSerial())
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return m.WithReadTimeout(cfg.GetReadTimeout()), nil
}

func openerFor(d config.DeviceConfig, cfg *config.Config, factory serialmux.SerialPortFactory, list serialmux.PortLister) pipeline.Opener {
	return func(_ context.Context, i int) (pipeline.Channel, error) {
		m, err := openPort(d, cfg, factory, list)
		if err != nil {
			return nil, err
		}
		monitoring.Diagf("channel %d: opened %s", i, m.Name())
		return m, nil
	}
}

func openers(cfg *config.Config, o *runOptions) ([]pipeline.Opener, error) {
	if len(cfg.Devices) == 0 {
		return nil, errNoInput
	}
	out := make([]pipeline.Opener, len(cfg.Devices))
	for i, d := range cfg.Devices {
		out[i] = openerFor(d, cfg, o.portFactory(), o.lister)
	}
	return out, nil
}

// openDatabase creates a new database with the current schema, or opens an
// existing one and refuses to run against an outdated schema.
func openDatabase(path string) (*db.DB, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		monitoring.Diagf("creating database %s", path)
		database, err := db.NewDB(path)
		if err != nil {
			return nil, fmt.Errorf("failed to create database: %w", err)
		}
		return database, nil
	}
	database, err := db.NewDBWithMigrationCheck(path, true)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}
	return database, nil
}

// runEnv is what a processor builder gets to work with.
type runEnv struct {
	cfg   *config.Config
	opts  *runOptions
	db    *db.DB
	store *ranging.Store
	out   io.Writer
}

// runSetup is what a builder returns.
type runSetup struct {
	proc pipeline.Processor
	// triang, when set, receives the api, trace, db and mqtt sinks.
	triang *pipeline.TriangProcessor
	cal    *pipeline.CalProcessor
	// report runs after the pipeline stops.
	report func(env *runEnv, trace *report.Trace) error
}

type buildFunc func(env *runEnv) (*runSetup, error)

func runPipeline(cmd *cobra.Command, o *runOptions, build buildFunc) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(cmd.Flags(), o)
	if err != nil {
		return err
	}
	ops, err := openers(cfg, o)
	if err != nil {
		return err
	}

	env := &runEnv{cfg: cfg, opts: o, store: ranging.NewStore(cfg.StoreConfig()), out: cmd.OutOrStdout()}
	if !o.noDB {
		database, err := openDatabase(cfg.GetDatabasePath())
		if err != nil {
			return err
		}
		defer database.Close()
		env.db = database
	}

	setup, err := build(env)
	if err != nil {
		return err
	}

	p, err := pipeline.New(pipeline.Config{
		Openers:      ops,
		Plan:         cfg.Plan(len(ops)),
		SkipStart:    o.skipStart,
		Store:        env.store,
		Processor:    setup.proc,
		TickInterval: cfg.GetTickInterval(),
		Duration:     o.duration,
		RetryBackoff: cfg.GetRetryBackoff(),
		MaxRetries:   cfg.GetMaxRetries(),
		QueueSize:    cfg.GetQueueSize(),
		QueuePolicy:  cfg.GetQueuePolicy(),
		BlockTimeout: cfg.GetBlockTimeout(),
		Ignore:       cfg.GetIgnoreAnchors(),
		StopTimeout:  cfg.GetStopTimeout(),
	})
	if err != nil {
		return err
	}

	anchors := cfg.PipelineAnchors()
	apiOpts := api.Options{Anchors: anchors, DB: env.db, Stats: p, Devices: p}
	if setup.cal != nil {
		apiOpts.Calibration = setup.cal.Controller()
	}
	server := api.NewServer(apiOpts)
	trace := report.NewTrace(0)

	if setup.triang != nil {
		setup.triang.AddSink(server)
		setup.triang.AddSink(trace)
		if env.db != nil {
			setup.triang.AddSink(env.db)
		}
		if cfg.MQTT != nil && cfg.MQTT.Broker != "" {
			pub, err := mqttpub.New(mqttpub.Config{
				Broker:   cfg.MQTT.Broker,
				Topic:    cfg.GetMQTTTopic(),
				ClientID: cfg.MQTT.ClientID,
				QoS:      cfg.GetMQTTQoS(),
			})
			if err != nil {
				return err
			}
			if err := pub.Connect(ctx); err != nil {
				// the client keeps retrying in the background
				monitoring.Opsf("%v", err)
			}
			defer pub.Close()
			setup.triang.AddSink(pub)
		}
	}

	var wg sync.WaitGroup
	if !o.noHTTP {
		mux := http.NewServeMux()
		server.Attach(mux)
		report.AttachAdminRoutes(mux, anchors, trace)
		attachChannelRoutes(mux, p)
		if env.db != nil {
			env.db.AttachAdminRoutes(mux)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			serveHTTP(ctx, cfg.GetListen(), api.LoggingMiddleware(mux), server.Hub())
		}()
	}

	monitoring.Diagf("running %d device channel(s)", len(ops))
	runErr := p.Run(ctx)

	stop()
	wg.Wait()

	printPipelineStats(env.out, p.Stats())
	if setup.report != nil {
		if err := setup.report(env, trace); err != nil {
			monitoring.Opsf("report: %v", err)
		}
	}
	return runErr
}

// attachChannelRoutes mounts the serial debug routes of every channel at
// /debug/ch<i>/.
func attachChannelRoutes(mux *http.ServeMux, p *pipeline.Pipeline) {
	for i := range p.Channels() {
		serialmux.AttachAdminRoutes(mux, fmt.Sprintf("ch%d", i), func() serialmux.AdminPort {
			port, _ := p.Channel(i).(serialmux.AdminPort)
			return port
		})
	}
}

// serveHTTP serves h on addr until ctx is done.
func serveHTTP(ctx context.Context, addr string, h http.Handler, hub *api.Hub) {
	server := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		monitoring.Diagf("serving HTTP on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			monitoring.Opsf("HTTP server: %v", err)
		}
	}()

	<-ctx.Done()
	monitoring.Diagf("shutting down HTTP server...")
	// hijacked websocket connections are not closed by Shutdown
	hub.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		monitoring.Opsf("HTTP server shutdown error: %v", err)
		if err := server.Close(); err != nil {
			monitoring.Opsf("HTTP server force close error: %v", err)
		}
	}
}

// NewRunCommand builds "uwb run" and its processor subcommands.
func NewRunCommand() *cobra.Command {
	o := &runOptions{}
	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Stream distance reports from the modules through a processor",
		GroupID: gRun,
	}
	o.addFlags(cmd.PersistentFlags())

	cmd.AddCommand(
		&cobra.Command{
			Use:   "log",
			Short: "Log every distance report",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runPipeline(cmd, o, buildLog)
			},
		},
		&cobra.Command{
			Use:   "stats",
			Short: "Collect per-anchor distance statistics",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runPipeline(cmd, o, buildStats)
			},
		},
		&cobra.Command{
			Use:   "triang",
			Short: "Solve the tag position from the configured anchors",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runPipeline(cmd, o, buildTriang)
			},
		},
		newCalCommand(o),
	)
	return cmd
}

func newCalCommand(o *runOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cal",
		Short: "Calibrate the antenna delay against a known distance",
		Long: `Calibrate the antenna delay against a known distance.

Place the tag at --target cm from the calibration anchor. The delay is
adjusted after every measurement window until the mean distance is within
tolerance, then saved on every module.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPipeline(cmd, o, buildCal)
		},
	}
	cmd.Flags().Float64Var(&o.target, "target", 0, "true distance in cm between the tag and the calibration anchor")
	cmd.Flags().StringVar(&o.anchor, "anchor", "", "calibration anchor id, e.g. 0x0002 (default from config)")
	return cmd
}

func buildLog(*runEnv) (*runSetup, error) {
	lp := pipeline.NewLogProcessor()
	return &runSetup{
		proc: lp,
		report: func(env *runEnv, _ *report.Trace) error {
			fmt.Fprintf(env.out, "  logged:   %d samples\n", lp.Count())
			return nil
		},
	}, nil
}

func buildStats(env *runEnv) (*runSetup, error) {
	var sink pipeline.SampleSink
	if env.db != nil {
		sink = env.db
	}
	sp := pipeline.NewStatsProcessor(sink)
	return &runSetup{
		proc: sp,
		report: func(env *runEnv, _ *report.Trace) error {
			printSummaries(env.out, sp.Summaries())
			if env.opts.plotDir == "" {
				return nil
			}
			p, err := report.DistanceBoxPlot(sp.Distances())
			if errors.Is(err, report.ErrNoData) {
				return nil
			}
			if err != nil {
				return err
			}
			return savePlot(env, p, "distances")
		},
	}, nil
}

func buildTriang(env *runEnv) (*runSetup, error) {
	tp, err := pipeline.NewTriangProcessor(env.store, env.cfg.Solver(), env.cfg.PipelineAnchors())
	if err != nil {
		return nil, err
	}
	return &runSetup{
		proc:   tp,
		triang: tp,
		report: func(env *runEnv, trace *report.Trace) error {
			last, ok := tp.Last()
			printTriangStats(env.out, tp.Stats(), last, ok)
			if env.opts.plotDir == "" || trace.Len() == 0 {
				return nil
			}
			p, err := report.TracePlot(tp.Anchors(), trace.Fixes())
			if err != nil {
				return err
			}
			return savePlot(env, p, "trace")
		},
	}, nil
}

func buildCal(env *runEnv) (*runSetup, error) {
	calCfg := env.cfg.GetCalibration()
	if calCfg.Target <= 0 {
		return nil, errors.New("calibration needs a target distance: pass --target or set calibration.target_cm")
	}
	opts := env.cfg.CalOptions()
	if env.db != nil {
		opts.Recorder = env.db
	}
	cp, err := pipeline.NewCalProcessor(calCfg, opts, time.Now())
	if err != nil {
		return nil, err
	}
	monitoring.Diagf("calibration run %s: anchor %s, target %.1fcm", cp.RunID(), opts.Anchor, calCfg.Target)
	return &runSetup{
		proc: cp,
		cal:  cp,
		report: func(env *runEnv, _ *report.Trace) error {
			st := cp.Controller().State()
			printCalibration(env.out, st, calCfg.Tolerance)
			if env.opts.plotDir == "" || len(st.History) == 0 {
				return nil
			}
			p, err := report.CalibrationPlot(st.History, calCfg.Target, calCfg.Tolerance)
			if err != nil {
				return err
			}
			return savePlot(env, p, "calibration-"+cp.RunID()[:8])
		},
	}, nil
}

var _ api.CalibrationSource = (*calibration.Controller)(nil)

func savePlot(env *runEnv, p *plot.Plot, name string) error {
	if err := os.MkdirAll(env.opts.plotDir, 0o755); err != nil {
		return err
	}
	path, err := security.OutputPath(env.opts.plotDir, name, ".png")
	if err != nil {
		return err
	}
	if err := report.SavePNG(p, path); err != nil {
		return err
	}
	fmt.Fprintf(env.out, "wrote %s\n", path)
	return nil
}
