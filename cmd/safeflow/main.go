// SafeFlow - real-time crowd safety analysis.
// Samples frames from a camera or video file, sends them to Gemini and
// serves the results on a web dashboard.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/teslashibe/go-safeflow/internal/config"
	applog "github.com/teslashibe/go-safeflow/internal/log"
	"github.com/teslashibe/go-safeflow/pkg/safeflow"
	"github.com/teslashibe/go-safeflow/pkg/source/cvcap"
)

type flags struct {
	configPath string
	addr       string
	logLevel   string
	jsonLog    bool
	camera     int
	live       bool
	video      string
	autostart  bool
}

func main() {
	os.Exit(run())
}

// run wires and runs the service. It returns the process exit code so that
// deferred cleanup finishes before main exits.
func run() int {
	f := parseFlags()

	cfg, err := config.Load(f.configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	f.apply(&cfg)

	logger := applog.Setup(applog.Options{Level: cfg.LogLevel, JSON: f.jsonLog})

	app, err := safeflow.New(cfg, safeflow.Devices{
		Camera: cvcap.OpenCamera(cfg.Camera.Index, cfg.Camera.Width, cfg.Camera.Height),
		Video:  cvcap.OpenVideoFile,
	}, safeflow.WithLogger(logger))
	if err != nil {
		logger.Error("configuration error", "error", err)
		return 2
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Shutdown tolerates a partial Init, so register it first.
	defer app.Shutdown()
	if err := app.Init(ctx); err != nil {
		logger.Error("initialization failed", "error", err)
		return 1
	}

	if err := preselect(ctx, app, f); err != nil {
		logger.Warn("initial source not selected", "error", err)
	}

	if err := app.Run(ctx); err != nil {
		logger.Error("runtime error", "error", err)
		return 1
	}
	return 0
}

// parseFlags parses command line flags. Flags win over the config file and
// the environment.
func parseFlags() flags {
	var f flags
	flag.StringVar(&f.configPath, "config", os.Getenv("SAFEFLOW_CONFIG"), "Path to a TOML config file")
	flag.StringVar(&f.addr, "addr", "", "Dashboard listen address (overrides config)")
	flag.StringVar(&f.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	flag.BoolVar(&f.jsonLog, "json-log", false, "Emit JSON logs")
	flag.IntVar(&f.camera, "camera", -1, "Camera device index (overrides config)")
	flag.BoolVar(&f.live, "live", false, "Select the camera at startup")
	flag.StringVar(&f.video, "video", "", "Select this video file at startup")
	flag.BoolVar(&f.autostart, "autostart", false, "Start analysis once a source is selected")
	flag.Parse()
	return f
}

func (f flags) apply(cfg *config.Config) {
	if f.addr != "" {
		cfg.HTTP.Addr = f.addr
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}
	if f.camera >= 0 {
		cfg.Camera.Index = f.camera
	}
}

func preselect(ctx context.Context, app *safeflow.App, f flags) error {
	sess := app.Session()
	switch {
	case f.video != "":
		if err := sess.SelectFile(ctx, f.video); err != nil {
			return err
		}
	case f.live:
		if err := sess.SelectLive(ctx); err != nil {
			return err
		}
	default:
		return nil
	}
	if f.autostart {
		return sess.Start()
	}
	return nil
}
