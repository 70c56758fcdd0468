// Package safeflow wires the analysis loop, the dashboard and the optional
// event store and alert publisher into one service.
package safeflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/teslashibe/go-safeflow/internal/config"
	"github.com/teslashibe/go-safeflow/pkg/alert"
	"github.com/teslashibe/go-safeflow/pkg/dashboard"
	"github.com/teslashibe/go-safeflow/pkg/events"
	"github.com/teslashibe/go-safeflow/pkg/inference"
	"github.com/teslashibe/go-safeflow/pkg/loop"
	"github.com/teslashibe/go-safeflow/pkg/metrics"
	"github.com/teslashibe/go-safeflow/pkg/session"
	"github.com/teslashibe/go-safeflow/pkg/source"
	"github.com/teslashibe/go-safeflow/pkg/web"
)

// dispatchBuffer is how many status updates may queue for the slow
// observers (event store, MQTT) before updates are dropped.
const dispatchBuffer = 32

// Devices supplies the capture backends. A nil opener disables that source.
type Devices struct {
	Camera source.LiveOpener
	Video  source.FileOpener
}

// Option customizes an App.
type Option func(*App)

// WithAnalyzer replaces the Gemini analyzer, e.g. with inference.Mock.
func WithAnalyzer(a inference.Analyzer) Option {
	return func(app *App) { app.analyzer = a }
}

// WithPublisher replaces the MQTT connection used for alerts.
func WithPublisher(p alert.Publisher) Option {
	return func(app *App) { app.publisher = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(app *App) { app.logger = l }
}

// App owns every component and their lifecycle.
type App struct {
	config  config.Config
	devices Devices
	logger  *slog.Logger

	analyzer  inference.Analyzer
	tracker   *source.Tracker
	metrics   *metrics.Metrics
	session   *session.Session
	history   *dashboard.History
	store     *events.Store
	recorder  *events.Recorder
	mqtt      *alert.MQTT
	publisher alert.Publisher
	notifier  *alert.Notifier
	webServer *web.Server

	updates chan session.Status
	unsub   func()
}

// New validates cfg and creates an uninitialized App.
func New(cfg config.Config, devices Devices, opts ...Option) (*App, error) {
	app := &App{
		config:  cfg,
		devices: devices,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(app)
	}
	// A supplied analyzer does not need credentials.
	if app.analyzer == nil {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return app, nil
}

// Init builds all components. Call it after New and before Run.
func (a *App) Init(ctx context.Context) error {
	if a.analyzer == nil {
		if err := a.initAnalyzer(ctx); err != nil {
			return fmt.Errorf("analyzer: %w", err)
		}
	}

	a.tracker = source.NewTracker()
	a.metrics = metrics.New(a.tracker)
	a.history = dashboard.NewHistory(a.config.HTTP.HistoryLen)

	if err := a.initSession(); err != nil {
		return fmt.Errorf("session: %w", err)
	}

	if a.config.Events.DSN != "" {
		if err := a.initEvents(); err != nil {
			return fmt.Errorf("events: %w", err)
		}
	}

	if err := a.initAlerts(ctx); err != nil {
		// Alerts are optional; the dashboard still works without a broker.
		a.logger.Warn("alerts disabled", "error", err)
	}

	srv, err := web.NewServer(web.Config{
		Addr:        a.config.HTTP.Addr,
		Session:     a.session,
		History:     a.history,
		Events:      a.store,
		Metrics:     a.metrics.Handler(),
		StaticDir:   a.config.HTTP.StaticDir,
		Quality:     a.config.Camera.Quality,
		UploadLimit: a.config.HTTP.UploadMax << 20,
		Logger:      a.logger,
	})
	if err != nil {
		return fmt.Errorf("web: %w", err)
	}
	a.webServer = srv

	a.updates = make(chan session.Status, dispatchBuffer)
	a.unsub = a.session.Subscribe(a.observe)
	return nil
}

func (a *App) initAnalyzer(ctx context.Context) error {
	c := a.config.Analyzer
	opts := []inference.Option{
		inference.WithModel(c.Model),
		inference.WithTemperature(c.Temperature),
		inference.WithTimeout(c.Timeout.Duration),
		inference.WithLogger(a.logger),
	}
	if c.BaseURL != "" {
		opts = append(opts, inference.WithBaseURL(c.BaseURL))
	}
	if c.APIKey != "" {
		opts = append(opts, inference.WithAPIKey(c.APIKey))
	}
	if c.UseADC {
		opts = append(opts, inference.WithADC(true))
	}

	g, err := inference.NewGemini(ctx, opts...)
	if err != nil {
		return err
	}
	a.analyzer = g
	a.logger.Info("analyzer ready", "model", c.Model)
	return nil
}

func (a *App) initSession() error {
	policy := loop.Policy{
		Live: a.config.Loop.LiveDelay.Duration,
		File: a.config.Loop.FileDelay.Duration,
	}
	sess, err := session.New(session.Config{
		OpenCamera: a.devices.Camera,
		OpenVideo:  a.devices.Video,
		Analyzer:   a.analyzer,
		LoopOptions: []loop.Option{
			loop.WithPolicy(policy),
			loop.WithHooks(a.metrics.Hooks()),
		},
		SourceOptions: []source.Option{
			source.WithTracker(a.tracker),
			source.WithQuality(a.config.Camera.Quality),
		},
		LoopVideo: a.config.Video.Loop,
		UploadDir: a.config.Video.UploadDir,
		Logger:    a.logger,
	})
	if err != nil {
		return err
	}
	a.session = sess
	return nil
}

func (a *App) initEvents() error {
	store, err := events.Open(a.config.Events.DSN, events.WithLogger(a.logger))
	if err != nil {
		return err
	}
	a.store = store
	store.OnReport(func(r events.Receipt) { a.metrics.EventReported(r.Event.Level) })

	if a.config.Events.Record {
		a.recorder = events.NewRecorder(store, "safeflow", a.config.Events.Location, a.logger)
	}
	return nil
}

func (a *App) initAlerts(ctx context.Context) error {
	c := a.config.MQTT
	if a.publisher == nil {
		if c.Broker == "" {
			return nil
		}
		m, err := alert.DialMQTT(ctx, alert.MQTTConfig{
			Broker:   c.Broker,
			ClientID: c.ClientID,
			Username: c.Username,
			Password: c.Password,
			QoS:      byte(c.QoS),
		}, a.logger)
		if err != nil {
			return err
		}
		a.mqtt = m
		a.publisher = m
	}

	a.notifier = alert.NewNotifier(a.publisher, c.Prefix, a.logger)
	if a.store != nil {
		a.store.OnAlert(a.notifier.EventAlert)
	}
	return nil
}

// observe runs inside the session's notification path, so it only does
// in-memory work and hands the rest to dispatch.
func (a *App) observe(st session.Status) {
	if !st.Selected {
		a.history.Clear()
	}
	a.history.Observe(st.Loop)
	a.metrics.Observe(st.Loop)
	a.webServer.Publish(st)

	select {
	case a.updates <- st:
	default:
		a.logger.Debug("status dispatch full, dropping update", "cycle", st.Loop.Cycle)
	}
}

// dispatch feeds the observers that do I/O.
func (a *App) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case st := <-a.updates:
			if a.recorder != nil {
				a.recorder.Observe(st.Loop)
			}
			if a.notifier != nil {
				if !st.Selected {
					a.notifier.Forget()
				}
				a.notifier.Observe(st.Loop)
			}
		}
	}
}

// Session returns the analysis session.
func (a *App) Session() *session.Session { return a.session }

// Server returns the web server.
func (a *App) Server() *web.Server { return a.webServer }

// Store returns the event store, or nil when disabled.
func (a *App) Store() *events.Store { return a.store }

// Run serves the dashboard. It blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	if a.webServer == nil {
		return errors.New("safeflow: Init not called")
	}
	go a.dispatch(ctx)

	a.logger.Info("SafeFlow running", "addr", a.config.HTTP.Addr)
	return a.webServer.Run(ctx)
}

// Shutdown releases the source and closes every connection.
func (a *App) Shutdown() {
	if a.unsub != nil {
		a.unsub()
	}
	if a.session != nil {
		a.session.Close()
	}
	if a.webServer != nil {
		if err := a.webServer.Shutdown(); err != nil {
			a.logger.Warn("web shutdown failed", "error", err)
		}
	}
	if a.analyzer != nil {
		a.analyzer.Close()
	}
	if a.mqtt != nil {
		a.mqtt.Close()
	}
	if a.store != nil {
		a.store.Close()
	}
	a.logger.Info("SafeFlow stopped")
}
