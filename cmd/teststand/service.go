package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/MickyRosa/VisTrain2.0/internal/acquisition"
	"github.com/MickyRosa/VisTrain2.0/internal/audit"
	"github.com/MickyRosa/VisTrain2.0/internal/clock"
	"github.com/MickyRosa/VisTrain2.0/internal/config"
	"github.com/MickyRosa/VisTrain2.0/internal/connector"
	"github.com/MickyRosa/VisTrain2.0/internal/connector/rmx"
	"github.com/MickyRosa/VisTrain2.0/internal/loco"
	"github.com/MickyRosa/VisTrain2.0/internal/logging"
	"github.com/MickyRosa/VisTrain2.0/internal/measurement"
	"github.com/MickyRosa/VisTrain2.0/internal/observability"
	"github.com/MickyRosa/VisTrain2.0/internal/serialport"
	"github.com/MickyRosa/VisTrain2.0/internal/sim"
	"github.com/MickyRosa/VisTrain2.0/internal/telemetry"
)

// service holds the assembled components shared by serve and run.
type service struct {
	cfg      *config.Config
	log      logging.Logger
	registry *loco.Registry
	station  connector.Station
	stand    *sim.Stand
	source   acquisition.PulseSource
	sink     acquisition.Sink
	hub      *telemetry.Hub
	audit    *audit.Logger
	metrics  *observability.Collector
	orch     *measurement.Orchestrator

	shutdownTracing func(context.Context) error
	closers         []func() error
}

func newService(ctx context.Context, cfg *config.Config, log logging.Logger) (*service, error) {
	svc := &service{cfg: cfg, log: log}
	if err := svc.assemble(ctx); err != nil {
		svc.close(ctx)
		return nil, err
	}
	return svc, nil
}

func (s *service) assemble(ctx context.Context) error {
	cfg, log := s.cfg, s.log
	var err error

	// Step 1: tracing, so the orchestrator's spans reach the exporter.
	s.shutdownTracing, err = observability.InitTracing(ctx, cfg.Tracing, os.Stdout, log)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	// Step 2: locomotive registry.
	s.registry, err = loco.FromConfig(cfg.Locomotives)
	if err != nil {
		return err
	}
	log.Info(ctx, "locomotive registry loaded", logging.Int("count", s.registry.Count()))

	// Step 3: simulated stand, command station link and pulse source.
	if strings.EqualFold(cfg.Station.Transport, "sim") {
		s.stand = sim.New(sim.Config{}, clock.Real(), log)
		s.closers = append(s.closers, s.stand.Close)
	}
	s.station, err = newStation(cfg.Station, s.stand, log)
	if err != nil {
		return err
	}
	s.source, err = newPulseSource(cfg.Stand, s.stand, log)
	if err != nil {
		return err
	}

	// Step 4: sample sink.
	s.sink, err = s.newSink(ctx)
	if err != nil {
		return err
	}

	// Step 5: metrics, audit trail and telemetry hub.
	if cfg.Metrics.Enabled {
		s.metrics, err = observability.NewCollector(prometheus.NewRegistry())
		if err != nil {
			return fmt.Errorf("failed to register metrics: %w", err)
		}
	}
	s.audit, err = audit.NewLogger(cfg.Audit)
	if err != nil {
		return fmt.Errorf("failed to initialize audit logger: %w", err)
	}
	s.closers = append(s.closers, s.audit.Close)
	s.hub = telemetry.NewHub(&cfg.Timing, log)

	// Step 6: orchestrator.
	opts := []measurement.Option{
		measurement.WithLogger(log),
		measurement.WithAudit(s.audit),
		measurement.WithPublisher(s.hub),
	}
	if s.metrics != nil {
		opts = append(opts, measurement.WithMetrics(s.metrics))
	}
	s.orch = measurement.NewOrchestrator(s.registry, s.station, &cfg.Timing, opts...)
	s.hub.SetSnapshot(s.orch.Snapshot)
	return nil
}

func newStation(cfg config.StationConfig, stand *sim.Stand, log logging.Logger) (connector.Station, error) {
	switch strings.ToLower(cfg.Transport) {
	case "sim":
		return rmx.NewStation(stand.Dialer(), log), nil
	case "serial":
		return rmx.NewStation(rmx.SerialDialer(serialport.Config{
			Device:      cfg.Device,
			Baud:        cfg.Baud,
			ReadTimeout: cfg.ReadTimeout,
		}), log), nil
	case "tcp":
		return rmx.NewStation(rmx.TCPDialer(cfg.Address, cfg.DialTimeout), log), nil
	default:
		return nil, fmt.Errorf("unknown station transport %q", cfg.Transport)
	}
}

func newPulseSource(cfg config.StandConfig, stand *sim.Stand, log logging.Logger) (acquisition.PulseSource, error) {
	switch strings.ToLower(cfg.Source) {
	case "sim":
		if stand == nil {
			return nil, errors.New("the simulated pulse source requires the sim station transport")
		}
		return stand.Source(), nil
	case "serial":
		port, err := serialport.Open(serialport.Config{Device: cfg.Device, Baud: cfg.Baud})
		if err != nil {
			return nil, fmt.Errorf("failed to open pulse counter: %w", err)
		}
		return acquisition.NewReaderSource(port, clock.Real(), log), nil
	default:
		return nil, fmt.Errorf("unknown pulse source %q", cfg.Source)
	}
}

func (s *service) newSink(ctx context.Context) (acquisition.Sink, error) {
	switch strings.ToLower(s.cfg.Samples.Sink) {
	case "", "memory":
		return acquisition.NewMemorySink(), nil
	case "redis":
		sink := acquisition.NewRedisSink(s.cfg.Samples.RedisAddr,
			acquisition.WithStreamPrefix(s.cfg.Samples.StreamPrefix),
			acquisition.WithMaxLen(s.cfg.Samples.MaxLen))
		s.closers = append(s.closers, sink.Close)

		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := sink.Ping(pingCtx); err != nil {
			return nil, fmt.Errorf("failed to reach redis at %s: %w", s.cfg.Samples.RedisAddr, err)
		}
		return sink, nil
	default:
		return nil, fmt.Errorf("unknown sample sink %q", s.cfg.Samples.Sink)
	}
}

// sessions opens one recorder per run over the shared pulse source.
func (s *service) sessions(context.Context) (acquisition.Session, error) {
	opts := []acquisition.Option{
		acquisition.WithLogger(s.log),
		acquisition.WithWheel(s.cfg.Stand.WheelCircumference, s.cfg.Stand.Markers),
	}
	if s.metrics != nil {
		opts = append(opts, acquisition.WithObserver(s.metrics))
	}
	return acquisition.NewRecorder(s.source, s.sink, opts...), nil
}

// start turns the simulated wheel and opens the station link when
// configured to.
func (s *service) start(ctx context.Context) {
	if s.stand != nil {
		go s.stand.Run(ctx)
	}
	if s.cfg.Station.AutoConnect {
		if err := s.orch.Connect(ctx); err != nil {
			s.log.Warn(ctx, "auto-connect failed; connect through the API", logging.Err(err))
		}
	}
}

// close halts the layout if a run is still in progress and releases every
// resource.
func (s *service) close(ctx context.Context) {
	if s.orch != nil {
		if st, ok := s.orch.Current(); ok && !measurement.Terminal(st.State) {
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*s.cfg.Timing.StopTimeout)
			if err := s.orch.Stop(stopCtx); err != nil {
				s.log.Error(ctx, "run did not stop on shutdown; halting", logging.Err(err))
				_ = s.orch.EmergencyStop(ctx)
			}
			cancel()
		}
	}
	if s.station != nil && s.station.Status() == connector.Connected {
		if err := s.station.Disconnect(context.WithoutCancel(ctx)); err != nil {
			s.log.Warn(ctx, "station disconnect failed", logging.Err(err))
		}
	}
	if s.hub != nil {
		s.hub.Stop()
	}
	if s.source != nil && s.stand == nil {
		_ = s.source.Close()
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			s.log.Warn(ctx, "close failed", logging.Err(err))
		}
	}
	observability.ShutdownWithTimeout(ctx, s.shutdownTracing, s.log)
}
