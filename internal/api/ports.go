package api

import (
	"context"
	"net/http"

	"github.com/MickyRosa/VisTrain2.0/internal/acquisition"
	"github.com/MickyRosa/VisTrain2.0/internal/connector"
	"github.com/MickyRosa/VisTrain2.0/internal/loco"
	"github.com/MickyRosa/VisTrain2.0/internal/measurement"
	"github.com/MickyRosa/VisTrain2.0/internal/telemetry"
)

// RunPort is the part of the orchestrator the API drives.
type RunPort interface {
	StartRun(ctx context.Context, req measurement.Request, session acquisition.Session) (measurement.Status, error)
	Stop(ctx context.Context) error
	EmergencyStop(ctx context.Context) error
	Current() (measurement.Status, bool)
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	ConnectionStatus() connector.Status
}

// TelemetryPort streams events to one client.
type TelemetryPort interface {
	Subscribe(ctx context.Context, w http.ResponseWriter, r *http.Request) error
}

// RegistryPort exposes the configured locomotives.
type RegistryPort interface {
	Lookup(name string) (loco.Locomotive, error)
	List() loco.List
}

// SessionFactory opens the acquisition session for a new run.
type SessionFactory func(ctx context.Context) (acquisition.Session, error)

var (
	_ RunPort       = (*measurement.Orchestrator)(nil)
	_ TelemetryPort = (*telemetry.Hub)(nil)
	_ RegistryPort  = (*loco.Registry)(nil)
)
