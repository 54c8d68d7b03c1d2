package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/MickyRosa/VisTrain2.0/internal/connector"
	"github.com/MickyRosa/VisTrain2.0/internal/logging"
	"github.com/MickyRosa/VisTrain2.0/internal/measurement"
	"github.com/MickyRosa/VisTrain2.0/internal/motion"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Perform one measurement run",
	Long: `Runs one speed profile on the locomotive and prints the result as JSON.
The first interrupt stops the run and brings the locomotive to rest; a second
interrupt sends the emergency stop.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		req, err := runRequestFromFlags(cmd)
		if err != nil {
			return err
		}
		cfg, log, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		ctx := context.Background()
		svc, err := newService(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer svc.close(ctx)

		svc.start(ctx)
		if svc.orch.ConnectionStatus() != connector.Connected {
			if err := svc.orch.Connect(ctx); err != nil {
				return fmt.Errorf("failed to connect to the command station: %w", err)
			}
		}

		session, err := svc.sessions(ctx)
		if err != nil {
			return err
		}
		if _, err := svc.orch.StartRun(ctx, req, session); err != nil {
			_ = session.Finalize(ctx)
			return err
		}

		signals := make(chan os.Signal, 2)
		signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(signals)
		go interruptRun(ctx, svc, signals, log)

		res, err := svc.orch.Wait(ctx)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}

		switch res.State {
		case measurement.StateCompleted, measurement.StateCancelled:
			return nil
		case measurement.StateFaulted:
			return fmt.Errorf("run %s faulted: %w", res.RunID, res.Fault)
		case measurement.StateFailed:
			return fmt.Errorf("run %s failed: %w", res.RunID, res.Err)
		default:
			return fmt.Errorf("run %s ended %s", res.RunID, res.State)
		}
	},
}

// interruptRun stops the run on the first signal and halts the layout on
// the second.
func interruptRun(ctx context.Context, svc *service, signals <-chan os.Signal, log logging.Logger) {
	if _, ok := <-signals; !ok {
		return
	}
	log.Info(ctx, "stopping run; interrupt again for emergency stop")
	stopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		if _, ok := <-signals; ok {
			_ = svc.orch.EmergencyStop(ctx)
			cancel()
		}
	}()
	if err := svc.orch.Stop(stopCtx); err != nil {
		log.Warn(ctx, "stop did not complete", logging.Err(err))
	}
}

func runRequestFromFlags(cmd *cobra.Command) (measurement.Request, error) {
	flags := cmd.Flags()
	name, _ := flags.GetString("loco")
	start, _ := flags.GetInt("start")
	end, _ := flags.GetInt("end")
	policyName, _ := flags.GetString("policy")
	total, _ := flags.GetDuration("duration")
	perNotch, _ := flags.GetDuration("per-notch")
	hold, _ := flags.GetDuration("hold")

	policy, err := motion.ParsePolicy(policyName)
	if err != nil {
		return measurement.Request{}, err
	}
	return measurement.Request{
		Locomotive: name,
		Profile: motion.Profile{
			StartNotch:       start,
			EndNotch:         end,
			TotalDuration:    total,
			Policy:           policy,
			DurationPerNotch: perNotch,
		},
		Hold: hold,
	}, nil
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().String("loco", "", "Locomotive name from the registry")
	runCmd.Flags().Int("start", 0, "Start notch; 0 begins with the reference pulse")
	runCmd.Flags().Int("end", 0, "End notch, negative for reverse")
	runCmd.Flags().String("policy", "abrupt", "Notch policy: abrupt or uniform")
	runCmd.Flags().Duration("duration", 0, "Total profile duration")
	runCmd.Flags().Duration("per-notch", 0, "Duration per notch when --duration is not set")
	runCmd.Flags().Duration("hold", 0, "Hold the end notch this long, 0 holds until interrupted")
	_ = runCmd.MarkFlagRequired("loco")
}
