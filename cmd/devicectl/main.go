// Command devicectl is the device client's entrypoint: a cobra CLI
// wrapping the runtime lifecycle the teacher's cmd/agent/main.go drove
// with bare flag parsing and signal.NotifyContext.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/evergreen-iot/device-client/internal/config"
	"github.com/evergreen-iot/device-client/internal/obslog"
	"github.com/evergreen-iot/device-client/internal/runtime"
	"github.com/evergreen-iot/device-client/internal/trust"
	"github.com/evergreen-iot/device-client/internal/util"
)

func trustCredentials(endpointID string) trust.EndpointCredentials {
	return trust.EndpointCredentials{EndpointID: endpointID}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "devicectl",
		Short: "Operate the IoT device client runtime",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config/device.json", "Path to runtime configuration")

	root.AddCommand(newRunCmd(&configPath))
	root.AddCommand(newProvisionCmd(&configPath))
	root.AddCommand(newPolicyCmd(&configPath))
	return root
}

func loadConfig(path string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newRunCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the device client until terminated",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			rt, err := runtime.New(cfg)
			if err != nil {
				return fmt.Errorf("init runtime: %w", err)
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			if cfg.Metrics.ListenAddr != "" {
				logger := obslog.New(cfg.Logging.Level, cfg.Logging.Format)
				srv := &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: rt.Metrics().Handler()}
				go func() {
					if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						logger.Warn("metrics listener exited", obslog.Err(err))
					}
				}()
				go func() {
					<-ctx.Done()
					srv.Close()
				}()
			}

			if err := rt.Run(ctx); err != nil {
				if err == context.Canceled {
					fmt.Fprintln(cmd.OutOrStdout(), "shutdown complete")
					return nil
				}
				return fmt.Errorf("runtime exited: %w", err)
			}
			return nil
		},
	}
}

func newProvisionCmd(configPath *string) *cobra.Command {
	var endpointID string
	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Generate a key pair and activate endpoint credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			rt, err := runtime.New(cfg)
			if err != nil {
				return fmt.Errorf("init runtime: %w", err)
			}
			if endpointID == "" {
				endpointID = util.HardwareID()
				fmt.Fprintln(cmd.OutOrStdout(), "no --endpoint-id given, using derived hardware id", endpointID)
			}
			if err := rt.Trust().Provision(trustCredentials(endpointID)); err != nil {
				return fmt.Errorf("provision: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "provisioned endpoint", endpointID)
			return nil
		},
	}
	cmd.Flags().StringVar(&endpointID, "endpoint-id", "", "Cloud endpoint id to activate")
	return cmd
}

func newPolicyCmd(configPath *string) *cobra.Command {
	policyCmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect assigned device policies",
	}
	var deviceID string
	show := &cobra.Command{
		Use:   "show",
		Short: "Show the policy currently assigned to a device",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			rt, err := runtime.New(cfg)
			if err != nil {
				return fmt.Errorf("init runtime: %w", err)
			}
			logger := obslog.New(cfg.Logging.Level, cfg.Logging.Format)
			policy, ok := rt.Policies().GetPolicy(deviceID)
			if !ok {
				logger.Info("no policy assigned", obslog.Str("device", deviceID))
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "policy %s version %s for device %s\n", policy.ID, policy.Version, deviceID)
			return nil
		},
	}
	show.Flags().StringVar(&deviceID, "device-id", "", "Device id to inspect")
	policyCmd.AddCommand(show)
	return policyCmd
}
