package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/terraconstructs/relogin/cmd/reloginctl/cmd/auth"
	"github.com/terraconstructs/relogin/cmd/reloginctl/cmd/call"
	"github.com/terraconstructs/relogin/cmd/reloginctl/cmd/send"
	"github.com/terraconstructs/relogin/cmd/reloginctl/internal/client"
	"github.com/terraconstructs/relogin/cmd/reloginctl/internal/config"
	"github.com/terraconstructs/relogin/cmd/reloginctl/internal/loginflow"
	"github.com/terraconstructs/relogin/cmd/reloginctl/internal/telemetry"
	"github.com/terraconstructs/relogin/pkg/login"
	"github.com/terraconstructs/relogin/pkg/relogin"
)

var (
	configFile string

	shutdownTelemetry func(context.Context) error
)

var rootCmd = &cobra.Command{
	Use:   "reloginctl",
	Short: "relogin CLI - RPC client with transparent re-authentication",
	Long: `reloginctl calls RPC endpoints through the relogin interceptor. When the
server answers with a login challenge the call is suspended, a login runs, and
the original request is sent again without the caller noticing.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.ReadConfigFile(configFile); err != nil {
			return err
		}
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		logger, err := telemetry.NewLogger(cfg.Log)
		if err != nil {
			return fmt.Errorf("failed to build logger: %w", err)
		}
		zap.ReplaceGlobals(logger)

		shutdownTelemetry, err = telemetry.Init(cmd.Context(), cfg.Telemetry, logger)
		if err != nil {
			return err
		}
		metrics, err := telemetry.NewClientMetrics()
		if err != nil {
			return fmt.Errorf("failed to create metrics: %w", err)
		}

		provider := client.NewProvider(client.Options{
			ServerURL:      cfg.ServerURL,
			CredentialsDir: cfg.CredentialsDir,
			Issuer:         cfg.OIDC.Issuer,
			ClientID:       cfg.OIDC.ClientID,
			Policy:         cfg.Login.Policy,
			MaxCycles:      cfg.Login.MaxCycles,
			LoginTimeout:   cfg.Login.Timeout,
			RequestTimeout: cfg.RequestTimeout,
			Logger:         logger,
			Metrics:        metrics,
			Login: func(store login.CredentialStore) relogin.LoginFunc {
				return loginflow.New(loginflow.Options{
					Store:          store,
					Issuer:         cfg.OIDC.Issuer,
					ClientID:       cfg.OIDC.ClientID,
					NonInteractive: cfg.NonInteractive,
					Logger:         logger,
				}).Login
			},
		})

		cmd.SetContext(config.InjectConfig(cmd.Context(), &config.GlobalConfig{
			Config:         cfg,
			Logger:         logger,
			ClientProvider: provider,
		}))
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		cfg, ok := config.FromContext(cmd.Context())
		if !ok {
			return nil
		}
		cfg.ClientProvider.Close()
		_ = cfg.Logger.Sync()
		if shutdownTelemetry != nil {
			return shutdownTelemetry(context.WithoutCancel(cmd.Context()))
		}
		return nil
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "Config file (default ./relogin.yaml or ~/.relogin/relogin.yaml)")
	flags.String("server", "", "RPC server URL (env: RELOGIN_SERVER_URL)")
	flags.Bool("non-interactive", false, "Disable interactive prompts; challenged calls fail (env: RELOGIN_NON_INTERACTIVE)")
	flags.String("log-level", "", "Log level: debug, info, warn, error (env: RELOGIN_LOG_LEVEL)")
	flags.String("login-policy", "", "Login policy: coalesce or independent (env: RELOGIN_LOGIN_POLICY)")

	_ = viper.BindPFlag("server_url", flags.Lookup("server"))
	_ = viper.BindPFlag("non_interactive", flags.Lookup("non-interactive"))
	_ = viper.BindPFlag("log.level", flags.Lookup("log-level"))
	_ = viper.BindPFlag("login.policy", flags.Lookup("login-policy"))

	rootCmd.AddCommand(auth.AuthCmd)
	rootCmd.AddCommand(call.CallCmd)
	rootCmd.AddCommand(send.SendCmd)
}
