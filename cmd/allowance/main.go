// cmd/allowance/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/allowance-bot/internal/bot"
	"github.com/rovshanmuradov/allowance-bot/internal/config"
	"github.com/rovshanmuradov/allowance-bot/internal/export"
	"github.com/rovshanmuradov/allowance-bot/internal/oracle"
	"github.com/rovshanmuradov/allowance-bot/internal/settlement"
	logutil "github.com/rovshanmuradov/allowance-bot/internal/utils/logger"
	"github.com/rovshanmuradov/allowance-bot/internal/wallet"
)

// offline marks commands that need neither config nor network.
const offline = "offline"

var (
	configPath string
	debug      bool
	tasksPath  string
	reportDir  string
	format     string

	cfg    *config.Config
	logger *logutil.Logger
	runner *bot.Runner
)

var rootCmd = &cobra.Command{
	Use:   "allowance",
	Short: "Sell a USD-denominated slice of a token portfolio through NEAR intents",
	Long: `allowance plans which tokens to sell to raise a USD target, quotes every
leg on the solver relay, signs one settlement bundle and publishes it.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Annotations[offline] == "true" {
			return nil
		}
		var err error
		if cfg, err = config.LoadConfig(configPath); err != nil {
			return err
		}
		if debug {
			cfg.DebugLogging = true
		}

		logCfg := logutil.DefaultConfig()
		logCfg.LogFile = cfg.LogFile
		logCfg.Development = cfg.DebugLogging
		if logger, err = logutil.New(logCfg); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		if runner, err = bot.NewRunner(cfg, logger.Logger); err != nil {
			return err
		}
		if cfg.MetricsAddr != "" {
			if _, err := runner.StartMetrics(cfg.MetricsAddr); err != nil {
				return err
			}
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		shutdown()
	},
}

func shutdown() {
	if runner != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := runner.Close(ctx); err != nil {
			logger.Warn("Shutdown incomplete", zap.Error(err))
		}
		runner = nil
	}
	if logger != nil {
		_ = logger.Sync()
		_ = logger.Close()
		logger = nil
	}
}

func modeCmd(mode settlement.Mode, short string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   string(mode),
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMode(cmd, mode)
		},
	}
	cmd.Flags().StringVarP(&tasksPath, "tasks", "t", "tasks.yaml", "Tasks file (YAML)")
	cmd.Flags().StringVar(&reportDir, "report-dir", "", "Also write a timestamped report into this directory")
	cmd.Flags().StringVarP(&format, "format", "f", string(export.FormatJSON), "Report format: json or csv")
	return cmd
}

func runMode(cmd *cobra.Command, mode settlement.Mode) error {
	f, err := export.ParseFormat(format)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	reqs, err := runner.LoadRequests(ctx, tasksPath)
	if err != nil {
		return err
	}
	outcomes, err := runner.Run(ctx, mode, reqs)
	if err != nil {
		return err
	}

	exporter := export.NewExporter(logger.WithOperation("export"))
	if reportDir != "" {
		if _, err := exporter.ExportFile(reportDir, f, mode, outcomes); err != nil {
			return err
		}
	}
	if err := exporter.Write(cmd.OutOrStdout(), f, mode, outcomes); err != nil {
		return err
	}

	if n := failed(outcomes); n > 0 {
		return fmt.Errorf("%d of %d requests failed", n, len(outcomes))
	}
	return nil
}

func failed(outcomes []settlement.Outcome) int {
	n := 0
	for _, o := range outcomes {
		if o.Err != nil {
			n++
		}
	}
	return n
}

var pricesCmd = &cobra.Command{
	Use:   "prices SYMBOL...",
	Short: "Show USD prices from Coinbase with CoinGecko fallback",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		prices := runner.Prices().Prices(cmd.Context(), args)
		for _, s := range oracle.SortedSymbols(prices) {
			fmt.Fprintf(cmd.OutOrStdout(), "%-6s %.6f\n", s, prices[s])
		}
		if len(prices) < len(args) {
			return fmt.Errorf("%d of %d prices unavailable", len(args)-len(prices), len(args))
		}
		return nil
	},
}

var balanceCmd = &cobra.Command{
	Use:   "balance [ACCOUNT]",
	Short: "Show the native NEAR balance of an account (default: configured account)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		account := cfg.AccountID
		if len(args) == 1 {
			account = args[0]
		}
		if account == "" {
			return wallet.ErrMissingAccount
		}
		near, err := runner.Balances().NearBalance(cmd.Context(), account)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %.6f NEAR\n", account, near)
		return nil
	},
}

var keygenCmd = &cobra.Command{
	Use:         "keygen ACCOUNT",
	Short:       "Generate an ed25519 key pair for an intents account",
	Args:        cobra.ExactArgs(1),
	Annotations: map[string]string{offline: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		sc, err := wallet.Generate(args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "account_id:  %s\n", sc.AccountID)
		fmt.Fprintf(out, "public_key:  %s\n", sc.PublicKeyString())
		fmt.Fprintf(out, "private_key: %s\n", sc.PrivateKeyString())
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (JSON or YAML); ALLOWANCE_* env vars override")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "v", false, "Enable debug logging")

	rootCmd.AddCommand(modeCmd(settlement.ModePlan, "Draft sell plans without quoting (dry run)"))
	rootCmd.AddCommand(modeCmd(settlement.ModeQuote, "Draft and quote sell plans without signing (dry run)"))
	rootCmd.AddCommand(modeCmd(settlement.ModeSettle, "Draft, quote, sign and publish settlements"))
	rootCmd.AddCommand(pricesCmd)
	rootCmd.AddCommand(balanceCmd)
	rootCmd.AddCommand(keygenCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	// PersistentPostRun is skipped when RunE fails.
	shutdown()
	if err != nil {
		os.Exit(1)
	}
}
