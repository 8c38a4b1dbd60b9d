package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/quailyquaily/planwarden/gate"
	"github.com/quailyquaily/planwarden/internal/pathutil"
	"github.com/quailyquaily/planwarden/plan"
	"github.com/quailyquaily/planwarden/policy"
)

// Exit codes. Operators and CI scripts branch on these, so they are part of
// the public contract.
const (
	exitOK               = 0
	exitError            = 1
	exitStructural       = 2
	exitRegressionCI     = 3
	exitRegressionStrict = 4
)

var (
	cfgFile     string
	autonomyArg string

	// currentMode is the parsed autonomy mode of the running command; it
	// selects the exit code for unacknowledged regressions.
	currentMode policy.AutonomyMode

	logger = slog.Default()
)

var rootCmd = &cobra.Command{
	Use:           "planwarden",
	Short:         "Policy and confidence governance for agent plans",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := initConfig(); err != nil {
			return err
		}
		logger = newLogger()
		mode, err := policy.ParseMode(autonomyArg)
		if err != nil {
			return err
		}
		currentMode = mode
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.planwarden/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&autonomyArg, "autonomy", "", "autonomy mode: read_only, approval_gated, full")

	rootCmd.AddCommand(policyCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(auditCmd)
}

func main() {
	os.Exit(run())
}

func run() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return exitCodeFor(err)
	}
	return exitOK
}

func exitCodeFor(err error) int {
	var structural *plan.StructuralError
	if errors.As(err, &structural) {
		return exitStructural
	}
	var unacked *gate.RegressionUnacknowledgedError
	if errors.As(err, &unacked) {
		if strings.TrimSpace(os.Getenv("CI")) != "" {
			return exitRegressionCI
		}
		if currentMode.Restrictive() {
			return exitRegressionStrict
		}
	}
	return exitError
}

func initConfig() error {
	if strings.TrimSpace(cfgFile) != "" {
		viper.SetConfigFile(pathutil.ExpandHomePath(cfgFile))
	} else {
		home, err := os.UserHomeDir()
		if err == nil && strings.TrimSpace(home) != "" {
			viper.AddConfigPath(home + "/.planwarden")
		}
		viper.AddConfigPath(".")
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}
	viper.SetEnvPrefix("planwarden")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if strings.EqualFold(viper.GetString("log.level"), "debug") {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
