// Command ionode-serve runs the node I/O core as a standalone server
// backed by internal/demobackend, for manual testing and as the runnable
// reference for SPEC_FULL.md. Config flow follows dKV's cmd/serve/root.go
// idiom: cobra flags bound through viper, with .env/.env.local loaded via
// godotenv before flags are parsed.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/elliptics-go/ionode/internal/demobackend"
	"github.com/elliptics-go/ionode/node"
	"github.com/joho/godotenv"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var log = logger.GetLogger("ionode-serve")

var rootCmd = &cobra.Command{
	Use:   "ionode-serve",
	Short: "Run the node I/O core",
	Long: `ionode-serve runs the Elliptics-style node I/O core (reactor,
work pools, transaction registry, admission control) against an
in-memory demo backend. Configuration can be set via flags or IONODE_
environment variables (e.g. IONODE_ENDPOINT=0.0.0.0:1025).`,
	RunE: run,
}

func init() {
	cobra.OnInitialize(initConfig)

	def := node.DefaultConfig()
	rootCmd.PersistentFlags().String("endpoint", def.Endpoint, "listen address")
	rootCmd.PersistentFlags().Int("net-threads", def.NetThreadNum, "number of epoll reactor threads")
	rootCmd.PersistentFlags().Int("io-threads", def.IOThreadNum, "blocking work-pool workers per backend")
	rootCmd.PersistentFlags().Int("nonblocking-io-threads", def.NonblockingIOThreadNum, "non-blocking work-pool workers per backend")
	rootCmd.PersistentFlags().Int("wait-timeout", def.WaitTimeout, "transaction deadline in seconds")
	rootCmd.PersistentFlags().Int("queue-limit", def.QueueLimit, "per-pool queue bound (0 = unbounded)")
	rootCmd.PersistentFlags().Int("admission-factor", def.AdmissionFactor, "admission watermark multiplier")
	rootCmd.PersistentFlags().String("log-level", def.LogLevel, "log level (DEBUG, INFO, WARN, ERROR)")
}

func initConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("ionode")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	_ = viper.BindPFlags(rootCmd.PersistentFlags())
}

func run(cmd *cobra.Command, _ []string) error {
	cfg := node.DefaultConfig()
	cfg.Endpoint = viper.GetString("endpoint")
	cfg.NetThreadNum = viper.GetInt("net-threads")
	cfg.IOThreadNum = viper.GetInt("io-threads")
	cfg.NonblockingIOThreadNum = viper.GetInt("nonblocking-io-threads")
	cfg.WaitTimeout = viper.GetInt("wait-timeout")
	cfg.QueueLimit = viper.GetInt("queue-limit")
	cfg.AdmissionFactor = viper.GetInt("admission-factor")
	cfg.LogLevel = viper.GetString("log-level")

	log.Infof("ionode-serve starting%s", cfg.String())

	n, err := node.New(cfg, nil)
	if err != nil {
		return fmt.Errorf("creating node: %w", err)
	}
	n.RegisterGlobalBackend(demobackend.New("."))

	return n.Accept()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
