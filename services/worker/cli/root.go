package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ramiqadoumi/go-task-protocol/internal/cliutil"
)

const serviceName = "worker"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:          serviceName,
	Short:        "Task protocol worker: executes task messages consumed from Kafka",
	SilenceUsage: true,
}

// Execute is the entry point called from cmd/worker/main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path (default: ./worker.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level: debug | info | warn | error")
	cliutil.BindFlag("log_level", rootCmd.PersistentFlags(), "log-level")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(cliutil.NewInitCmd(serviceName, defaultWorkerYAML, &cfgFile))
	rootCmd.AddCommand(cliutil.NewVersionCmd(serviceName))
}

func initConfig() {
	if err := cliutil.InitConfig(serviceName, cfgFile); err != nil {
		fmt.Fprintln(os.Stderr, "error reading config file:", err)
		os.Exit(1)
	}
}
