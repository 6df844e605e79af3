package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	cobra.OnInitialize(initConfig)
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "controlplane",
		Short: "Orchestration control plane",
		Long: `controlplane supervises internal services, plans projects into task graphs
and assigns ready tasks to the best available agent.

Run "controlplane serve" to start the engine and its HTTP API; the other
commands are clients of a running server.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	addPersistentFlags(root)
	root.AddCommand(
		serveCmd(),
		statusCmd(),
		alertsCmd(),
		projectCmd(),
		serviceCmd(),
		configCmd(),
	)
	return root
}

func initConfig() {
	viper.SetEnvPrefix("CONTROLPLANE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags(root *cobra.Command) {
	flags := root.PersistentFlags()
	flags.String("addr", "http://127.0.0.1:8080", "control plane API address")
	flags.String("token", "", "bearer token for mutating requests")
	flags.Bool("json", false, "output JSON")
	flags.String("config", ".controlplane/config.yaml", "project config file")
	for _, name := range []string{"addr", "token", "json", "config"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}
