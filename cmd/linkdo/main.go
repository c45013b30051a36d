package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "linkdo",
	Short: "Task-graph backend with offline sync and tag-based edge inference",
	Long: `linkdo serves a workspace-scoped task graph: tasks are nodes,
weighted undirected edges connect related tasks.

Tasks sharing tags are linked automatically, offline clients merge their
changes through the sync endpoint with last-writer-wins conflict
resolution, and task embeddings power similarity ranking.`,
	SilenceUsage: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("config", "", "config file (default: ./linkdo.yaml)")
}

// initConfig loads configuration from file and environment.
// Every key is also reachable as LINKDO_<KEY> (dots become underscores).
func initConfig() {
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("linkdo")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.config/linkdo")
	}

	viper.SetEnvPrefix("LINKDO")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("addr", ":8080")
	viper.SetDefault("db_path", "linkdo.db")
	viper.SetDefault("log_file", "")
	viper.SetDefault("embedding.api_key", "")
	viper.SetDefault("embedding.base_url", "")
	viper.SetDefault("embedding.model", "")
	viper.SetDefault("anthropic.api_key", "")
	viper.SetDefault("anthropic.model", "")

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			fmt.Fprintf(os.Stderr, "Warning: failed to read config: %v\n", err)
		}
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
