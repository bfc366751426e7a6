package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "stagectl",
	Short: "Stagectl is a command line tool for interacting with the stagepool platform",
	Long: `stagectl is the command-line interface for the stagepool environment
provisioning platform.

Stagepool provisions disposable CMS staging environments (an app container
plus a database sidecar) from a pool of pre-warmed instances, so a clone
request is a reset away from ready instead of a cold boot away.

Common workflows:

  Provision an empty environment:
    stagectl clone --customer acme

  Clone an existing site into a fresh environment:
    stagectl clone --customer acme --source-url https://example.com --source-user admin --source-pass secret

  Restore content between environments:
    stagectl restore --customer acme --source-url https://example.com --source-user admin --source-pass secret --preserve-plugins

  Check job progress:
    stagectl status <job-id>

  List pool occupancy:
    stagectl envs

  Tear an environment down early:
    stagectl delete <environment-id>

Configuration:
  Set the API endpoint and credentials via environment variables or a config file:
    STAGEPOOL_URL      API endpoint (default: http://localhost:6161)
    STAGEPOOL_TOKEN    API key for authentication`,
}

func Execute() error {
	return rootCmd.Execute()
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		// Search config in home directory with name ".stagectl"
		viper.AddConfigPath(home)
		viper.SetConfigName(".stagectl")
		viper.SetConfigType("yaml")
	}

	// Read environment variables that match "STAGEPOOL_VARNAME"
	viper.SetEnvPrefix("STAGEPOOL")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Println("Using config file:", viper.ConfigFileUsed())
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.stagectl.yaml)")

	rootCmd.PersistentFlags().String("url", "http://localhost:6161", "Stagepool Controller URL")
	viper.BindPFlag("url", rootCmd.PersistentFlags().Lookup("url"))

	rootCmd.PersistentFlags().StringP("token", "t", "", "API key for authentication")
	viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
}
