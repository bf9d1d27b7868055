package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "askanna",
	Short: "askanna is a command line tool for interacting with the AskAnna platform",
	Long: `askanna is the command-line interface for the AskAnna run execution platform.

A project's code is pushed as a package. Its askanna.yml defines the jobs
of the project; every job can be started as a run, manually or on a schedule.
Runs are executed by workers in isolated containers.

Common workflows:

  Push the current directory as a new package:
    askanna push <project-suuid> .

  Start a run with a JSON payload:
    askanna run <job-suuid> --data '{"epochs": 3}'

  Check run status:
    askanna status <run-suuid>

  Stream the run log:
    askanna log <run-suuid> --follow

Configuration:
  Set the API endpoint and credentials via environment variables or a config file:
    ASKANNA_URL              API endpoint (default: http://localhost:6161)
    ASKANNA_TOKEN            API token for authentication
    ASKANNA_INTERNAL_SECRET  Secret of the task administration endpoints`,
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

		// Search config in home directory with name ".askanna"
		viper.AddConfigPath(home)
		viper.SetConfigName(".askanna")
		viper.SetConfigType("yaml")
	}

	// Read environment variables that match "ASKANNA_VARNAME"
	viper.SetEnvPrefix("ASKANNA")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Println("Using config file:", viper.ConfigFileUsed())
	}
}

// newClient builds a client from the resolved configuration.
func newClient() *Client {
	c := NewClient(viper.GetString("url"), viper.GetString("token"))
	c.InternalSecret = viper.GetString("internal_secret")
	return c
}

// requireToken reports a missing token on cmd. Public entities can be read
// anonymously, so only mutating commands call it.
func requireToken(cmd *cobra.Command) bool {
	if viper.GetString("token") == "" {
		cmd.Println("API token not found. Please set it using the --token flag or the ASKANNA_TOKEN environment variable")
		return false
	}
	return true
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.askanna.yaml)")

	rootCmd.PersistentFlags().String("url", "http://localhost:6161", "AskAnna API URL")
	viper.BindPFlag("url", rootCmd.PersistentFlags().Lookup("url"))

	rootCmd.PersistentFlags().StringP("token", "t", "", "API Token for authentication")
	viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))

	rootCmd.PersistentFlags().String("internal-secret", "", "Secret of the task administration endpoints")
	viper.BindPFlag("internal_secret", rootCmd.PersistentFlags().Lookup("internal-secret"))
}
