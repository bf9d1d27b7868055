package cmd

import (
	"os"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func TestRootCommand_DefaultURL(t *testing.T) {
	resetViper()

	cmd := &cobra.Command{}
	cmd.PersistentFlags().String("url", "http://localhost:6161", "AskAnna API URL")
	viper.BindPFlag("url", cmd.PersistentFlags().Lookup("url"))

	url := viper.GetString("url")
	if url != "http://localhost:6161" {
		t.Errorf("expected default url http://localhost:6161, got: %s", url)
	}
}

func TestRootCommand_EnvVarBinding(t *testing.T) {
	resetViper()

	t.Setenv("ASKANNA_TOKEN", "env-token-value")
	t.Setenv("ASKANNA_URL", "http://custom-url:8080")
	t.Setenv("ASKANNA_INTERNAL_SECRET", "env-secret")

	c := newClient()
	if c.Token != "env-token-value" {
		t.Errorf("expected token from env var, got: %s", c.Token)
	}
	if c.BaseURL != "http://custom-url:8080" {
		t.Errorf("expected url from env var, got: %s", c.BaseURL)
	}
	if c.InternalSecret != "env-secret" {
		t.Errorf("expected internal secret from env var, got: %s", c.InternalSecret)
	}
}

func TestRootCommand_ExecuteReturnsNoError(t *testing.T) {
	resetViper()

	rootCmd.SetArgs([]string{"--help"})

	err := rootCmd.Execute()
	if err != nil {
		t.Errorf("root command should execute without error: %v", err)
	}
}

func TestRootCommand_Subcommands(t *testing.T) {
	want := map[string]bool{
		"run": false, "status": false, "log": false, "abort": false,
		"push": false, "download": false, "variable": false, "dlq": false,
	}
	for _, cmd := range rootCmd.Commands() {
		if _, ok := want[cmd.Name()]; ok {
			want[cmd.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("expected %q subcommand to be registered with root command", name)
		}
	}
}

func TestExecute_ReturnsError(t *testing.T) {
	resetViper()

	rootCmd.SetArgs([]string{"unknown-command-xyz"})

	err := Execute()
	if err == nil {
		t.Error("expected error for unknown command")
	}
}

func TestRootCommand_CustomConfigFile(t *testing.T) {
	resetViper()

	tmpFile, err := os.CreateTemp("", "askanna-test-*.yaml")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	defer os.Remove(tmpFile.Name())

	tmpFile.WriteString("url: http://custom-from-config:9999\ntoken: config-token\n")
	tmpFile.Close()

	cfgFile = tmpFile.Name()
	initConfig()

	url := viper.GetString("url")
	if url != "http://custom-from-config:9999" {
		t.Errorf("expected url from config file, got: %s", url)
	}

	token := viper.GetString("token")
	if token != "config-token" {
		t.Errorf("expected token from config file, got: %s", token)
	}

	// Reset for other tests
	cfgFile = ""
}
