package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"Aetherra-Core/sdk/go/aetherra"
)

const defaultURL = "http://localhost:8080"

type app struct {
	v       *viper.Viper
	cfgFile string
}

// NewRootCmd builds the aetherctl command tree with its own viper instance.
func NewRootCmd() *cobra.Command {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:   "aetherctl",
		Short: "aetherctl talks to an Aetherra daemon",
		Long: `aetherctl is the command-line client for the Aetherra job runtime.

Common workflows:

  Run a catalog script and wait for it:
    aetherctl run summarize --param depth=2 --wait

  Inspect and cancel jobs:
    aetherctl jobs --status pending,running
    aetherctl cancel <job-id>

  Browse plugin history and roll back:
    aetherctl snapshots summary-writer
    aetherctl diff summary-writer <from> <to>
    aetherctl rollback summary-writer <timestamp>

Configuration:
  Flags may also be set in $HOME/.aetherctl.yaml or through the environment:
    AETHERRA_URL      daemon base URL (default: http://localhost:8080)
    AETHERRA_TIMEOUT  HTTP timeout (default: 15s)
    AETHERRA_OUTPUT   text or json`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.initConfig()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "config file (default is $HOME/.aetherctl.yaml)")
	flags.String("url", defaultURL, "Aetherra daemon URL")
	flags.Duration("timeout", aetherra.DefaultHTTPTimeout, "HTTP request timeout")
	flags.StringP("output", "o", "text", "output format: text or json")
	for _, name := range []string{"url", "timeout", "output"} {
		_ = a.v.BindPFlag(name, flags.Lookup(name))
	}

	a.v.SetEnvPrefix("AETHERRA")
	a.v.AutomaticEnv()

	root.AddCommand(
		a.runCmd(),
		a.statusCmd(),
		a.cancelCmd(),
		a.jobsCmd(),
		a.scriptsCmd(),
		a.cleanupCmd(),
		a.statsCmd(),
		a.snapshotsCmd(),
		a.snapshotCmd(),
		a.diffCmd(),
		a.rollbackCmd(),
		a.exportCmd(),
	)
	return root
}

func (a *app) initConfig() error {
	if a.cfgFile != "" {
		a.v.SetConfigFile(a.cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil
		}
		a.v.AddConfigPath(home)
		a.v.SetConfigName(".aetherctl")
		a.v.SetConfigType("yaml")
	}
	if err := a.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) && a.cfgFile == "" {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func (a *app) client() (*aetherra.Client, error) {
	timeout := a.v.GetDuration("timeout")
	if timeout <= 0 {
		timeout = aetherra.DefaultHTTPTimeout
	}
	return aetherra.NewClient(strings.TrimSpace(a.v.GetString("url")), &http.Client{Timeout: timeout})
}

func (a *app) jsonOutput() bool {
	return strings.EqualFold(a.v.GetString("output"), "json")
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
