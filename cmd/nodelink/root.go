package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/backkem/nodelink/pkg/config"
)

const (
	defaultConfigFile = "nodelink.toml"
	defaultEnvFile    = ".env"
)

type options struct {
	configFile string
	envFile    string
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "nodelink",
		Short:         "Encrypted, authenticated client for research nodes",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&opts.configFile, "config", defaultConfigFile, "TOML configuration file")
	root.PersistentFlags().StringVar(&opts.envFile, "env", defaultEnvFile, "dotenv file with NODELINK_* overrides")

	root.AddCommand(
		statusCmd(opts),
		handshakeCmd(opts),
		invokeCmd(opts),
		revokeCmd(opts),
		resetCmd(opts),
		discoverCmd(),
		keygenCmd(),
	)
	return root
}

// load reads the dotenv file, the config file and the NODELINK_*
// environment. Missing default files are not an error; a missing file
// named on the command line is.
func (o *options) load(cmd *cobra.Command) (*config.Config, error) {
	if o.envFile != "" {
		if err := godotenv.Load(o.envFile); err != nil {
			if cmd.Flags().Changed("env") || !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("loading %s: %w", o.envFile, err)
			}
		}
	}

	cfg := new(config.Config)
	b, err := os.ReadFile(o.configFile)
	switch {
	case err == nil:
		if cfg, err = config.Parse(b); err != nil {
			return nil, fmt.Errorf("%s: %w", o.configFile, err)
		}
	case errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("config"):
		// Environment-only configuration.
	default:
		return nil, err
	}

	cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
