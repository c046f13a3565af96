package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/matheus3301/chatmirror/internal/daemon"
	"github.com/matheus3301/chatmirror/internal/instance"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var instanceFlag, envFile string
	cmd := &cobra.Command{
		Use:           "chatmirrord",
		Short:         "Mirror chat platform messages into a local index",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := loadEnvFile(envFile, cmd.Flags().Changed("env-file")); err != nil {
				return err
			}
			name := instance.Resolve(instanceFlag)
			if err := instance.ValidateName(name); err != nil {
				return err
			}
			fx.New(daemon.Module(daemon.Params{InstanceName: name})).Run()
			return nil
		},
	}
	cmd.Flags().StringVar(&instanceFlag, "instance", "", "instance name (overrides config default)")
	cmd.Flags().StringVar(&envFile, "env-file", ".env", "file of CHATMIRROR_* variables to load")
	return cmd
}

// loadEnvFile loads path into the environment. A missing default file is fine;
// a missing file the user asked for is not.
func loadEnvFile(path string, explicit bool) error {
	err := godotenv.Load(path)
	if err == nil || (!explicit && errors.Is(err, fs.ErrNotExist)) {
		return nil
	}
	return fmt.Errorf("load %s: %w", path, err)
}
