package main

import (
	"fmt"
	"os"

	"github.com/amoylab/keyrelay/internal/common/config"
	"github.com/amoylab/keyrelay/pkg/version"
	"github.com/spf13/cobra"
)

var (
	configPath string

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of keyrelay",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("keyrelay version %s\n", version.Get())
		},
	}

	testCmd = &cobra.Command{
		Use:   "test",
		Short: "Test the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, path, err := config.LoadConfig(configPath)
			if err != nil {
				return fmt.Errorf("configuration test failed for %s: %w", path, err)
			}
			fmt.Printf("configuration file %s test is successful\n", path)
			return nil
		},
	}

	rootCmd = &cobra.Command{
		Use:           "keyrelay",
		Short:         "License exchange relay",
		Long:          `keyrelay intercepts license challenges on a page, answers them through a configured CDM and logs the content keys it recovers.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "conf", "c", "keyrelay.yaml", "path to configuration file")
	rootCmd.AddCommand(versionCmd, testCmd)
	rootCmd.AddCommand(serveCmd, watchCmd, tokenCmd, logsCmd)
	rootCmd.AddCommand(enableCmd, disableCmd, modeCmd, deviceCmd, remoteCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
