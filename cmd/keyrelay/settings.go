package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/amoylab/keyrelay/internal/common/cnst"
	"github.com/spf13/cobra"
)

var (
	enableCmd = &cobra.Command{
		Use:   "enable",
		Short: "Enable interception",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app, out io.Writer) error {
				return a.settings.SetEnabled(ctx, true)
			})
		},
	}

	disableCmd = &cobra.Command{
		Use:   "disable",
		Short: "Disable interception, challenges pass through untouched",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app, out io.Writer) error {
				return a.settings.SetEnabled(ctx, false)
			})
		},
	}

	modeCmd = &cobra.Command{
		Use:       "mode <PRD|REMOTE>",
		Short:     "Select the device type answering challenges",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{cnst.DeviceTypePRD.String(), cnst.DeviceTypeRemote.String()},
		RunE: func(cmd *cobra.Command, args []string) error {
			dt := cnst.DeviceType(strings.ToUpper(args[0]))
			if dt != cnst.DeviceTypePRD && dt != cnst.DeviceTypeRemote {
				return fmt.Errorf("%w: %s", cnst.ErrUnsupportedDevice, args[0])
			}
			return withApp(cmd, func(ctx context.Context, a *app, out io.Writer) error {
				return a.settings.SetDeviceType(ctx, dt)
			})
		},
	}

	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show interception state and selections",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, printStatus)
		},
	}

	deviceCmd = &cobra.Command{
		Use:   "device",
		Short: "Manage local PRD devices",
	}

	deviceImportCmd = &cobra.Command{
		Use:   "import <file> [name]",
		Short: "Import a device file and select it",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			blob, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			name := strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
			if len(args) == 2 {
				name = args[1]
			}
			return withApp(cmd, func(ctx context.Context, a *app, out io.Writer) error {
				if err := a.settings.ImportDevice(ctx, name, blob); err != nil {
					return err
				}
				fmt.Fprintf(out, "device %s selected\n", name)
				return nil
			})
		},
	}

	deviceListCmd = &cobra.Command{
		Use:   "list",
		Short: "List imported devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app, out io.Writer) error {
				names, err := a.settings.Devices(ctx)
				if err != nil {
					return err
				}
				selected, err := a.settings.SelectedDevice(ctx)
				if err != nil {
					return err
				}
				printNames(out, names, selected)
				return nil
			})
		},
	}

	deviceSelectCmd = &cobra.Command{
		Use:   "select <name>",
		Short: "Select an imported device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app, out io.Writer) error {
				if _, err := a.settings.Device(ctx, args[0]); err != nil {
					return err
				}
				return a.settings.SelectDevice(ctx, args[0])
			})
		},
	}

	deviceRemoveCmd = &cobra.Command{
		Use:   "remove",
		Short: "Remove the selected device",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app, out io.Writer) error {
				return a.settings.RemoveSelectedDevice(ctx)
			})
		},
	}

	remoteCmd = &cobra.Command{
		Use:   "remote",
		Short: "Manage remote CDM profiles",
	}

	remoteImportCmd = &cobra.Command{
		Use:   "import <file>",
		Short: "Import a remote CDM profile and select it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app, out io.Writer) error {
				name, err := a.settings.ImportRemoteCDM(ctx, data)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "remote cdm %s selected\n", name)
				return nil
			})
		},
	}

	remoteListCmd = &cobra.Command{
		Use:   "list",
		Short: "List imported remote CDM profiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app, out io.Writer) error {
				names, err := a.settings.RemoteCDMs(ctx)
				if err != nil {
					return err
				}
				selected, err := a.settings.SelectedRemoteCDM(ctx)
				if err != nil {
					return err
				}
				printNames(out, names, selected)
				return nil
			})
		},
	}

	remoteSelectCmd = &cobra.Command{
		Use:   "select <name>",
		Short: "Select an imported remote CDM profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app, out io.Writer) error {
				if _, err := a.settings.RemoteCDM(ctx, args[0]); err != nil {
					return err
				}
				return a.settings.SelectRemoteCDM(ctx, args[0])
			})
		},
	}

	remoteRemoveCmd = &cobra.Command{
		Use:   "remove",
		Short: "Remove the selected remote CDM profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app, out io.Writer) error {
				return a.settings.RemoveSelectedRemoteCDM(ctx)
			})
		},
	}
)

func init() {
	rootCmd.AddCommand(statusCmd)
	deviceCmd.AddCommand(deviceImportCmd, deviceListCmd, deviceSelectCmd, deviceRemoveCmd)
	remoteCmd.AddCommand(remoteImportCmd, remoteListCmd, remoteSelectCmd, remoteRemoveCmd)
}

// withApp runs fn against the opened store and closes it afterwards
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app, out io.Writer) error) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a, cmd.OutOrStdout())
}

func printNames(out io.Writer, names []string, selected string) {
	for _, n := range names {
		mark := " "
		if n == selected {
			mark = "*"
		}
		fmt.Fprintf(out, "%s %s\n", mark, n)
	}
}

func printStatus(ctx context.Context, a *app, out io.Writer) error {
	enabled, err := a.settings.Enabled(ctx)
	if err != nil {
		return err
	}
	dt, err := a.settings.DeviceType(ctx)
	if err != nil {
		return err
	}
	device, err := a.settings.SelectedDevice(ctx)
	if err != nil {
		return err
	}
	remote, err := a.settings.SelectedRemoteCDM(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "enabled: %t\ndevice_type: %s\nselected: %s\nselected_remote_cdm: %s\n", enabled, dt, device, remote)
	return nil
}
