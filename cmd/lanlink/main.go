// Package main is the entry point for the lanlink CLI.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/flemzord/lanlink/internal/config"
	"github.com/flemzord/lanlink/internal/core"
	"github.com/flemzord/lanlink/pkg/app"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "lanlink",
		Short:         "A local-network device communication engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("api", defaultAPIBase,
		"Base URL of a running lanlink gateway")
	root.PersistentFlags().String("token", "",
		"Bearer token for gateway mutations (defaults to $LANLINK_API_TOKEN)")

	root.AddCommand(
		versionCmd(),
		startCmd(),
		configCmd(),
		devicesCmd(),
		peersCmd(),
		pairCmd(),
		unpairCmd(),
	)
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and compiled modules",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("lanlink %s (commit: %s, built: %s)\n", version, commit, date)
			mods := core.GetModules()
			if len(mods) == 0 {
				fmt.Println("\nNo compiled modules.")
				return
			}
			fmt.Println("\nCompiled modules:")
			for _, mod := range mods {
				fmt.Printf("  %s\n", mod.ID)
			}
		},
	}
}

func startCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the engine with all configured modules",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			dataDir, _ := cmd.Flags().GetString("data-dir")
			verbose, _ := cmd.Flags().GetBool("verbose")

			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}

			return app.Run(app.RunParams{
				ConfigPath: cfgPath,
				Version:    version,
				Commit:     commit,
				Date:       date,
				DataDir:    dataDir,
				LogLevel:   level,
			})
		},
	}
	cmd.Flags().StringP("config", "c", "", "Path to configuration file")
	cmd.Flags().String("data-dir", "", "Override the persistent data directory")
	cmd.Flags().BoolP("verbose", "v", false, "Enable debug logging")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check <path>",
		Short: "Validate configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			cfg, err := config.Load(args[0])
			if err != nil {
				return err
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}

			ids := config.Resolve(cfg)
			fmt.Printf("Configuration OK (%d modules)\n", len(ids))
			for _, id := range ids {
				fmt.Printf("  %s\n", id)
			}
			return nil
		},
	})
	return cmd
}

func devicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List paired devices",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client := clientFromFlags(cmd)

			var devices []deviceView
			if err := client.get("/api/devices", &devices); err != nil {
				return err
			}
			if len(devices) == 0 {
				fmt.Println("No paired devices.")
				return nil
			}

			for _, d := range devices {
				state := "offline"
				if d.Connected {
					state = "connected"
				} else if d.Visible {
					state = "visible"
				}
				fmt.Printf("%s  %s (%s)  %s\n", d.DeviceID, d.DeviceName, d.DeviceType, state)
			}
			return nil
		},
	}
}

func peersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "peers",
		Short: "List devices currently visible on the network",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client := clientFromFlags(cmd)

			var peers []peerView
			if err := client.get("/api/peers", &peers); err != nil {
				return err
			}
			if len(peers) == 0 {
				fmt.Println("No peers visible.")
				return nil
			}

			for _, p := range peers {
				flags := ""
				if p.Paired {
					flags += " [paired]"
				}
				if p.Connected {
					flags += " [connected]"
				}
				fmt.Printf("%s  %s (%s)  %s:%d%s\n",
					p.DeviceID, p.DeviceName, p.DeviceType, p.Host, p.TCPPort, flags)
			}
			return nil
		},
	}
}

func pairCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pair [device-id]",
		Short: "Request pairing with a device, or decide pending requests",
		Long: "With a device id, sends an outgoing pairing request.\n" +
			"Without arguments, walks through pending incoming requests and\n" +
			"asks for a decision on each, showing the peer's key fingerprint.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFromFlags(cmd)

			if len(args) == 1 {
				if err := client.post("/api/devices/"+args[0]+"/pair", nil, nil); err != nil {
					return err
				}
				fmt.Printf("Pairing requested with %s. Waiting for the peer to accept.\n", args[0])
				return nil
			}

			var pending []attemptView
			if err := client.get("/api/pairings", &pending); err != nil {
				return err
			}

			var decided int
			for _, a := range pending {
				if a.Direction != "incoming" {
					continue
				}

				var accept bool
				prompt := huh.NewConfirm().
					Title(fmt.Sprintf("Pair with %q (%s)?", a.DeviceName, a.DeviceID)).
					Description("Key fingerprint:\n" + a.Fingerprint + "\n\n" +
						"Verify this matches the fingerprint shown on the other device.").
					Affirmative("Accept").
					Negative("Reject").
					Value(&accept)
				if err := prompt.Run(); err != nil {
					return err
				}

				body := map[string]any{"accept": accept}
				if err := client.post("/api/pairings/"+a.DeviceID, body, nil); err != nil {
					return err
				}
				if accept {
					fmt.Printf("Paired with %s.\n", a.DeviceName)
				} else {
					fmt.Printf("Rejected %s.\n", a.DeviceName)
				}
				decided++
			}

			if decided == 0 {
				fmt.Println("No pending pairing requests.")
			}
			return nil
		},
	}
}

func unpairCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unpair <device-id>",
		Short: "Revoke trust for a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFromFlags(cmd)
			if err := client.delete("/api/devices/" + args[0]); err != nil {
				return err
			}
			fmt.Printf("Unpaired %s.\n", args[0])
			return nil
		},
	}
}
