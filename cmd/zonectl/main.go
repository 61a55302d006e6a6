// Command zonectl drives a running zoned daemon over its control socket.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"zoned/client"
	"zoned/ipc"
	"zoned/registry"
	"zoned/wire"
)

var (
	flagNetwork string
	flagAddress string
	flagCodec   string
	flagTimeout time.Duration

	flagPrivilege int
	flagEtcd      []string
)

var rootCmd = &cobra.Command{
	Use:          "zonectl",
	Short:        "Control a zoned host",
	Long:         `zonectl talks to a running zoned daemon over its control socket.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagNetwork, "network", "unix", "control endpoint network")
	rootCmd.PersistentFlags().StringVar(&flagAddress, "address", "/run/zoned/control.sock", "control endpoint address")
	rootCmd.PersistentFlags().StringVar(&flagCodec, "codec", "binary", "payload codec (binary or json)")
	rootCmd.PersistentFlags().DurationVar(&flagTimeout, "timeout", 2*time.Second, "per-call timeout")

	createCmd.Flags().IntVar(&flagPrivilege, "privilege", 10, "privilege value, lower is more privileged")
	discoverCmd.Flags().StringSliceVar(&flagEtcd, "etcd", []string{"127.0.0.1:2379"}, "etcd endpoints")

	rootCmd.AddCommand(listCmd, activeCmd, focusCmd, startCmd, stopCmd,
		createCmd, destroyCmd, infoCmd, discoverCmd)
}

func dial() (*client.Client, error) {
	codec, err := wire.CodecByName(flagCodec)
	if err != nil {
		return nil, err
	}
	return client.Dial(flagNetwork, flagAddress,
		client.WithTimeout(flagTimeout),
		client.WithIPCOptions(ipc.WithCodec(codec)))
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List zones on the host",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial()
		if err != nil {
			return err
		}
		defer c.Close()
		ids, err := c.ZoneIDs()
		if err != nil {
			return err
		}
		for _, id := range ids {
			fmt.Println(id)
		}
		return nil
	},
}

var activeCmd = &cobra.Command{
	Use:   "active",
	Short: "Show the foreground zone",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial()
		if err != nil {
			return err
		}
		defer c.Close()
		id, err := c.ActiveZone()
		if err != nil {
			return err
		}
		if id == "" {
			id = "(none)"
		}
		fmt.Println(id)
		return nil
	},
}

var focusCmd = &cobra.Command{
	Use:   "focus <zone>",
	Short: "Move the foreground to a zone",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial()
		if err != nil {
			return err
		}
		defer c.Close()
		return c.Focus(args[0])
	},
}

var startCmd = &cobra.Command{
	Use:   "start <zone>",
	Short: "Start a zone",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial()
		if err != nil {
			return err
		}
		defer c.Close()
		return c.StartZone(args[0])
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop <zone>",
	Short: "Stop a zone",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial()
		if err != nil {
			return err
		}
		defer c.Close()
		return c.StopZone(args[0])
	},
}

var createCmd = &cobra.Command{
	Use:   "create <zone>",
	Short: "Create a zone",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial()
		if err != nil {
			return err
		}
		defer c.Close()
		instance, err := c.CreateZone(args[0], flagPrivilege)
		if err != nil {
			return err
		}
		fmt.Println(instance)
		return nil
	},
}

var destroyCmd = &cobra.Command{
	Use:   "destroy <zone>",
	Short: "Destroy a zone, stopping it first if running",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial()
		if err != nil {
			return err
		}
		defer c.Close()
		return c.DestroyZone(args[0])
	},
}

var infoCmd = &cobra.Command{
	Use:   "info <zone>",
	Short: "Show one zone's state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dial()
		if err != nil {
			return err
		}
		defer c.Close()
		info, err := c.ZoneInfo(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("id: %s\n", info.ID)
		fmt.Printf("instance: %s\n", info.InstanceID)
		fmt.Printf("privilege: %d\n", info.Privilege)
		fmt.Printf("rootfs: %s\n", info.Rootfs)
		fmt.Printf("running: %t\n", info.Running)
		fmt.Printf("active: %t\n", info.Active)
		fmt.Printf("connected: %t\n", info.Connected)
		return nil
	},
}

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "List zone hosts announced in etcd",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := registry.NewEtcd(flagEtcd, 10*time.Second, zap.NewNop())
		if err != nil {
			return err
		}
		defer func() { _ = reg.Close() }()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		hosts, err := reg.Discover(ctx)
		if err != nil {
			return err
		}
		for _, h := range hosts {
			active := h.ActiveZone
			if active == "" {
				active = "(none)"
			}
			fmt.Printf("%s %s://%s active=%s zones=%s\n",
				h.Name, h.Network, h.Address, active, strings.Join(h.Zones, ","))
		}
		return nil
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
