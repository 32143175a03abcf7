package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"gowarp/service"
)

var connectTimeout time.Duration

var connectCmd = &cobra.Command{
	Use:   "connect <ip:auth-port>",
	Short: "Pair with a peer that discovery cannot see",
	Long: "Registers this machine with the peer's registration service and runs the\n" +
		"normal handshake. The peer must be on the same subnet and share the group code.",
	Args: cobra.ExactArgs(1),
	RunE: connectManual,
}

func init() {
	connectCmd.Flags().DurationVar(&connectTimeout, "timeout", defaultConnectTimeout, "how long to wait for the handshake")
	rootCmd.AddCommand(connectCmd)
}

func connectManual(cmd *cobra.Command, args []string) error {
	n, err := openNode(false)
	if err != nil {
		return err
	}
	defer n.close()

	ctx, stop := cancelOnSignal(cmd.Context())
	defer stop()

	if err := n.svc.Start(ctx); err != nil {
		return err
	}
	go n.logErrors()

	remoteID, result, err := n.svc.ConnectManual(ctx, args[0])
	if err != nil {
		return err
	}
	switch result {
	case service.ManualSuccess:
	case service.ManualAlreadyConnected:
		printf("Already connected\n")
		return nil
	case service.ManualNotOnSameSubnet:
		return fmt.Errorf("%s is not on this machine's subnet", args[0])
	case service.ManualUnsupported:
		return fmt.Errorf("%s does not support manual connections", args[0])
	default:
		return fmt.Errorf("manual connection to %s failed: %s", args[0], result)
	}

	waitCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	remote, err := n.waitForConnected(waitCtx, remoteID)
	if err != nil {
		return err
	}
	printf("Connected to %s (%s)\n", remote.Name(), remote.UUID)
	return nil
}
