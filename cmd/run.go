package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"gowarp/logging"
	"gowarp/repository"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Announce this machine and serve peers until interrupted",
	Args:  cobra.NoArgs,
	RunE:  runNode,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runNode(cmd *cobra.Command, args []string) error {
	n, err := openNode(true)
	if err != nil {
		return err
	}
	defer n.close()

	ctx, stop := cancelOnSignal(cmd.Context())
	defer stop()

	events, cancel := n.repo.Subscribe()
	defer cancel()
	go logEvents(n.logger, events)

	if err := n.svc.Start(ctx); err != nil {
		return err
	}
	go n.logErrors()

	printf("Service ID:      %s\n", n.settings.ServiceID)
	printf("Display Name:    %s\n", n.settings.DisplayName)
	printf("Listening:       %s (auth %v)\n", n.svc.MainAddr(), n.svc.AuthAddr())
	printf("Download Dir:    %s\n", n.settings.DownloadDir)
	printf("Config File:     %s\n", n.cfgPath)
	printf("Status:          running (press Ctrl+C to stop)\n")

	<-ctx.Done()
	printf("Status:          shutting down\n")
	return nil
}

func logEvents(base *logging.ColoredLogger, events <-chan repository.Event) {
	remoteLog := base.For(logging.ComponentRemote)
	transferLog := base.For(logging.ComponentTransfer)
	for event := range events {
		switch event.Kind {
		case repository.EventRemoteUpdated:
			remoteLog.Info("remote updated",
				zap.String("remote", event.Remote.UUID),
				zap.String("name", event.Remote.Name()),
				zap.Stringer("status", event.Remote.Status),
				zap.Bool("available", event.Remote.ServiceAvailable))
		case repository.EventTransferUpdated:
			t := event.Transfer
			transferLog.Debug("transfer updated",
				zap.String("transfer", t.Key()),
				zap.Stringer("status", t.Status),
				zap.Int64("bytes", t.BytesTransferred),
				zap.Int64("total", t.TotalSize))
		case repository.EventStatusMessage:
			base.Info(event.Message)
		}
	}
}

// cancelOnSignal returns a context that ends on SIGINT or SIGTERM.
func cancelOnSignal(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}
