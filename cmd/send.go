package cmd

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"gowarp/models"
	"gowarp/repository"
)

var (
	sendTo      string
	sendTimeout time.Duration
)

var sendCmd = &cobra.Command{
	Use:   "send --to <service-id> <path>...",
	Short: "Send files or folders to a peer and wait for the outcome",
	Args:  cobra.MinimumNArgs(1),
	RunE:  sendFiles,
}

func init() {
	sendCmd.Flags().StringVar(&sendTo, "to", "", "service ID of the receiving peer")
	sendCmd.Flags().DurationVar(&sendTimeout, "connect-timeout", defaultConnectTimeout, "how long to wait for the peer to connect")
	_ = sendCmd.MarkFlagRequired("to")
	rootCmd.AddCommand(sendCmd)
}

func sendFiles(cmd *cobra.Command, args []string) error {
	paths := make([]string, 0, len(args))
	for _, arg := range args {
		abs, err := filepath.Abs(arg)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", arg, err)
		}
		paths = append(paths, abs)
	}

	n, err := openNode(true)
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

	connectCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	remote, err := n.waitForConnected(connectCtx, sendTo)
	cancel()
	if err != nil {
		return err
	}
	printf("Connected to %s\n", remote.Name())

	events, unsubscribe := n.repo.Subscribe()
	defer unsubscribe()

	t, err := n.svc.Send(ctx, sendTo, paths)
	if err != nil {
		return err
	}
	printf("Offered %d item(s), %d bytes\n", t.FileCount, t.TotalSize)

	final, err := waitForTransfer(ctx, n.repo, events, t.Key())
	if err != nil {
		if ctx.Err() != nil {
			if w, ok := n.svc.Transfers().Get(t.Key()); ok {
				_ = w.Stop(context.Background(), false)
			}
		}
		return err
	}
	printf("Transfer %s\n", final.Status)
	if final.Status.State != models.TransferFinished {
		return fmt.Errorf("transfer ended %s", final.Status)
	}
	return nil
}

var errSubscriptionClosed = errors.New("event subscription closed")

// waitForTransfer follows one transfer until it reaches a terminal state.
func waitForTransfer(ctx context.Context, repo *repository.Repository, events <-chan repository.Event, key string) (models.Transfer, error) {
	if t, ok := repo.Transfer(key); ok && t.Status.State.Terminal() {
		return t, nil
	}
	lastPercent := -1
	for {
		select {
		case <-ctx.Done():
			return models.Transfer{}, ctx.Err()
		case event, ok := <-events:
			if !ok {
				return models.Transfer{}, errSubscriptionClosed
			}
			if event.Kind != repository.EventTransferUpdated || event.Transfer.Key() != key {
				continue
			}
			t := *event.Transfer
			if t.Status.State.Terminal() {
				return t, nil
			}
			if t.TotalSize > 0 {
				percent := int(t.BytesTransferred * 100 / t.TotalSize)
				if percent != lastPercent {
					lastPercent = percent
					printf("\r%s: %3d%%", t.Status, percent)
					if percent == 100 {
						printf("\n")
					}
				}
			}
		}
	}
}
