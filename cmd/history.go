package cmd

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"gowarp/repository"
	"gowarp/storage"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history <service-id>",
	Short: "Show past transfers and pairing events of a remote",
	Args:  cobra.ExactArgs(1),
	RunE:  showHistory,
}

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "maximum entries per section")
	rootCmd.AddCommand(historyCmd)
}

func showHistory(cmd *cobra.Command, args []string) error {
	_, cfgPath, err := loadSettings()
	if err != nil {
		return err
	}
	store, _, err := storage.Open(filepath.Dir(cfgPath))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	repo, err := repository.New(repository.Options{Store: store})
	if err != nil {
		return err
	}
	defer repo.Close()

	remoteID := args[0]
	transfers, err := repo.History(remoteID, historyLimit)
	if err != nil {
		return err
	}
	events, err := repo.SecurityEvents(remoteID, historyLimit)
	if err != nil {
		return err
	}

	printf("Transfers (%d):\n", len(transfers))
	for _, t := range transfers {
		printf("  %s  %-8s %-16s %s  %s\n",
			time.UnixMilli(t.StartTime).Format("2006-01-02 15:04:05"),
			t.Direction, t.Status, describeRecord(t), formatBytes(t.TotalSize))
		if t.ErrorDetail != "" {
			printf("      error: %s\n", t.ErrorDetail)
		}
	}
	printf("Security events (%d):\n", len(events))
	for _, e := range events {
		printf("  %s  %-8s %s%s\n",
			e.Time.Format("2006-01-02 15:04:05"), e.Severity, e.Type, formatDetails(e.Details))
	}
	return nil
}

func describeRecord(t storage.TransferRecord) string {
	if t.FileCount == 1 && t.SingleFileName != "" {
		return t.SingleFileName
	}
	return fmt.Sprintf("%d files (%s)", t.FileCount, strings.Join(t.TopDirBaseNames, ", "))
}

func formatDetails(details map[string]string) string {
	if len(details) == 0 {
		return ""
	}
	parts := make([]string, 0, len(details))
	for k, v := range details {
		parts = append(parts, k+"="+v)
	}
	sort.Strings(parts)
	return " " + strings.Join(parts, " ")
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
