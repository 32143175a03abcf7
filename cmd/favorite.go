package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"gowarp/repository"
	"gowarp/storage"
)

var unfavorite bool

var favoriteCmd = &cobra.Command{
	Use:   "favorite <service-id>",
	Short: "Mark a known remote as favorite",
	Args:  cobra.ExactArgs(1),
	RunE:  markFavorite,
}

func init() {
	favoriteCmd.Flags().BoolVar(&unfavorite, "off", false, "clear the favorite flag instead")
	rootCmd.AddCommand(favoriteCmd)
}

func markFavorite(cmd *cobra.Command, args []string) error {
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

	if err := repo.SetFavorite(args[0], !unfavorite); err != nil {
		return err
	}
	printf("%s favorite: %t\n", args[0], !unfavorite)
	return nil
}
