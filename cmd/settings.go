package cmd

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"gowarp/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective settings",
	Args:  cobra.NoArgs,
	RunE:  showConfig,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Change one persisted setting",
	Long: "Keys: display_name, group_code, port, auth_port, network_interface, download_dir,\n" +
		"allow_overwrite, auto_accept, use_compression, profile_picture, log_level.",
	Args: cobra.ExactArgs(2),
	RunE: setConfig,
}

func init() {
	configCmd.AddCommand(configSetCmd)
	rootCmd.AddCommand(configCmd)
}

func showConfig(cmd *cobra.Command, args []string) error {
	settings, cfgPath, err := loadSettings()
	if err != nil {
		return err
	}
	printf("# %s\n", cfgPath)
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	if err := enc.Encode(settings); err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	return enc.Close()
}

func setConfig(cmd *cobra.Command, args []string) error {
	var (
		settings *config.Settings
		cfgPath  string
		err      error
	)
	// Environment overrides must not leak into the file.
	if dataDirFlag != "" {
		settings, cfgPath, err = config.LoadOrCreateIn(dataDirFlag)
	} else {
		settings, cfgPath, err = config.LoadOrCreate()
	}
	if err != nil {
		return err
	}

	key, value := args[0], args[1]
	if err := applySetting(settings, key, value); err != nil {
		return err
	}
	if err := settings.Validate(); err != nil {
		return err
	}
	if err := config.Save(cfgPath, settings); err != nil {
		return err
	}
	printf("%s = %s\n", key, value)
	return nil
}

func applySetting(s *config.Settings, key, value string) error {
	parseBool := func(dst *bool) error {
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = b
		return nil
	}
	parsePort := func(dst *int) error {
		p, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = p
		return nil
	}

	switch key {
	case "display_name":
		s.DisplayName = value
	case "group_code":
		s.GroupCode = value
	case "port":
		return parsePort(&s.Port)
	case "auth_port":
		return parsePort(&s.AuthPort)
	case "network_interface":
		s.NetworkInterface = value
	case "download_dir":
		s.DownloadDir = value
	case "allow_overwrite":
		return parseBool(&s.AllowOverwrite)
	case "auto_accept":
		return parseBool(&s.AutoAccept)
	case "use_compression":
		return parseBool(&s.UseCompression)
	case "profile_picture":
		s.ProfilePicture = value
	case "log_level":
		s.LogLevel = value
	default:
		return fmt.Errorf("unknown setting %q", key)
	}
	return nil
}
