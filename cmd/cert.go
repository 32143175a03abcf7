package cmd

import (
	"github.com/spf13/cobra"

	"gowarp/config"
	"gowarp/crypto"
	"gowarp/service"
)

var certCmd = &cobra.Command{
	Use:   "cert",
	Short: "Create or renew the local TLS certificate and print its fingerprint",
	Args:  cobra.NoArgs,
	RunE:  showCertificate,
}

func init() {
	rootCmd.AddCommand(certCmd)
}

func showCertificate(cmd *cobra.Command, args []string) error {
	settings, _, err := loadSettings()
	if err != nil {
		return err
	}
	localIP, err := service.ResolveLocalIP(settings.NetworkInterface)
	if err != nil {
		return err
	}
	cert, err := crypto.EnsureCertificate(settings.CertPath, settings.KeyPath, config.Hostname(), localIP)
	if err != nil {
		return err
	}

	printf("Certificate:     %s\n", settings.CertPath)
	printf("Bound IP:        %s\n", localIP)
	printf("Valid Until:     %s\n", cert.Leaf.NotAfter.Format("2006-01-02 15:04:05 MST"))
	printf("Fingerprint:     %s\n", crypto.FormatFingerprint(crypto.Fingerprint(cert.Leaf.Raw)))
	return nil
}
