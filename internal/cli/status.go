package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/wagate/wagate/internal/config"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader("🏷️ WaGate Version")
		fmt.Printf("Version: %s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show gateway status",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader("📊 WaGate Status")
		fmt.Printf("Version: %s\n", version)

		// Check config
		if configPath, err := config.ConfigPath(); err == nil {
			if _, err := os.Stat(configPath); err == nil {
				fmt.Println("Config:  ✓ Found (" + configPath + ")")
			} else {
				fmt.Println("Config:  ✗ Not found (defaults apply)")
			}
		}

		cfg, err := config.Load()
		if err != nil {
			fmt.Printf("Config:  ? Unable to load: %v\n", err)
			return
		}
		fmt.Println("Listen:  " + cfg.Server.Listen)
		if cfg.Kafka.Enabled() {
			fmt.Println("Kafka:   ✓ Enabled (" + cfg.Kafka.Brokers + " → " + cfg.Kafka.Topic + ")")
		} else {
			fmt.Println("Kafka:   ✗ Disabled")
		}

		// Session credentials + QR location
		sessionDB := filepath.Join(cfg.Store.Dir, "session.db")
		qrPath := filepath.Join(cfg.Store.Dir, "qr.png")
		if _, err := os.Stat(sessionDB); err == nil {
			fmt.Println("Session: ✓ Credentials found (no QR needed)")
		} else {
			fmt.Println("Session: ✗ No credentials (QR pairing needed)")
			fmt.Println("QR:      " + qrPath)
		}
	},
}
