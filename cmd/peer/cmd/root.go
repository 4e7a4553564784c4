// Package cmd contains the CLI setup and commands exposed to the user.
package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "lanchat",
	Short: "LAN chat and file exchange over a volatile relay",
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.String("relay", "http://localhost:8080", "relay base URL")
	pf.String("name", "", "display name announced to peers")
	pf.Bool("admin", false, "claim the admin role on registration")
	pf.String("passphrase", "", "shared passphrase fallback for the room key")
	pf.String("data-dir", filepath.Join(xdg.DataHome, "lanchat"), "local database directory")
	pf.String("out-dir", filepath.Join(xdg.UserDirs.Download, "lanchat"), "directory for received files")
	pf.Duration("poll-interval", 2*time.Second, "chat poll interval")
	pf.Duration("transfer-interval", 3*time.Second, "transfer poll interval")
	pf.Int("chunk-size", 64*1024, "transfer chunk size in bytes")
	pf.Int("fetch-batch", 5, "chunks fetched per transfer per poll")
	pf.Bool("debug", false, "verbose logging")

	// expose to application via viper; env vars override flags
	viper.SetEnvPrefix("lanchat")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	_ = viper.BindPFlags(pf)
}
