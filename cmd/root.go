package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "access-engine",
	Short: "Run the face-recognition access-control back plane",
	Long: `access-engine runs the daemons behind a campus face-recognition
access-control system: the training worker that enrolls subjects, the
recognition/presence server that watches cameras and tracks who is on
campus, and the janitor that cleans up resolved duplicates.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
}

func initConfig() {
	// .env file is optional, don't fail if not found
	_ = godotenv.Load()
}
