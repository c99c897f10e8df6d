package main

import (
	"os"

	"github.com/mirrorlab/PrintMirror/internal/env"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "printmirror",
	Short: "Smart-mirror status agent for Bambu Lab printers",
	Long:  `printmirror tails the printer's local telemetry stream, tracks print jobs and their cover images, keeps the cloud session alive, and serves the phone login page used to pair the mirror with a Bambu account.`,
}

var rootConfigPath string

func init() {
	output := zerolog.ConsoleWriter{Out: os.Stderr}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	rootCmd.PersistentFlags().StringVar(&rootConfigPath, "config", "printmirror.toml", "Path to the TOML config file")
	rootCmd.AddCommand(
		newServeCmd(),
		newHistoryCmd(),
		newVersionCmd(),
	)
	_ = env.Ensure()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("printmirror command failed")
	}
}
