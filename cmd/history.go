package main

import (
	"fmt"

	"github.com/mirrorlab/PrintMirror/internal/config"
	"github.com/mirrorlab/PrintMirror/pkg/storage"
	"github.com/spf13/cobra"
)

func newHistoryCmd() *cobra.Command {
	var flagLimit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print the most recent recorded jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(rootConfigPath)
			if err != nil {
				return err
			}
			if cfg.HistoryDB == "" {
				return fmt.Errorf("history_db is not configured in %s", rootConfigPath)
			}
			store, err := storage.OpenHistory(cfg.HistoryDB)
			if err != nil {
				return err
			}
			defer store.Close()

			entries, err := store.Recent(cmd.Context(), flagLimit)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("no recorded jobs")
				return nil
			}
			for _, entry := range entries {
				ended := "running"
				if entry.EndedAt != nil {
					ended = entry.EndedAt.Format("2006-01-02 15:04")
				}
				fmt.Printf("%s  %-24s  started %s  ended %s  %s\n",
					shortID(entry.JobID), entry.SubtaskName,
					entry.StartedAt.Format("2006-01-02 15:04"), ended, entry.FinalState)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&flagLimit, "limit", 10, "Maximum number of jobs to list")

	return cmd
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
