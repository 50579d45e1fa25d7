package main

import (
	"fmt"
	"research/internal/config"
	"research/internal/store/sqlite"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func doJobs(cmd *cobra.Command, _ []string) error {
	cfg := config.LoadServiceConfig()
	path := flagDB
	if path == "" {
		path = cfg.DatabasePath
	}

	store, err := sqlite.Open(cmd.Context(), sqlite.Config{Path: path, DataDir: cfg.DataDir})
	if err != nil {
		return err
	}
	defer store.Close()

	jobs, err := store.List(cmd.Context())
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tUPDATED\tDESCRIPTION")
	for _, j := range jobs {
		status := string(j.Phase)
		if j.Error != "" {
			status += " (" + j.Error + ")"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", j.ID, status, j.UpdatedAt.Local().Format(time.DateTime), truncate(j.Description, 60))
	}
	return w.Flush()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
