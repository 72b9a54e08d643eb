package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"whoisrdap/pkg/model"
	"whoisrdap/pkg/store"
)

func cmdStats() *cobra.Command {
	var (
		asJSON  bool
		compact bool
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show statistics of the record store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			st, err := store.Open(cmd.Context(), cfg.StoreEndpoint)
			if err != nil {
				return err
			}
			if st == nil {
				return fmt.Errorf("no store configured")
			}
			defer st.Close()

			if compact {
				if err := compactStore(cmd.Context(), st); err != nil {
					return err
				}
			}

			stats, err := st.Stats(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), stats)
			}
			printStats(cmd.OutOrStdout(), cfg.StoreEndpoint, stats)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "emit JSON")
	cmd.Flags().BoolVar(&compact, "compact", false, "compact the store before reporting (LevelDB only)")
	return cmd
}

// compacter is implemented by stores that can reclaim space on demand
type compacter interface {
	CompactDB(ctx context.Context) error
}

func compactStore(ctx context.Context, st store.Store) error {
	c, ok := st.(compacter)
	if !ok {
		return fmt.Errorf("store does not support compaction")
	}
	start := time.Now()
	if err := c.CompactDB(ctx); err != nil {
		return fmt.Errorf("compaction failed: %w", err)
	}
	log.Info("store compacted", "duration", time.Since(start))
	return nil
}

func printStats(w io.Writer, endpoint string, s *model.Stats) {
	fmt.Fprintf(w, "Store:              %s (%s)\n", endpoint, s.Backend)
	fmt.Fprintf(w, "Schema version:     %d\n", s.SchemaVersion)
	if !s.CreatedAt.IsZero() {
		fmt.Fprintf(w, "Created:            %s\n", s.CreatedAt.Format(time.RFC3339))
	}
	fmt.Fprintf(w, "Total records:      %d\n", s.TotalRecords)
	fmt.Fprintf(w, "  IPv4 ranges:      %d\n", s.IPv4Records)
	fmt.Fprintf(w, "  IPv6 ranges:      %d\n", s.IPv6Records)
	if s.TotalRecords > 0 {
		fmt.Fprintf(w, "Oldest validation:  %s\n", s.OldestValidated.Format(time.RFC3339))
		fmt.Fprintf(w, "Newest validation:  %s\n", s.NewestValidated.Format(time.RFC3339))
	}
}
