package main

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/franksops/ingestd/engine"
	"github.com/franksops/ingestd/store"
)

var statusColumns = []store.Status{
	store.StatusConfirmed,
	store.StatusStaged,
	store.StatusBatched,
	store.StatusDispatched,
	store.StatusFailed,
}

func statusCmd(configPath *string) *cobra.Command {
	var tenantID string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print per-tenant record counts from the state store.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath, false)
			if err != nil {
				return err
			}
			defer a.Close()

			tenants := []string{tenantID}
			if tenantID == "" {
				if tenants, err = a.store.Tenants(); err != nil {
					return err
				}
			}

			counts := make(map[string]map[store.Status]int, len(tenants))
			for _, id := range tenants {
				recs, err := a.store.ListRecords(id, nil)
				if err != nil {
					return err
				}
				counts[id] = countByStatus(recs)
			}
			return writeStatusTable(cmd.OutOrStdout(), counts)
		},
	}

	cmd.Flags().StringVar(&tenantID, "tenant", "", "only show this tenant")
	return cmd
}

func countByStatus(recs []*store.FileRecord) map[store.Status]int {
	out := make(map[store.Status]int)
	for _, r := range recs {
		out[r.Status]++
	}
	return out
}

func writeStatusTable(w io.Writer, counts map[string]map[store.Status]int) error {
	ids := make([]string, 0, len(counts))
	for id := range counts {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprint(tw, "TENANT")
	for _, s := range statusColumns {
		fmt.Fprintf(tw, "\t%s", s)
	}
	fmt.Fprintln(tw)
	for _, id := range ids {
		fmt.Fprint(tw, id)
		for _, s := range statusColumns {
			fmt.Fprintf(tw, "\t%d", counts[id][s])
		}
		fmt.Fprintln(tw)
	}
	return tw.Flush()
}

func fetchCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "fetch <tenant> <remote-path> <local-path>",
		Short: "Download a file from a tenant's endpoint.",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath, false)
			if err != nil {
				return err
			}
			defer a.Close()

			tenant, err := a.tenant(args[0])
			if err != nil {
				return err
			}
			stat, err := engine.NewTransfer(a.pool, a.cfg.IOTimeout, a.logger).Fetch(cmd.Context(), tenant, args[1], args[2])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%d bytes, crc64 %s)\n", stat.Path, stat.Bytes, engine.FormatChecksum(stat.Checksum))
			return nil
		},
	}
}

func pushCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "push <tenant> <local-path> <remote-dir>",
		Short: "Upload a local file into a folder on a tenant's endpoint.",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath, false)
			if err != nil {
				return err
			}
			defer a.Close()

			tenant, err := a.tenant(args[0])
			if err != nil {
				return err
			}
			stat, err := engine.NewTransfer(a.pool, a.cfg.IOTimeout, a.logger).Push(cmd.Context(), tenant, args[1], args[2])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%d bytes, crc64 %s)\n", stat.Path, stat.Bytes, engine.FormatChecksum(stat.Checksum))
			return nil
		},
	}
}

func removeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <tenant> <remote-path>",
		Short: "Remove a file from a tenant's endpoint.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath, false)
			if err != nil {
				return err
			}
			defer a.Close()

			tenant, err := a.tenant(args[0])
			if err != nil {
				return err
			}
			return engine.NewTransfer(a.pool, a.cfg.IOTimeout, a.logger).Remove(cmd.Context(), tenant, args[1])
		},
	}
}
