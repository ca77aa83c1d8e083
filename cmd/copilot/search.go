// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GTM Copilot Contributors

package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// searchBody mirrors the search response.
type searchBody struct {
	Results []struct {
		ID       string         `json:"id"`
		Distance float64        `json:"distance"`
		Metadata map[string]any `json:"metadata,omitempty"`
	} `json:"results"`
	Watermark  uint64 `json:"watermark"`
	SnapshotID string `json:"snapshot_id,omitempty"`
	Native     bool   `json:"native,omitempty"`
}

func newSearchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search <collection>",
		Short: "Find the k nearest records",
		Long: "Find the k nearest records to a query vector or text. Results are ordered by distance, " +
			"ties broken by id. --filter keeps only exact metadata matches; --expr takes a CEL predicate.",
		Args: cobra.ExactArgs(1),
		RunE: runSearch,
	}
	addVectorFlags(cmd)
	cmd.Flags().IntP("k", "k", 10, "number of neighbours to return")
	cmd.Flags().StringArrayP("filter", "f", nil, "metadata key=value that must match (repeatable)")
	cmd.Flags().String("expr", "", "CEL predicate over metadata and id, e.g. metadata.tier == 'enterprise'")
	cmd.Flags().String("consistency", "", "eventual, strong or at_least (default server setting)")
	cmd.Flags().Uint64("min-version", 0, "with at_least, the version the results must reflect")
	return cmd
}

func runSearch(cmd *cobra.Command, args []string) error {
	k, _ := cmd.Flags().GetInt("k")
	req := map[string]any{"k": k}
	if err := vectorInput(cmd, req); err != nil {
		return err
	}

	pairs, _ := cmd.Flags().GetStringArray("filter")
	filter, err := parsePairs(pairs)
	if err != nil {
		return err
	}
	if len(filter) > 0 {
		req["filter"] = filter
	}
	if expr, _ := cmd.Flags().GetString("expr"); expr != "" {
		req["expr"] = expr
	}
	if level, _ := cmd.Flags().GetString("consistency"); level != "" {
		req["consistency"] = level
	}
	if v, _ := cmd.Flags().GetUint64("min-version"); v > 0 {
		req["min_version"] = v
	}

	var body searchBody
	if err := newAPIClient(serverAddress()).postJSON(collectionPath(args[0], "search"), req, &body); err != nil {
		return err
	}
	return render(cmd.OutOrStdout(), body, func(w io.Writer) error {
		if len(body.Results) == 0 {
			_, _ = fmt.Fprintf(w, "No results (watermark %d)\n", body.Watermark)
			return nil
		}
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "RANK\tID\tDISTANCE\tMETADATA")
		for i, r := range body.Results {
			_, _ = fmt.Fprintf(tw, "%d\t%s\t%.6f\t%v\n", i+1, r.ID, r.Distance, r.Metadata)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		_, err := fmt.Fprintf(w, "watermark %d, snapshot %s\n", body.Watermark, body.SnapshotID)
		return err
	})
}
