// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GTM Copilot Contributors

package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/gtm-copilot/gtm-copilot/internal/collection"
	"github.com/gtm-copilot/gtm-copilot/internal/index"
	"github.com/gtm-copilot/gtm-copilot/internal/store"
)

func newCollectionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "collection",
		Aliases: []string{"collections", "col"},
		Short:   "Manage collections on a running server",
	}

	cmd.AddCommand(
		newCollectionCreateCmd(),
		newCollectionListCmd(),
		newCollectionShowCmd(),
		newCollectionDropCmd(),
		newCollectionRebuildCmd(),
	)

	return cmd
}

func newCollectionCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a collection",
		Args:  cobra.ExactArgs(1),
		RunE:  runCollectionCreate,
	}
	cmd.Flags().Int("dimension", 0, "vector length (required)")
	cmd.Flags().String("metric", "", "distance metric: cosine, l2 or dot (default cosine)")
	cmd.Flags().Int("merge-threshold", 0, "overlay size that triggers a background rebuild")
	_ = cmd.MarkFlagRequired("dimension")
	return cmd
}

func newCollectionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List collections",
		RunE:  runCollectionList,
	}
}

func newCollectionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <name>",
		Short: "Show a collection with its index statistics",
		Args:  cobra.ExactArgs(1),
		RunE:  runCollectionShow,
	}
}

func newCollectionDropCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drop <name>",
		Short: "Drop a collection and all of its records",
		Args:  cobra.ExactArgs(1),
		RunE:  runCollectionDrop,
	}
}

func newCollectionRebuildCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rebuild <name>",
		Short: "Rebuild a collection's index and swap it in",
		Args:  cobra.ExactArgs(1),
		RunE:  runCollectionRebuild,
	}
	cmd.Flags().Bool("cancel", false, "cancel the rebuild in progress instead of starting one")
	return cmd
}

func runCollectionCreate(cmd *cobra.Command, args []string) error {
	dim, _ := cmd.Flags().GetInt("dimension")
	metric, _ := cmd.Flags().GetString("metric")
	threshold, _ := cmd.Flags().GetInt("merge-threshold")

	req := map[string]any{"name": args[0], "dimension": dim}
	if metric != "" {
		req["metric"] = metric
	}
	if threshold > 0 {
		req["merge_threshold"] = threshold
	}

	var spec store.CollectionSpec
	if err := newAPIClient(serverAddress()).postJSON("/collections", req, &spec); err != nil {
		return err
	}
	return render(cmd.OutOrStdout(), spec, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "Created collection %s (dimension %d, metric %s)\n", spec.Name, spec.Dimension, spec.Metric)
		return err
	})
}

func runCollectionList(cmd *cobra.Command, _ []string) error {
	var body struct {
		Collections []store.CollectionSpec `json:"collections"`
	}
	if err := newAPIClient(serverAddress()).getJSON("/collections", &body); err != nil {
		return err
	}
	return render(cmd.OutOrStdout(), body, func(w io.Writer) error {
		if len(body.Collections) == 0 {
			_, err := fmt.Fprintln(w, "No collections.")
			return err
		}
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "NAME\tDIMENSION\tMETRIC\tMERGE THRESHOLD\tCREATED")
		for _, c := range body.Collections {
			_, _ = fmt.Fprintf(tw, "%s\t%d\t%s\t%d\t%s\n",
				c.Name, c.Dimension, c.Metric, c.MergeThreshold, c.CreatedAt.Format(time.RFC3339))
		}
		return tw.Flush()
	})
}

func runCollectionShow(cmd *cobra.Command, args []string) error {
	var stats collection.Summary
	if err := newAPIClient(serverAddress()).getJSON(collectionPath(args[0]), &stats); err != nil {
		return err
	}
	return render(cmd.OutOrStdout(), stats, func(w io.Writer) error {
		s := stats.Spec
		_, _ = fmt.Fprintf(w, "Collection %s\n", s.Name)
		_, _ = fmt.Fprintf(w, "  dimension:       %d\n", s.Dimension)
		_, _ = fmt.Fprintf(w, "  metric:          %s\n", s.Metric)
		_, _ = fmt.Fprintf(w, "  merge threshold: %d\n", s.MergeThreshold)
		_, _ = fmt.Fprintf(w, "  records:         %d\n", stats.Records)
		writeIndexStats(w, stats.Index)
		return nil
	})
}

func runCollectionDrop(cmd *cobra.Command, args []string) error {
	if err := newAPIClient(serverAddress()).delete(collectionPath(args[0]), nil); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Dropped collection %s\n", args[0])
	return nil
}

func runCollectionRebuild(cmd *cobra.Command, args []string) error {
	if cancel, _ := cmd.Flags().GetBool("cancel"); cancel {
		return runCollectionCancelRebuild(cmd, args[0])
	}

	var stats index.Stats
	if err := newAPIClient(serverAddress()).postJSON(collectionPath(args[0], "rebuild"), nil, &stats); err != nil {
		return err
	}
	return render(cmd.OutOrStdout(), stats, func(w io.Writer) error {
		_, _ = fmt.Fprintf(w, "Rebuilt %s\n", args[0])
		writeIndexStats(w, stats)
		return nil
	})
}

func runCollectionCancelRebuild(cmd *cobra.Command, name string) error {
	var body struct {
		Cancelled bool `json:"cancelled"`
	}
	if err := newAPIClient(serverAddress()).delete(collectionPath(name, "rebuild"), &body); err != nil {
		return err
	}
	return render(cmd.OutOrStdout(), body, func(w io.Writer) error {
		if body.Cancelled {
			_, _ = fmt.Fprintf(w, "Cancelled rebuild of %s\n", name)
		} else {
			_, _ = fmt.Fprintf(w, "No rebuild running for %s\n", name)
		}
		return nil
	})
}

func writeIndexStats(w io.Writer, st index.Stats) {
	_, _ = fmt.Fprintf(w, "  snapshot:        %s (%s, %d records, watermark %d)\n",
		st.SnapshotID, st.SnapshotKind, st.SnapshotRecords, st.SnapshotWatermark)
	_, _ = fmt.Fprintf(w, "  overlay:         %d records, %d tombstones\n", st.OverlayRecords, st.OverlayTombstones)
	_, _ = fmt.Fprintf(w, "  watermark:       %d\n", st.Watermark)
	_, _ = fmt.Fprintf(w, "  rebuilds:        %d (%d failed)\n", st.Rebuilds, st.RebuildFailures)
	if st.LastRebuildError != "" {
		_, _ = fmt.Fprintf(w, "  last error:      %s\n", st.LastRebuildError)
	}
}
