// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GTM Copilot Contributors

package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	cperr "github.com/gtm-copilot/gtm-copilot/pkg/errors"
)

// statusBody mirrors GET /api/v1/status.
type statusBody struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	StorageBackend string `json:"storage_backend"`
	IndexMode      string `json:"index_mode"`
	Collections    int    `json:"collections"`
	Embedder       *struct {
		Provider   string `json:"provider"`
		Dimensions int    `json:"dimensions"`
		Health     struct {
			Available bool `json:"available"`
		} `json:"health"`
	} `json:"embedder,omitempty"`
	Rebuild *struct {
		Schedule  string    `json:"schedule"`
		Enabled   bool      `json:"enabled"`
		Runs      int64     `json:"runs"`
		Failures  int64     `json:"failures"`
		NextRun   time.Time `json:"next_run,omitzero"`
		LastError string    `json:"last_error,omitempty"`
	} `json:"rebuild,omitempty"`
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show server status",
		Long:  "Query the running server's status endpoint and display storage, index and embedder information.",
		RunE:  runStatus,
	}
}

func runStatus(cmd *cobra.Command, _ []string) error {
	addr := serverAddress()
	out := cmd.OutOrStdout()

	var body statusBody
	if err := newAPIClient(addr).getJSON("/api/v1/status", &body); err != nil {
		if cperr.HasCode(err, cperr.CodeCLIServerNotRunning) {
			_, _ = fmt.Fprintf(out, "Server at %s is not running (connection refused)\n", addr)
			return nil
		}
		return err
	}

	return render(out, body, func(w io.Writer) error {
		_, _ = fmt.Fprintf(w, "Server at %s: %s (version %s)\n", addr, body.Status, body.Version)
		_, _ = fmt.Fprintf(w, "  storage:     %s\n", body.StorageBackend)
		_, _ = fmt.Fprintf(w, "  index mode:  %s\n", body.IndexMode)
		_, _ = fmt.Fprintf(w, "  collections: %d\n", body.Collections)
		if e := body.Embedder; e != nil {
			_, _ = fmt.Fprintf(w, "  embedder:    %s (dimensions %d, available %t)\n", e.Provider, e.Dimensions, e.Health.Available)
		} else {
			_, _ = fmt.Fprintln(w, "  embedder:    disabled")
		}
		if r := body.Rebuild; r != nil && r.Enabled {
			_, _ = fmt.Fprintf(w, "  rebuilds:    %q, %d runs, %d failures", r.Schedule, r.Runs, r.Failures)
			if !r.NextRun.IsZero() {
				_, _ = fmt.Fprintf(w, ", next %s", r.NextRun.Format(time.RFC3339))
			}
			_, _ = fmt.Fprintln(w)
		}
		return nil
	})
}
