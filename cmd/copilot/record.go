// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GTM Copilot Contributors

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	cperr "github.com/gtm-copilot/gtm-copilot/pkg/errors"
)

func newRecordCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "record",
		Aliases: []string{"records"},
		Short:   "Put, get, and delete records on a running server",
	}

	cmd.AddCommand(
		newRecordPutCmd(),
		newRecordGetCmd(),
		newRecordDeleteCmd(),
	)

	return cmd
}

func newRecordPutCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "put <collection> <id>",
		Short: "Insert or replace a record",
		Long:  "Insert or replace a record. Give the embedding with --vector or --vector-file, or --text to embed it server-side.",
		Args:  cobra.ExactArgs(2),
		RunE:  runRecordPut,
	}
	addVectorFlags(cmd)
	cmd.Flags().StringArrayP("meta", "m", nil, "metadata key=value (repeatable)")
	return cmd
}

func newRecordGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <collection> <id>",
		Short: "Get a record",
		Args:  cobra.ExactArgs(2),
		RunE:  runRecordGet,
	}
}

func newRecordDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <collection> <id>",
		Short: "Delete a record",
		Args:  cobra.ExactArgs(2),
		RunE:  runRecordDelete,
	}
}

func runRecordPut(cmd *cobra.Command, args []string) error {
	req := map[string]any{"id": args[1]}
	if err := vectorInput(cmd, req); err != nil {
		return err
	}
	pairs, _ := cmd.Flags().GetStringArray("meta")
	md, err := parsePairs(pairs)
	if err != nil {
		return err
	}
	if len(md) > 0 {
		req["metadata"] = md
	}

	var body struct {
		ID      string `json:"id"`
		Version uint64 `json:"version"`
	}
	if err := newAPIClient(serverAddress()).postJSON(collectionPath(args[0], "records"), req, &body); err != nil {
		return err
	}
	return render(cmd.OutOrStdout(), body, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "Stored %s in %s at version %d\n", body.ID, args[0], body.Version)
		return err
	})
}

func runRecordGet(cmd *cobra.Command, args []string) error {
	var rec struct {
		ID       string         `json:"id"`
		Vector   []float32      `json:"vector"`
		Metadata map[string]any `json:"metadata"`
		Version  uint64         `json:"version"`
	}
	if err := newAPIClient(serverAddress()).getJSON(collectionPath(args[0], "records", args[1]), &rec); err != nil {
		return err
	}
	return render(cmd.OutOrStdout(), rec, func(w io.Writer) error {
		_, _ = fmt.Fprintf(w, "Record %s (version %d, dimension %d)\n", rec.ID, rec.Version, len(rec.Vector))
		writeMetadata(w, rec.Metadata)
		return nil
	})
}

func runRecordDelete(cmd *cobra.Command, args []string) error {
	if err := newAPIClient(serverAddress()).delete(collectionPath(args[0], "records", args[1]), nil); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s from %s\n", args[1], args[0])
	return nil
}

// addVectorFlags registers the embedding input flags shared by record put
// and search.
func addVectorFlags(cmd *cobra.Command) {
	cmd.Flags().String("vector", "", "embedding as comma separated floats")
	cmd.Flags().String("vector-file", "", "file holding the embedding as a JSON array")
	cmd.Flags().String("text", "", "text to embed with the server's embedding provider")
	cmd.MarkFlagsMutuallyExclusive("vector", "vector-file", "text")
	cmd.MarkFlagsOneRequired("vector", "vector-file", "text")
}

// vectorInput sets "vector" or "text" on req from the flags.
func vectorInput(cmd *cobra.Command, req map[string]any) error {
	if text, _ := cmd.Flags().GetString("text"); text != "" {
		req["text"] = text
		return nil
	}
	if path, _ := cmd.Flags().GetString("vector-file"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cperr.Errorf(cperr.CodeCLIInputInvalid, "reading vector file: %w", err)
		}
		var vec []float32
		if err := json.Unmarshal(raw, &vec); err != nil {
			return cperr.Errorf(cperr.CodeCLIInputInvalid, "vector file %s: expected a JSON array of numbers: %w", path, err)
		}
		req["vector"] = vec
		return nil
	}
	raw, _ := cmd.Flags().GetString("vector")
	vec, err := parseVector(raw)
	if err != nil {
		return err
	}
	req["vector"] = vec
	return nil
}

// parseVector parses "0.1, 0.2,0.3", with or without surrounding brackets.
func parseVector(raw string) ([]float32, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimSuffix(strings.TrimPrefix(raw, "["), "]")
	if strings.TrimSpace(raw) == "" {
		return nil, cperr.New(cperr.CodeCLIInputInvalid, "vector must not be empty")
	}
	parts := strings.Split(raw, ",")
	vec := make([]float32, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, cperr.Errorf(cperr.CodeCLIInputInvalid, "vector component %d: %w", i, err)
		}
		vec[i] = float32(f)
	}
	return vec, nil
}

// parsePairs parses key=value pairs into metadata. true and false become
// booleans, numbers become numbers, and anything else stays a string;
// quote a value ("key=\"42\"") to keep it a string.
func parsePairs(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		key, value, ok := strings.Cut(p, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, cperr.Errorf(cperr.CodeCLIInputInvalid, "expected key=value, got %q", p)
		}
		out[key] = inferValue(value)
	}
	return out, nil
}

func inferValue(s string) any {
	if unq, err := strconv.Unquote(s); err == nil {
		return unq
	}
	if b, err := strconv.ParseBool(s); err == nil && (s == "true" || s == "false") {
		return b
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

func writeMetadata(w io.Writer, md map[string]any) {
	keys := make([]string, 0, len(md))
	for k := range md {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		_, _ = fmt.Fprintf(w, "  %s = %v\n", k, md[k])
	}
}
