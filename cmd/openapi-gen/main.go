// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GTM Copilot Contributors

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gtm-copilot/gtm-copilot/internal/collection"
	"github.com/gtm-copilot/gtm-copilot/internal/server"
	"github.com/gtm-copilot/gtm-copilot/internal/store/memory"
	cperr "github.com/gtm-copilot/gtm-copilot/pkg/errors"
)

func main() {
	spec, err := generateSpec()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	outPath := "api/openapi/spec.json"
	if len(os.Args) > 1 {
		outPath = os.Args[1]
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "error creating output dir: %v\n", err)
		os.Exit(1)
	}

	if err := os.WriteFile(outPath, spec, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "error writing spec: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("OpenAPI spec written to %s\n", outPath)
}

// generateSpec registers every route on a server backed by an empty
// in-memory catalog and returns the OpenAPI document huma derives from the
// handler types. No handler runs.
func generateSpec() ([]byte, error) {
	mgr := collection.NewManager(memory.NewCatalog(), collection.Options{})
	defer func() { _ = mgr.Close() }()

	svc, err := server.NewServices(mgr, server.Info{StorageBackend: "memory", IndexMode: string(collection.ModeIndex)})
	if err != nil {
		return nil, err
	}

	srv, err := server.New(server.Config{ListenAddr: "127.0.0.1:0"})
	if err != nil {
		return nil, cperr.Errorf(cperr.CodeCLISetupFailure, "creating server: %w", err)
	}
	srv.RegisterServices(svc)

	return json.MarshalIndent(srv.API().OpenAPI(), "", "  ")
}
