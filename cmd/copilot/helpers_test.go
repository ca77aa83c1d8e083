// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GTM Copilot Contributors

package main

import (
	"bytes"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/gtm-copilot/gtm-copilot/internal/collection"
	"github.com/gtm-copilot/gtm-copilot/internal/server"
	"github.com/gtm-copilot/gtm-copilot/internal/store/memory"
)

// runCLI executes the root command with a fresh global viper and an
// isolated HOME so config bootstrap never touches the real one.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return runCLIWithHome(t, t.TempDir(), args...)
}

func runCLIWithHome(t *testing.T, home string, args ...string) (string, error) {
	t.Helper()
	return execCLI(t, home, strings.NewReader(""), args...)
}

func execCLI(t *testing.T, home string, stdin io.Reader, args ...string) (string, error) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
	t.Setenv("HOME", home)
	t.Chdir(t.TempDir())

	root := NewRootCmd()
	buf := new(bytes.Buffer)
	root.SetIn(stdin)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)

	err := root.Execute()
	return buf.String(), err
}

// startAPI serves a memory-backed API and returns its address.
func startAPI(t *testing.T) string {
	t.Helper()
	mgr := collection.NewManager(memory.NewCatalog(), collection.Options{MergeInterval: time.Hour})
	t.Cleanup(func() { _ = mgr.Close() })

	srv, err := server.New(server.Config{ListenAddr: "127.0.0.1:0", Version: "9.9.9"})
	require.NoError(t, err)
	svc, err := server.NewServices(mgr, server.Info{StorageBackend: "memory", IndexMode: "ann"})
	require.NoError(t, err)
	srv.RegisterServices(svc)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return strings.TrimPrefix(ts.URL, "http://")
}
