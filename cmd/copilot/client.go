// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GTM Copilot Contributors

package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	cperr "github.com/gtm-copilot/gtm-copilot/pkg/errors"
)

// defaultHTTPClient is shared by the client commands. Tests point
// commands at an httptest server through --address instead.
var defaultHTTPClient = &http.Client{
	Timeout: 30 * time.Second,
}

// apiClient talks to a running copilot API server.
type apiClient struct {
	baseURL string
	http    *http.Client
}

// newAPIClient targets a host:port address or a full base URL.
func newAPIClient(addr string) *apiClient {
	base := addr
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &apiClient{
		baseURL: strings.TrimRight(base, "/"),
		http:    defaultHTTPClient,
	}
}

// problem is the RFC 9457 body the server returns on errors.
type problem struct {
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail"`
	Code   string `json:"code"`
	Errors []struct {
		Location string `json:"location"`
		Value    any    `json:"value"`
		Message  string `json:"message"`
	} `json:"errors"`
}

func (p problem) code() cperr.Code {
	if p.Code != "" {
		return cperr.Code(p.Code)
	}
	for _, e := range p.Errors {
		if s, ok := e.Value.(string); ok && e.Location == "code" {
			return cperr.Code(s)
		}
	}
	return cperr.CodeCLIRequestFailure
}

func (c *apiClient) getJSON(path string, dest any) error {
	return c.do(http.MethodGet, path, nil, dest)
}

func (c *apiClient) postJSON(path string, body, dest any) error {
	return c.do(http.MethodPost, path, body, dest)
}

func (c *apiClient) delete(path string, dest any) error {
	return c.do(http.MethodDelete, path, nil, dest)
}

// do sends body as JSON and decodes a 2xx response into dest (when not
// nil). Error responses come back carrying the server's error code.
func (c *apiClient) do(method, path string, body, dest any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return cperr.Errorf(cperr.CodeCLIInputInvalid, "encoding request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return cperr.Errorf(cperr.CodeCLIRequestFailure, "building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if isDialError(err) {
			return cperr.Errorf(cperr.CodeCLIServerNotRunning, "server at %s is not running (connection refused)", c.baseURL)
		}
		return cperr.Errorf(cperr.CodeCLIRequestFailure, "request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		var p problem
		if json.Unmarshal(raw, &p) != nil || (p.Detail == "" && p.Title == "") {
			return cperr.Errorf(cperr.CodeCLIRequestFailure, "server returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
		}
		msg := p.Detail
		if msg == "" {
			msg = p.Title
		}
		return cperr.New(p.code(), fmt.Sprintf("%s (status %d)", msg, resp.StatusCode))
	}

	if dest == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return cperr.Errorf(cperr.CodeCLIResponseInvalid, "invalid response: %w", err)
	}
	return nil
}

// isDialError reports whether err is a failure to connect.
func isDialError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Op == "dial"
	}
	return false
}

// collectionPath builds /collections/{name}[/parts...] with escaping.
func collectionPath(name string, parts ...string) string {
	var b strings.Builder
	b.WriteString("/collections/")
	b.WriteString(url.PathEscape(name))
	for _, p := range parts {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(p))
	}
	return b.String()
}
