// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GTM Copilot Contributors

// Package secrets stores credentials such as embedding API keys and
// database DSNs outside the config file, and resolves keyring:// references
// to them.
package secrets

// Store provides secret storage operations.
type Store interface {
	Store(service, key, value string) error

	// Retrieve fetches a secret. A missing secret fails with
	// CodeSecretNotFound.
	Retrieve(service, key string) (string, error)

	// Delete removes a secret. A missing secret fails with
	// CodeSecretNotFound.
	Delete(service, key string) error

	List(service string) ([]string, error)
}
