// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GTM Copilot Contributors

package store

import (
	"errors"

	cperr "github.com/gtm-copilot/gtm-copilot/pkg/errors"
)

// Sentinel errors for store operations.
// These errors can be checked using errors.Is() for classification.
var (
	// ErrUnsupported indicates the backend cannot serve the request
	// natively (for example a metric the database has no operator for).
	ErrUnsupported = errors.New("unsupported by backend")

	// ErrClosed indicates the store was used after Close.
	ErrClosed = errors.New("store closed")
)

// Unsupported wraps ErrUnsupported with a coded error.
func Unsupported(msg string) error {
	return cperr.Wrap(ErrUnsupported, cperr.CodeStoreSearchUnsupported, msg)
}

// Closed wraps ErrClosed with a coded error.
func Closed() error {
	return cperr.Wrap(ErrClosed, cperr.CodeStoreClosed, "embedding store is closed")
}
