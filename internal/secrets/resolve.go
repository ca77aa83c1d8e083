// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GTM Copilot Contributors

package secrets

import (
	"slices"
	"strings"

	"github.com/spf13/viper"

	cperr "github.com/gtm-copilot/gtm-copilot/pkg/errors"
)

const keyringScheme = "keyring://"

// DefaultService is the keyring service the CLI stores secrets under.
const DefaultService = "gtm-copilot"

// IsKeyringURI reports whether value uses the keyring:// URI scheme.
func IsKeyringURI(value string) bool {
	return strings.HasPrefix(value, keyringScheme)
}

// ParseKeyringURI extracts service and key from a keyring://service/key URI.
func ParseKeyringURI(uri string) (service, key string, err error) {
	if !IsKeyringURI(uri) {
		return "", "", cperr.Errorf(cperr.CodeSecretURIInvalid, "not a keyring URI: %q", uri)
	}

	path := strings.TrimPrefix(uri, keyringScheme)
	service, key, ok := strings.Cut(path, "/")
	if !ok || service == "" || key == "" {
		return "", "", cperr.Errorf(cperr.CodeSecretURIInvalid,
			"invalid keyring URI %q: expected keyring://service/key", uri)
	}
	return service, key, nil
}

// ResolveKeyringURI resolves a single keyring:// URI to its secret value.
// Returns the original value unchanged if it is not a keyring URI.
func ResolveKeyringURI(store Store, value string) (string, error) {
	if !IsKeyringURI(value) {
		return value, nil
	}

	service, key, err := ParseKeyringURI(value)
	if err != nil {
		return "", err
	}

	secret, err := store.Retrieve(service, key)
	if err != nil {
		return "", cperr.Wrapf(err, cperr.CodeSecretResolveFailure,
			"resolving keyring URI %q", value)
	}
	return secret, nil
}

// ResolveViperSecrets replaces every keyring:// string value in v with the
// secret it names. It runs after loading, before unmarshalling. Every key
// that fails to resolve is reported.
func ResolveViperSecrets(v *viper.Viper, store Store) error {
	keys := v.AllKeys()
	slices.Sort(keys)

	var errs []error
	for _, key := range keys {
		val := v.GetString(key)
		if !IsKeyringURI(val) {
			continue
		}

		resolved, err := ResolveKeyringURI(store, val)
		if err != nil {
			errs = append(errs, cperr.Wrapf(err, cperr.CodeConfigKeyringFailure,
				"config key %s: cannot resolve %s", key, val))
			continue
		}
		v.Set(key, resolved)
	}
	return cperr.Join(errs...)
}
