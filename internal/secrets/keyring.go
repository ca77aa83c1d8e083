// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GTM Copilot Contributors

package secrets

import (
	"encoding/json"
	"errors"
	"log/slog"
	"slices"

	"github.com/zalando/go-keyring"

	cperr "github.com/gtm-copilot/gtm-copilot/pkg/errors"
)

// indexKey names the entry holding the JSON list of a service's keys, since
// go-keyring cannot enumerate.
const indexKey = "::keys-index"

// KeyringStore implements Store on the OS keyring (macOS Keychain, Linux
// secret-service, Windows Credential Manager).
type KeyringStore struct{}

func NewKeyringStore() *KeyringStore {
	return &KeyringStore{}
}

func checkNames(op, service, key string) error {
	if service == "" {
		return cperr.New(cperr.CodeSecretInvalidInput, "secret "+op+": service must not be empty")
	}
	if key == "" {
		return cperr.New(cperr.CodeSecretInvalidInput, "secret "+op+": key must not be empty")
	}
	return nil
}

func (s *KeyringStore) Store(service, key, value string) error {
	if err := checkNames("store", service, key); err != nil {
		return err
	}
	if err := keyring.Set(service, key, value); err != nil {
		return cperr.Wrapf(err, cperr.CodeSecretStoreFailure, "storing secret %s/%s", service, key)
	}
	return s.updateIndex(service, func(keys []string) []string {
		if slices.Contains(keys, key) {
			return keys
		}
		return append(keys, key)
	})
}

func (s *KeyringStore) Retrieve(service, key string) (string, error) {
	if err := checkNames("retrieve", service, key); err != nil {
		return "", err
	}
	val, err := keyring.Get(service, key)
	switch {
	case errors.Is(err, keyring.ErrNotFound):
		return "", cperr.Errorf(cperr.CodeSecretNotFound, "secret %s/%s not found", service, key)
	case err != nil:
		return "", cperr.Wrapf(err, cperr.CodeSecretStoreFailure, "retrieving secret %s/%s", service, key)
	}
	return val, nil
}

func (s *KeyringStore) Delete(service, key string) error {
	if err := checkNames("delete", service, key); err != nil {
		return err
	}
	err := keyring.Delete(service, key)
	switch {
	case errors.Is(err, keyring.ErrNotFound):
		return cperr.Errorf(cperr.CodeSecretNotFound, "secret %s/%s not found", service, key)
	case err != nil:
		return cperr.Wrapf(err, cperr.CodeSecretDeleteFailure, "deleting secret %s/%s", service, key)
	}
	return s.updateIndex(service, func(keys []string) []string {
		return slices.DeleteFunc(keys, func(k string) bool { return k == key })
	})
}

// List returns the keys stored under service in sorted order.
func (s *KeyringStore) List(service string) ([]string, error) {
	keys, err := s.loadIndex(service)
	if err != nil {
		return nil, err
	}
	slices.Sort(keys)
	return keys, nil
}

func (s *KeyringStore) loadIndex(service string) ([]string, error) {
	raw, err := keyring.Get(service, service+indexKey)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, cperr.Wrapf(err, cperr.CodeSecretListFailure, "loading key index for service %s", service)
	}

	var keys []string
	if err := json.Unmarshal([]byte(raw), &keys); err != nil {
		return nil, cperr.Wrapf(err, cperr.CodeSecretListFailure, "decoding key index for service %s", service)
	}
	return keys, nil
}

func (s *KeyringStore) updateIndex(service string, update func([]string) []string) error {
	keys, err := s.loadIndex(service)
	if err != nil {
		return err
	}
	keys = update(keys)

	if len(keys) == 0 {
		if err := keyring.Delete(service, service+indexKey); err != nil && !errors.Is(err, keyring.ErrNotFound) {
			slog.Debug("failed to clean up empty key index", "service", service, "error", err)
		}
		return nil
	}

	data, err := json.Marshal(keys)
	if err != nil {
		return cperr.Wrapf(err, cperr.CodeSecretListFailure, "encoding key index for service %s", service)
	}
	if err := keyring.Set(service, service+indexKey, string(data)); err != nil {
		return cperr.Wrapf(err, cperr.CodeSecretListFailure, "saving key index for service %s", service)
	}
	return nil
}
