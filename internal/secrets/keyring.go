// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyrelay Contributors

// Package secrets keeps upstream credentials in the OS keyring and resolves
// keyring:// references found in configuration.
package secrets

import (
	"encoding/json"
	"errors"
	"slices"

	"github.com/zalando/go-keyring"

	keyerr "github.com/keyrelay-dev/keyrelay/pkg/errors"
)

// DefaultService is the keyring service keyrelay stores credentials under.
const DefaultService = "keyrelay"

// indexKey names the entry holding a service's JSON list of key names.
// go-keyring cannot enumerate, so List reads this instead.
const indexKey = "__keyrelay_index__"

// Store saves and loads named secrets grouped by service.
type Store interface {
	Set(service, key, value string) error
	// Get returns CodeSecretNotFound when the key is absent.
	Get(service, key string) (string, error)
	// Delete returns CodeSecretNotFound when the key is absent.
	Delete(service, key string) error
	List(service string) ([]string, error)
}

var _ Store = (*Keyring)(nil)

// Keyring is a Store over the platform keyring: Keychain on macOS,
// secret-service on Linux, Credential Manager on Windows.
type Keyring struct{}

func NewKeyring() *Keyring { return &Keyring{} }

func checkName(op, service, key string) error {
	if service == "" {
		return keyerr.Errorf(keyerr.CodeSecretInvalidInput, "secret %s: empty service", op)
	}
	if key == "" || key == indexKey {
		return keyerr.Errorf(keyerr.CodeSecretInvalidInput, "secret %s: invalid key %q", op, key)
	}
	return nil
}

func (k *Keyring) Set(service, key, value string) error {
	if err := checkName("set", service, key); err != nil {
		return err
	}
	if value == "" {
		return keyerr.New(keyerr.CodeSecretInvalidInput, "secret set: empty value")
	}
	if err := keyring.Set(service, key, value); err != nil {
		return keyerr.Wrapf(err, keyerr.CodeSecretStoreFailure, "storing %s/%s", service, key)
	}

	names, err := k.List(service)
	if err != nil {
		return err
	}
	if slices.Contains(names, key) {
		return nil
	}
	return k.writeIndex(service, append(names, key))
}

func (k *Keyring) Get(service, key string) (string, error) {
	if err := checkName("get", service, key); err != nil {
		return "", err
	}
	v, err := keyring.Get(service, key)
	switch {
	case errors.Is(err, keyring.ErrNotFound):
		return "", keyerr.Errorf(keyerr.CodeSecretNotFound, "secret %s/%s not found", service, key)
	case err != nil:
		return "", keyerr.Wrapf(err, keyerr.CodeSecretStoreFailure, "reading %s/%s", service, key)
	}
	return v, nil
}

func (k *Keyring) Delete(service, key string) error {
	if err := checkName("delete", service, key); err != nil {
		return err
	}
	err := keyring.Delete(service, key)
	switch {
	case errors.Is(err, keyring.ErrNotFound):
		return keyerr.Errorf(keyerr.CodeSecretNotFound, "secret %s/%s not found", service, key)
	case err != nil:
		return keyerr.Wrapf(err, keyerr.CodeSecretDeleteFailure, "deleting %s/%s", service, key)
	}

	names, err := k.List(service)
	if err != nil {
		return err
	}
	return k.writeIndex(service, slices.DeleteFunc(names, func(n string) bool { return n == key }))
}

// List returns the key names stored under service in insertion order.
func (k *Keyring) List(service string) ([]string, error) {
	raw, err := keyring.Get(service, indexKey)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, keyerr.Wrapf(err, keyerr.CodeSecretListFailure, "reading key index of %s", service)
	}
	var names []string
	if err := json.Unmarshal([]byte(raw), &names); err != nil {
		return nil, keyerr.Wrapf(err, keyerr.CodeSecretListFailure, "decoding key index of %s", service)
	}
	return names, nil
}

func (k *Keyring) writeIndex(service string, names []string) error {
	if len(names) == 0 {
		if err := keyring.Delete(service, indexKey); err != nil && !errors.Is(err, keyring.ErrNotFound) {
			return keyerr.Wrapf(err, keyerr.CodeSecretListFailure, "clearing key index of %s", service)
		}
		return nil
	}
	data, err := json.Marshal(names)
	if err != nil {
		return keyerr.Wrapf(err, keyerr.CodeSecretListFailure, "encoding key index of %s", service)
	}
	if err := keyring.Set(service, indexKey, string(data)); err != nil {
		return keyerr.Wrapf(err, keyerr.CodeSecretListFailure, "writing key index of %s", service)
	}
	return nil
}
