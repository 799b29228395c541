/*
Package instance provides the identity of this netcertd installation.

The identity is a human-readable name (used in certificate subjects and
network labels) plus a stable UUID generated on first run and persisted in
the data directory.
*/
package instance

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

const fileName = "instance.yml"

// Identity names this installation.
type Identity struct {
	Name string `yaml:"name"`
	ID   string `yaml:"id"`
}

// Load reads the persisted identity from dataDir, creating it on first run.
// A non-empty name overrides the stored one (and is persisted); an empty name
// on first run falls back to the hostname.
func Load(dataDir, name string) (Identity, error) {
	path := filepath.Join(dataDir, fileName)

	var id Identity
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &id); err != nil {
			return id, fmt.Errorf("parse instance file %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return id, fmt.Errorf("read instance file %s: %w", path, err)
	}

	dirty := false
	if id.ID == "" {
		id.ID = uuid.NewString()
		dirty = true
	}
	if name = strings.TrimSpace(name); name != "" && name != id.Name {
		id.Name = name
		dirty = true
	}
	if id.Name == "" {
		id.Name = hostname()
		dirty = true
	}

	if !dirty {
		return id, nil
	}

	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return id, fmt.Errorf("create data dir %s: %w", dataDir, err)
	}
	out, err := yaml.Marshal(id)
	if err != nil {
		return id, fmt.Errorf("marshal instance identity: %w", err)
	}
	if err := os.WriteFile(path, out, 0o644); err != nil { //nolint:gosec // identity is not secret
		return id, fmt.Errorf("write instance file %s: %w", path, err)
	}
	return id, nil
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "netcertd"
	}
	// Drop the domain part; labels read better with the short name.
	if i := strings.IndexByte(h, '.'); i > 0 {
		h = h[:i]
	}
	return h
}
