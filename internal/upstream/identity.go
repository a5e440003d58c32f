package upstream

import (
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed identities.yaml
var embeddedIdentities []byte

// Identity is a browser header bundle presented to the upstream service.
type Identity struct {
	Name           string            `yaml:"name"`
	UserAgent      string            `yaml:"user_agent"`
	AcceptLanguage string            `yaml:"accept_language"`
	Headers        map[string]string `yaml:"headers"`
}

// Apply sets the identity headers on h.
func (id Identity) Apply(h http.Header) {
	h.Set("User-Agent", id.UserAgent)
	if id.AcceptLanguage != "" {
		h.Set("Accept-Language", id.AcceptLanguage)
	}
	for k, v := range id.Headers {
		h.Set(k, v)
	}
}

// LoadIdentitiesFromBytes parses a YAML identity list.
func LoadIdentitiesFromBytes(data []byte) ([]Identity, error) {
	var ids []Identity
	if err := yaml.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("parsing identities: %w", err)
	}
	valid := ids[:0]
	for _, id := range ids {
		if id.UserAgent != "" {
			valid = append(valid, id)
		}
	}
	if len(valid) == 0 {
		return nil, errors.New("identity list contains no user agents")
	}
	return valid, nil
}

// LoadIdentities reads an identity list from a YAML file.
func LoadIdentities(path string) ([]Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading identities file: %w", err)
	}
	return LoadIdentitiesFromBytes(data)
}

// LoadIdentityPool tries the file at path first (when set), then the
// embedded pool.
func LoadIdentityPool(path string) ([]Identity, error) {
	if path != "" {
		ids, err := LoadIdentities(path)
		if err == nil {
			slog.Info("Loaded browser identities from file", "path", path, "count", len(ids))
			return ids, nil
		}
		slog.Warn("Failed to load identities file, using embedded pool", "path", path, "error", err)
	}
	ids, err := LoadIdentitiesFromBytes(embeddedIdentities)
	if err != nil {
		return nil, fmt.Errorf("embedded identities: %w", err)
	}
	return ids, nil
}
