// Package appid loads the restql application identity. The identity file
// embedded in the binary is used when no external .fulmen/app.yaml is found;
// FULMEN_APP_IDENTITY_PATH still takes precedence.
package appid

import (
	"context"
	_ "embed"
	"strings"

	"github.com/fulmenhq/gofulmen/appidentity"
)

// Fallbacks used when no identity can be loaded at all.
const (
	DefaultBinaryName = "restql"
	DefaultEnvPrefix  = "RESTQL_"
	DefaultConfigName = "restql"
)

//go:embed app.yaml
var embedded []byte

func init() {
	_ = appidentity.RegisterEmbeddedIdentityYAML(embedded)
}

// Embedded returns the identity YAML compiled into the binary.
func Embedded() []byte {
	return embedded
}

// Get returns the resolved identity.
func Get(ctx context.Context) (*appidentity.Identity, error) {
	return appidentity.Get(ctx)
}

// Names is the subset of the identity the gateway keys its files and
// environment on.
type Names struct {
	BinaryName string
	EnvPrefix  string // always ends in "_"
	ConfigName string
}

// Resolve returns the identity names, falling back to the defaults for any
// field the identity leaves empty or when it cannot be loaded.
func Resolve(ctx context.Context) Names {
	names := Names{
		BinaryName: DefaultBinaryName,
		EnvPrefix:  DefaultEnvPrefix,
		ConfigName: DefaultConfigName,
	}
	identity, err := Get(ctx)
	if err != nil || identity == nil {
		return names
	}
	if v := strings.TrimSpace(identity.BinaryName); v != "" {
		names.BinaryName = v
	}
	if v := strings.TrimSpace(identity.EnvPrefix); v != "" {
		if !strings.HasSuffix(v, "_") {
			v += "_"
		}
		names.EnvPrefix = v
	}
	if v := strings.TrimSpace(identity.ConfigName); v != "" {
		names.ConfigName = v
	}
	return names
}
