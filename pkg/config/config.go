// Package config carries the muncher's runtime configuration. Values
// come from flags and MUNCHER_-prefixed environment variables via viper;
// see cmd/cli.
package config

import (
	"fmt"
	"strings"

	"github.com/samber/lo"
	"github.com/spf13/viper"

	"github.com/atgraph/muncher/pkg/changewatcher"
	"github.com/atgraph/muncher/pkg/database/postgresdb"
	"github.com/atgraph/muncher/pkg/dataplane"
	"github.com/atgraph/muncher/pkg/identity"
)

// DefaultStatePath is where the local state store lives when not
// configured.
const DefaultStatePath = "./muncher-state.sqlite"

// Validatable is implemented by config types that can check themselves.
type Validatable interface {
	Validate() error
}

// Config is the full muncher configuration.
type Config struct {
	// DatabaseURL is the connection string of the relational label store.
	DatabaseURL string `mapstructure:"database_url"`
	// DatabaseSchema is the schema namespace for the label table.
	DatabaseSchema string `mapstructure:"database_schema"`
	// LabelerDIDs is the comma-separated list of publisher DIDs to
	// subscribe to.
	LabelerDIDs string `mapstructure:"labeler_dids"`
	// PLCDirectoryURL is the base URL of the PLC identity directory.
	PLCDirectoryURL string `mapstructure:"plc_directory_url"`
	// StatePath is the on-disk file backing the local state store.
	StatePath string `mapstructure:"state_path"`
	// ModServiceDID, when set, marks the trusted moderation service whose
	// !takedown labels are propagated to the dataplane.
	ModServiceDID string `mapstructure:"mod_service_did"`
	// DataplaneURLs is the comma-separated list of dataplane hosts.
	// Required when ModServiceDID is set.
	DataplaneURLs string `mapstructure:"dataplane_urls"`
	// DataplaneHTTPVersion is "1.1" or "2".
	DataplaneHTTPVersion string `mapstructure:"dataplane_http_version"`
	// ChangeFeedURL is the WebSocket endpoint of the change feed.
	ChangeFeedURL string `mapstructure:"change_feed_url"`
}

var _ Validatable = Config{}

// SetDefaults registers the optional keys' defaults on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database_schema", postgresdb.DefaultSchema)
	v.SetDefault("plc_directory_url", identity.DefaultDirectoryURL)
	v.SetDefault("state_path", DefaultStatePath)
	v.SetDefault("dataplane_http_version", dataplane.HTTPVersion11)
	v.SetDefault("change_feed_url", changewatcher.DefaultEndpoint)
}

func splitList(s string) []string {
	parts := lo.Map(strings.Split(s, ","), func(p string, _ int) string {
		return strings.TrimSpace(p)
	})
	return lo.Filter(parts, func(p string, _ int) bool {
		return p != ""
	})
}

// DIDs returns the parsed publisher DID list.
func (c Config) DIDs() []string {
	return splitList(c.LabelerDIDs)
}

// DataplaneHosts returns the parsed dataplane host list.
func (c Config) DataplaneHosts() []string {
	return splitList(c.DataplaneURLs)
}

// Validate checks the configuration. Any error here is fatal at startup.
func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("database_url is required")
	}
	dids := c.DIDs()
	if len(dids) == 0 {
		return fmt.Errorf("labeler_dids must name at least one publisher DID")
	}
	seen := map[string]struct{}{}
	for _, did := range dids {
		if !strings.HasPrefix(did, "did:") {
			return fmt.Errorf("invalid labeler DID %q", did)
		}
		if _, dup := seen[did]; dup {
			return fmt.Errorf("duplicate labeler DID %q", did)
		}
		seen[did] = struct{}{}
	}
	switch c.DataplaneHTTPVersion {
	case dataplane.HTTPVersion11, dataplane.HTTPVersion2:
	default:
		return fmt.Errorf("dataplane_http_version must be %q or %q, got %q",
			dataplane.HTTPVersion11, dataplane.HTTPVersion2, c.DataplaneHTTPVersion)
	}
	if c.ModServiceDID != "" && len(c.DataplaneHosts()) == 0 {
		return fmt.Errorf("dataplane_urls is required when mod_service_did is set")
	}
	return nil
}

// Load unmarshals the process configuration from viper and validates it.
func Load[T Validatable]() (T, error) {
	var out T
	if err := viper.Unmarshal(&out); err != nil {
		return out, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := out.Validate(); err != nil {
		return out, err
	}
	return out, nil
}
