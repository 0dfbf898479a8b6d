package pipeline

import (
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

// Export serializes a pipeline definition to YAML for backup or sharing.
// Identity fields that belong to the owning account are not exported.
func Export(p *Pipeline) ([]byte, error) {
	out := *p
	out.SchemaVersion = SchemaVersion
	data, err := yaml.Marshal(&out)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal pipeline: %w", err)
	}
	return data, nil
}

// Import parses a YAML pipeline definition, checks its schema version for
// compatibility and validates the result.
func Import(data []byte) (*Pipeline, error) {
	var p Pipeline
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse pipeline definition: %w", err)
	}

	if err := CheckSchemaVersion(p.SchemaVersion); err != nil {
		return nil, err
	}
	p.SchemaVersion = SchemaVersion

	if p.ApprovalTTL == 0 {
		p.ApprovalTTL = 5 * time.Minute
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// CheckSchemaVersion verifies that a definition's schema version can be
// handled by this engine version.
func CheckSchemaVersion(version string) error {
	if version == "" {
		return fmt.Errorf("missing schema version")
	}

	current, err := parseVersion(version)
	if err != nil {
		return fmt.Errorf("invalid schema version: %s", version)
	}
	target, err := parseVersion(SchemaVersion)
	if err != nil {
		return fmt.Errorf("invalid target schema version: %s", SchemaVersion)
	}

	if current.GreaterThan(target) {
		return fmt.Errorf("pipeline schema version %s is newer than supported version %s",
			version, SchemaVersion)
	}
	return nil
}

// parseVersion tolerates short versions like "1.0"
func parseVersion(v string) (*semver.Version, error) {
	parsed, err := semver.NewVersion(v)
	if err == nil {
		return parsed, nil
	}
	return semver.NewVersion(v + ".0")
}
