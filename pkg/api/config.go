package api

import (
	"fmt"

	"github.com/ghodss/yaml"
	"k8s.io/apimachinery/pkg/api/resource"
)

const (
	// DefaultCertValidityDays is the lifetime of issued certificates.
	DefaultCertValidityDays = 3 * 365
	// DefaultRotationThresholdDays is how close to expiry a certificate
	// may get before it is reissued. Transport certificate expiry would
	// break inter-node communication, so this is deliberately generous.
	DefaultRotationThresholdDays = 7
)

// ReadConfigYaml parses a config.yaml document into a defaulted and
// validated ClusterConfig.
func ReadConfigYaml(raw []byte) (*ClusterConfig, error) {
	cfg := &ClusterConfig{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("could not parse cluster config: %w", err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SetDefaults fills zero values that have built-in defaults.
func (c *ClusterConfig) SetDefaults() {
	if c.TLS.ValidityDays == 0 {
		c.TLS.ValidityDays = DefaultCertValidityDays
	}
	if c.TLS.RotationThresholdDays == 0 {
		c.TLS.RotationThresholdDays = DefaultRotationThresholdDays
	}
	if c.Backup != nil && c.Backup.Retention.RetentionType == "" {
		c.Backup.Retention.RetentionType = RetentionTypeNone
	}
}

// Validate returns an error describing the first problem found.
func (c *ClusterConfig) Validate() error {
	if c.ClusterName == "" {
		return fmt.Errorf("clusterName must not be empty")
	}
	if c.Replicas < 0 {
		return fmt.Errorf("replicas must not be negative, got [%d]", c.Replicas)
	}
	if c.Image == "" {
		return fmt.Errorf("image must not be empty")
	}
	if c.Storage.Size == "" {
		return fmt.Errorf("storage.size must not be empty")
	}
	if _, err := resource.ParseQuantity(c.Storage.Size); err != nil {
		return fmt.Errorf("storage.size [%s] is not a valid quantity: %w", c.Storage.Size, err)
	}
	seen := map[string]bool{}
	for _, r := range c.ClientRelations {
		if r.Name == "" {
			return fmt.Errorf("clientRelations entries must be named")
		}
		if seen[r.Name] {
			return fmt.Errorf("duplicate client relation [%s]", r.Name)
		}
		seen[r.Name] = true
	}
	remotes := map[string]bool{}
	for _, r := range c.RemoteClusters {
		if r.Name == "" {
			return fmt.Errorf("remoteClusters entries must be named")
		}
		if remotes[r.Name] {
			return fmt.Errorf("duplicate remote cluster [%s]", r.Name)
		}
		remotes[r.Name] = true
		if len(r.Seeds) == 0 {
			return fmt.Errorf("remote cluster [%s] needs at least one seed", r.Name)
		}
	}
	if c.Backup != nil {
		if err := c.Backup.validate(); err != nil {
			return err
		}
	}
	return nil
}

func (b *BackupConfig) validate() error {
	if b.Repository == "" {
		return fmt.Errorf("backup.repository must not be empty")
	}
	if b.Bucket == "" {
		return fmt.Errorf("backup.bucket must not be empty")
	}
	switch b.Retention.RetentionType {
	case RetentionTypeNone:
	case RetentionTypeNumber:
		if b.Retention.RetentionNumber == nil || b.Retention.RetentionNumber.MaxNumberOfSnapshots < 1 {
			return fmt.Errorf("retentionNumber.maxNumberOfSnapshots must be at least 1")
		}
	case RetentionTypeSize:
		if b.Retention.RetentionSize == nil || b.Retention.RetentionSize.MaxSizeOfSnapshotsGb < 1 {
			return fmt.Errorf("retentionSize.maxSizeOfSnapshotsGb must be at least 1")
		}
	default:
		return fmt.Errorf("unknown retention type [%s]", b.Retention.RetentionType)
	}
	return nil
}
