package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/leasegate/pkg/contracts"
	"github.com/Mindburn-Labs/leasegate/pkg/deploy"
	"github.com/Mindburn-Labs/leasegate/pkg/lease"
	"github.com/Mindburn-Labs/leasegate/pkg/review"
	"github.com/Mindburn-Labs/leasegate/pkg/runtime/sandbox"
	"github.com/Mindburn-Labs/leasegate/pkg/runtime/sentinel"
)

// Policy is the operator-controlled rollout and authorization policy.
type Policy struct {
	Scope    lease.AllowList     `yaml:"scope"`
	Lease    LeasePolicy         `yaml:"lease"`
	Review   review.Config       `yaml:"review"`
	Sandbox  sandbox.Config      `yaml:"sandbox"`
	Sentinel SentinelPolicy      `yaml:"sentinel"`
	Rollout  deploy.Config       `yaml:"rollout"`
	Health   deploy.HealthPolicy `yaml:"health"`
	Keys     []KeyEntry          `yaml:"keys"`
}

// KeyEntry registers a cosigner or operator public key.
type KeyEntry struct {
	KeyID     string `yaml:"key_id"`
	Role      string `yaml:"role"`
	PublicKey string `yaml:"public_key"` // hex
}

// LeasePolicy bounds issued leases.
type LeasePolicy struct {
	// Duration is requested for every approved intent.
	Duration     time.Duration `yaml:"duration"`
	MaxDuration  time.Duration `yaml:"max_duration"`
	MinCosigners int           `yaml:"min_cosigners"`
	LockTTL      time.Duration `yaml:"lock_ttl"`
}

// SentinelPolicy is the global headroom budget and sampling interval.
type SentinelPolicy struct {
	Budget   contracts.ResourceLimits `yaml:"budget"`
	Interval time.Duration            `yaml:"interval"`
}

// LeaseConfig converts the policy into lease service settings.
func (p *Policy) LeaseConfig() lease.Config {
	return lease.Config{
		AllowList:    p.Scope,
		MaxDuration:  p.Lease.MaxDuration,
		MinCosigners: p.Lease.MinCosigners,
	}
}

// DefaultPolicy is a conservative policy for a single Go service tree.
func DefaultPolicy() *Policy {
	return &Policy{
		Scope: lease.AllowList{
			Environments: []string{"staging", contracts.EnvironmentProduction},
			Paths:        []string{"cmd", "internal", "pkg", "docs"},
			Commands: map[string]contracts.CommandRule{
				"go":   {Args: []string{"build", "test", "vet", "-*", "./...", "./*"}},
				"make": {Args: []string{"test", "lint"}},
			},
			MaxLimits: contracts.ResourceLimits{
				CPUSeconds:       600,
				MemoryBytes:      4 << 30,
				DiskBytes:        2 << 30,
				WallClockSeconds: 1800,
			},
		},
		Lease: LeasePolicy{
			Duration:     30 * time.Minute,
			MaxDuration:  2 * time.Hour,
			MinCosigners: 1,
			LockTTL:      30 * time.Second,
		},
		Review: review.Config{
			MaxDiffLines:  500,
			MaxDiffBytes:  1 << 20,
			ReviewTimeout: review.DefaultReviewTimeout,
			ReviewerRate:  5,
			ReviewerBurst: 2,
		},
		Sandbox: sandbox.Config{
			MaxWallClock:   30 * time.Minute,
			MaxOutputBytes: sandbox.DefaultMaxOutputBytes,
		},
		Sentinel: SentinelPolicy{
			Budget: contracts.ResourceLimits{
				CPUSeconds:  3600,
				MemoryBytes: 16 << 30,
				DiskBytes:   20 << 30,
			},
			Interval: sentinel.DefaultInterval,
		},
		Rollout: deploy.Config{
			Tiers:        append([]int(nil), deploy.DefaultTiers...),
			BakeWindow:   deploy.DefaultBakeWindow,
			PollInterval: deploy.DefaultPollInterval,
		},
		Health: deploy.HealthPolicy{
			MaxErrorRate:      0.02,
			MaxLatencyDeltaMs: 150,
			MinQualityScore:   0.9,
		},
	}
}

// LoadPolicy reads a YAML policy from path. Fields the file leaves out keep
// their DefaultPolicy values.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load policy %q: %w", path, err)
	}
	p := DefaultPolicy()
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("parse policy %q: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("policy %q: %w", path, err)
	}
	return p, nil
}

// Validate rejects policies the components cannot run with.
func (p *Policy) Validate() error {
	if len(p.Rollout.Tiers) == 0 {
		return fmt.Errorf("rollout needs at least one tier")
	}
	prev := 0
	for _, t := range p.Rollout.Tiers {
		if t <= prev || t > 100 {
			return fmt.Errorf("rollout tiers must increase within (0, 100], got %v", p.Rollout.Tiers)
		}
		prev = t
	}
	if prev != 100 {
		return fmt.Errorf("last rollout tier must be 100, got %d", prev)
	}
	if p.Lease.MaxDuration > 0 && p.Lease.Duration > p.Lease.MaxDuration {
		return fmt.Errorf("lease duration %s exceeds max_duration %s", p.Lease.Duration, p.Lease.MaxDuration)
	}
	if p.Review.MaxDiffLines < 0 || p.Review.MaxDiffBytes < 0 {
		return fmt.Errorf("review size caps must not be negative")
	}
	if _, err := p.Health.Compile(); err != nil {
		return err
	}
	for _, k := range p.Keys {
		if k.Role != contracts.RoleHuman && k.Role != contracts.RoleAgent {
			return fmt.Errorf("key %q: role must be %s or %s", k.KeyID, contracts.RoleHuman, contracts.RoleAgent)
		}
	}
	return nil
}
