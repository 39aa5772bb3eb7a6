package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// SiteProfile is a per-deployment-site configuration overlay. Fleets that
// span sites with different storage and throttling requirements keep one
// profile_<site>.yaml per site next to the policy bundles.
type SiteProfile struct {
	Name       string           `yaml:"name" json:"name"`
	Code       string           `yaml:"code" json:"code"`
	Quarantine QuarantineConfig `yaml:"quarantine" json:"quarantine"`
	Dispatch   DispatchConfig   `yaml:"dispatch" json:"dispatch"`
	Retention  RetentionConfig  `yaml:"retention" json:"retention"`
}

// QuarantineConfig selects the quarantine backend for a site.
type QuarantineConfig struct {
	StorageType string `yaml:"storage_type" json:"storage_type"` // "fs" | "s3" | "gcs"
	Bucket      string `yaml:"bucket,omitempty" json:"bucket,omitempty"`
	Region      string `yaml:"region,omitempty" json:"region,omitempty"`
	Endpoint    string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
}

// DispatchConfig throttles outbound remediation traffic per site.
type DispatchConfig struct {
	TicketRPM   int  `yaml:"ticket_rpm" json:"ticket_rpm"`
	NotifyRPM   int  `yaml:"notify_rpm" json:"notify_rpm"`
	Burst       int  `yaml:"burst" json:"burst"`
	NotifyOnly  bool `yaml:"notify_only,omitempty" json:"notify_only,omitempty"`
	MaxAttempts int  `yaml:"max_attempts,omitempty" json:"max_attempts,omitempty"`
}

// RetentionConfig bounds how long verdicts and audit events are kept.
type RetentionConfig struct {
	VerdictDays  int `yaml:"verdict_days" json:"verdict_days"`
	AuditLogDays int `yaml:"audit_log_days" json:"audit_log_days"`
}

// LoadProfile loads profile_<code>.yaml from the profiles directory.
func LoadProfile(profilesDir, code string) (*SiteProfile, error) {
	code = strings.ToLower(code)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", code))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", code, err)
	}

	var profile SiteProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", code, err)
	}
	if profile.Code == "" {
		profile.Code = code
	}
	return &profile, nil
}

// LoadAllProfiles loads every profile_*.yaml in the profiles directory,
// keyed by site code.
func LoadAllProfiles(profilesDir string) (map[string]*SiteProfile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*SiteProfile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		var profile SiteProfile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if profile.Code == "" {
			base := filepath.Base(path)
			profile.Code = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}
		profiles[profile.Code] = &profile
	}
	return profiles, nil
}
