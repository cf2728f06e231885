package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Thresholds are the classifier confidence cut-offs.
type Thresholds struct {
	Clarify   float64 `yaml:"clarify"`
	AutoApply float64 `yaml:"auto_apply"`
}

// HandoffDefaults is the handoff policy a restaurant starts with.
type HandoffDefaults struct {
	UserRequestsHuman bool   `yaml:"user_requests_human" json:"user_requests_human"`
	BusyLinePolicy    string `yaml:"busy_line_policy" json:"busy_line_policy"`
	DefaultNumber     string `yaml:"default_number" json:"default_number"`
}

// HoursDefaults is the business-hours block a restaurant starts with.
type HoursDefaults struct {
	Days      []string `yaml:"days" json:"days"`
	OpenTime  string   `yaml:"open_time" json:"open_time"`
	CloseTime string   `yaml:"close_time" json:"close_time"`
	Timezone  string   `yaml:"timezone" json:"timezone"`
}

// RuntimeDefaults seeds resources that have never been changed.
type RuntimeDefaults struct {
	HandoffPolicy HandoffDefaults `yaml:"handoff_policy"`
	BusinessHours HoursDefaults   `yaml:"business_hours"`
}

// DefaultRuntime returns the stock runtime configuration.
func DefaultRuntime(timezone, transferNumber string) RuntimeDefaults {
	return RuntimeDefaults{
		HandoffPolicy: HandoffDefaults{
			UserRequestsHuman: true,
			BusyLinePolicy:    "transfer",
			DefaultNumber:     transferNumber,
		},
		BusinessHours: HoursDefaults{
			Days:      []string{"mon", "tue", "wed", "thu", "fri", "sat", "sun"},
			OpenTime:  "10:00",
			CloseTime: "22:00",
			Timezone:  timezone,
		},
	}
}

// Profile is the per-tenant configuration loaded from YAML.
type Profile struct {
	TenantID        string          `yaml:"tenant_id"`
	Timezone        string          `yaml:"timezone"`
	Locale          string          `yaml:"locale"`
	PhoneRegion     string          `yaml:"phone_region"`
	Currency        string          `yaml:"currency"`
	Thresholds      Thresholds      `yaml:"thresholds"`
	ConfirmationTTL time.Duration   `yaml:"confirmation_ttl"`
	GuardRules      []string        `yaml:"guard_rules"`
	Defaults        RuntimeDefaults `yaml:"defaults"`
}

// Location resolves the profile timezone.
func (p Profile) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return nil, fmt.Errorf("profile %q: timezone %q: %w", p.TenantID, p.Timezone, err)
	}
	return loc, nil
}

// merge fills zero fields of p from base.
func (p Profile) merge(base Profile) Profile {
	if p.Timezone == "" {
		p.Timezone = base.Timezone
	}
	if p.Locale == "" {
		p.Locale = base.Locale
	}
	if p.PhoneRegion == "" {
		p.PhoneRegion = base.PhoneRegion
	}
	if p.Currency == "" {
		p.Currency = base.Currency
	}
	if p.Thresholds.Clarify == 0 {
		p.Thresholds.Clarify = base.Thresholds.Clarify
	}
	if p.Thresholds.AutoApply == 0 {
		p.Thresholds.AutoApply = base.Thresholds.AutoApply
	}
	if p.ConfirmationTTL == 0 {
		p.ConfirmationTTL = base.ConfirmationTTL
	}
	if p.Defaults.HandoffPolicy.BusyLinePolicy == "" {
		p.Defaults.HandoffPolicy = base.Defaults.HandoffPolicy
	}
	if len(p.Defaults.BusinessHours.Days) == 0 {
		p.Defaults.BusinessHours = base.Defaults.BusinessHours
		p.Defaults.BusinessHours.Timezone = p.Timezone
	}
	return p
}

type profileFile struct {
	Tenants []Profile `yaml:"tenants"`
}

// Profiles resolves tenant profiles, falling back to the base profile.
type Profiles struct {
	mu       sync.RWMutex
	base     Profile
	byTenant map[string]Profile
}

// NewProfiles creates a resolver holding only the base profile.
func NewProfiles(base Profile) *Profiles {
	return &Profiles{base: base, byTenant: make(map[string]Profile)}
}

// LoadProfiles reads a tenant profile YAML file. An empty path yields the base profile only.
func LoadProfiles(path string, base Profile) (*Profiles, error) {
	p := NewProfiles(base)
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied config path
	if err != nil {
		return nil, fmt.Errorf("read profiles: %w", err)
	}
	var file profileFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse profiles %s: %w", path, err)
	}
	for _, t := range file.Tenants {
		if t.TenantID == "" {
			return nil, fmt.Errorf("parse profiles %s: tenant_id is required", path)
		}
		if err := p.Put(t); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Put registers or replaces a tenant profile.
func (p *Profiles) Put(profile Profile) error {
	merged := profile.merge(p.base)
	if _, err := merged.Location(); err != nil {
		return err
	}
	p.mu.Lock()
	p.byTenant[profile.TenantID] = merged
	p.mu.Unlock()
	return nil
}

// Get returns the profile for tenantID.
func (p *Profiles) Get(tenantID string) Profile {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if prof, ok := p.byTenant[tenantID]; ok {
		return prof
	}
	prof := p.base
	prof.TenantID = tenantID
	return prof
}

// Timezone returns the IANA timezone of tenantID.
func (p *Profiles) Timezone(tenantID string) string {
	return p.Get(tenantID).Timezone
}
