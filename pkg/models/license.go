// Package models contains shared data models used across the LUMINA codebase.
package models

import (
	"slices"
	"strings"
	"time"
)

// Status is the lifecycle state of a license.
type Status string

const (
	StatusActive   Status = "active"
	StatusDisabled Status = "disabled"
	StatusExpired  Status = "expired"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusDisabled, StatusExpired:
		return true
	}
	return false
}

// License grants usage of a product, bounded by activation capacity, expiry
// and optional network/machine restrictions. Activations are embedded and kept
// in creation order.
type License struct {
	Key            string       `db:"key"             json:"key"`
	Product        string       `db:"product"         json:"product"`
	Version        string       `db:"version"         json:"version"`
	Customer       string       `db:"customer"        json:"customer"`
	Email          *string      `db:"email"           json:"email"`
	MaxActivations int          `db:"max_activations" json:"max_activations"`
	MachineBinding bool         `db:"machine_binding" json:"machine_binding"`
	IPWhitelist    []string     `db:"ip_whitelist"    json:"ip_whitelist"`
	ExpiryDate     *time.Time   `db:"expiry_date"     json:"expiry_date"`
	Status         Status       `db:"status"          json:"status"`
	CreatedAt      time.Time    `db:"created_at"      json:"created_at"`
	UpdatedAt      time.Time    `db:"updated_at"      json:"updated_at"`
	Activations    []Activation `json:"activations"`
}

// Activation binds a license to a machine (and/or IP) and consumes one slot.
type Activation struct {
	MachineCode       *string    `db:"machine_code"       json:"machine_code"`
	IP                *string    `db:"ip"                 json:"ip"`
	ActivatedAt       time.Time  `db:"activated_at"       json:"activated_at"`
	LastVerified      *time.Time `db:"last_verified"      json:"last_verified"`
	VerificationCount int        `db:"verification_count" json:"verification_count"`
}

// IsExpired reports whether the expiry date lies before now. Perpetual
// licenses never expire.
func (l *License) IsExpired(now time.Time) bool {
	return l.ExpiryDate != nil && now.After(*l.ExpiryDate)
}

// EffectiveStatus derives the status every check must use. A stored
// "disabled" wins over expiry; a past expiry date reads as expired even when
// the stored status says active.
func (l *License) EffectiveStatus(now time.Time) Status {
	switch {
	case l.Status == StatusDisabled:
		return StatusDisabled
	case l.Status == StatusExpired || l.IsExpired(now):
		return StatusExpired
	default:
		return StatusActive
	}
}

// RemainingActivations is the number of free slots, never negative.
func (l *License) RemainingActivations() int {
	if n := l.MaxActivations - len(l.Activations); n > 0 {
		return n
	}
	return 0
}

// IPAllowed reports whether ip may use the license. An empty whitelist allows
// every address, including an unknown one.
func (l *License) IPAllowed(ip string) bool {
	if len(l.IPWhitelist) == 0 {
		return true
	}
	return ip != "" && slices.Contains(l.IPWhitelist, ip)
}

// FindActivation returns the index of the activation bound to machineCode,
// or -1. An empty machineCode finds the anonymous slot.
func (l *License) FindActivation(machineCode string) int {
	for i, a := range l.Activations {
		if a.Code() == machineCode {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy so callers can mutate it without aliasing store
// state.
func (l *License) Clone() *License {
	c := *l
	c.Email = clonePtr(l.Email)
	c.ExpiryDate = clonePtr(l.ExpiryDate)
	c.IPWhitelist = slices.Clone(l.IPWhitelist)
	if l.Activations != nil {
		c.Activations = make([]Activation, len(l.Activations))
		for i, a := range l.Activations {
			c.Activations[i] = a.Clone()
		}
	}
	return &c
}

// Normalize replaces nil collections with empty ones so the record encodes
// as [] instead of null.
func (l *License) Normalize() {
	if l.IPWhitelist == nil {
		l.IPWhitelist = []string{}
	}
	if l.Activations == nil {
		l.Activations = []Activation{}
	}
}

// Code returns the machine code or "" for an anonymous activation.
func (a Activation) Code() string {
	if a.MachineCode == nil {
		return ""
	}
	return *a.MachineCode
}

func (a Activation) Clone() Activation {
	a.MachineCode = clonePtr(a.MachineCode)
	a.IP = clonePtr(a.IP)
	a.LastVerified = clonePtr(a.LastVerified)
	return a
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// MaskKey hides most of a license key for logs and CLI output:
// LS-2026-ABCDEFGHJKLMNPQR becomes LS-2026-ABCD************.
func MaskKey(key string) string {
	const shown = 4
	if len(key) <= 2*shown {
		return key
	}
	if parts := strings.Split(key, "-"); len(parts) == 3 && len(parts[2]) > shown {
		code := parts[2]
		return parts[0] + "-" + parts[1] + "-" + code[:shown] + strings.Repeat("*", len(code)-shown)
	}
	return key[:shown] + strings.Repeat("*", len(key)-2*shown) + key[len(key)-shown:]
}
