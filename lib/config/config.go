// Package config defines the external, typed configuration surface
// spec.md §6 describes. It parses nothing itself — an external loader
// (main.go's flag set, or eventually a file/telnet front-end outside
// this repo's scope) populates a Config value and hands it to
// lib/core.Core.ApplyConfig.
package config

import (
	"time"

	"olsrv2d/lib/address"
	"olsrv2d/lib/domain"
	"olsrv2d/lib/iface"
)

// InterfaceConfig mirrors spec.md §6's per-interface configuration row,
// keyed by OS interface name (or iface.WildcardName for the default
// section).
type InterfaceConfig struct {
	FloodV4, FloodV6 bool
	RefreshInterval  time.Duration
	HelloValidity    time.Duration
	LinkHoldTime     time.Duration
	NeighborHoldTime time.Duration
	AddrHoldTime     time.Duration
	ACL              iface.ACL
}

// AsIfaceConfig converts c into the iface.Config for the interface name.
func (c InterfaceConfig) AsIfaceConfig(name string) iface.Config {
	return iface.Config{
		Name:             name,
		FloodV4:          c.FloodV4,
		FloodV6:          c.FloodV6,
		RefreshInterval:  c.RefreshInterval,
		HelloValidity:    c.HelloValidity,
		LinkHoldTime:     c.LinkHoldTime,
		NeighborHoldTime: c.NeighborHoldTime,
		AddrHoldTime:     c.AddrHoldTime,
		ACL:              c.ACL,
	}
}

// DomainConfig mirrors spec.md §6's per-domain row: the willingness this
// node advertises for a domain.
type DomainConfig struct {
	Willingness uint8
}

// Config is the top-level configuration surface, mirroring spec.md §6's
// table 1:1.
type Config struct {
	OriginatorV4, OriginatorV6 *address.Address
	OriginatorHoldTime         time.Duration

	TCInterval time.Duration
	TCValidity time.Duration

	// Interfaces is keyed by OS interface name, with iface.WildcardName
	// ("*") as the default section applied to any interface not named
	// explicitly (spec.md §3 "Wildcard config").
	Interfaces map[string]InterfaceConfig

	// Domains is keyed by the domain's wire extension byte; domain 0
	// (ext 0) need not be listed explicitly to take its willingness.
	Domains map[domain.ExtensionByte]DomainConfig
}
