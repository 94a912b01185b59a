package config

import (
	"fmt"

	"github.com/goftpd/goftpd/pkg/ftp/server/commands"
	"github.com/goftpd/goftpd/pkg/ftp/wire"
)

// ConnectionMode maps Server.Mode onto commands.ConnectionMode.
func (c ServerConfig) ConnectionMode() (commands.ConnectionMode, error) {
	switch c.Mode {
	case "per-connection":
		return commands.PerConnectionBind, nil
	case "pooled":
		return commands.Pooled, nil
	case "proxy":
		return commands.Proxy, nil
	default:
		return 0, fmt.Errorf("config: unknown server mode %q", c.Mode)
	}
}

// ActivePassiveModeValue maps Server.ActivePassiveMode onto
// commands.ActivePassiveMode.
func (c ServerConfig) ActivePassiveModeValue() (commands.ActivePassiveMode, error) {
	switch c.ActivePassiveMode {
	case "both":
		return commands.Both, nil
	case "active-only":
		return commands.ActiveOnly, nil
	case "passive-only":
		return commands.PassiveOnly, nil
	default:
		return 0, fmt.Errorf("config: unknown active/passive mode %q", c.ActivePassiveMode)
	}
}

// SiteMD5Policy maps Server.SiteMD5 onto commands.SiteMD5Policy.
func (c ServerConfig) SiteMD5Policy() (commands.SiteMD5Policy, error) {
	switch c.SiteMD5 {
	case "disabled":
		return commands.SiteMD5Disabled, nil
	case "accounts":
		return commands.SiteMD5Accounts, nil
	case "all-users":
		return commands.SiteMD5AllUsers, nil
	default:
		return 0, fmt.Errorf("config: unknown site_md5 policy %q", c.SiteMD5)
	}
}

// LineMode maps Server.StrictLineEndings onto wire.StrictMode.
func (c ServerConfig) LineMode() wire.StrictMode {
	if c.StrictLineEndings {
		return wire.Strict
	}
	return wire.Lenient
}

// FTPSRequirement maps TLS.RequireData onto commands.FTPSRequirement.
func (c TLSConfig) FTPSRequirement() (commands.FTPSRequirement, error) {
	switch c.RequireData {
	case "", "none":
		return commands.FTPSNone, nil
	case "all":
		return commands.FTPSAll, nil
	case "accept-anonymous":
		return commands.FTPSAcceptAnonymous, nil
	default:
		return 0, fmt.Errorf("config: unknown tls.require_data %q", c.RequireData)
	}
}
