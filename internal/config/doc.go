// Package config handles configuration loading for warden-gateway.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	vault:
//	  encryption_key: "${WARDEN_VAULT_KEY}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	vault:
//	  refresh_grace: "5m"
//	flows:
//	  state_ttl: "10m"
//
// # Defaults
//
// Unset fields fall back to defaults: 24h session lifetime, a 5m credential
// refresh grace window, 50 conversation memory entries per principal, and a
// 10m flow state lifetime.
package config
