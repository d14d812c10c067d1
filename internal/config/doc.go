// Package config handles configuration loading for atlasbridge.
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
//	auth:
//	  jwt_secret: "${ATLASBRIDGE_JWT_SECRET}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	registry:
//	  ttl: "4h"
//	  sweep_interval: "5m"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server and listener settings:
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//	tailscale:
//	  enabled: false
//
// Storage:
//
//	database:
//	  path: "./atlasbridge.db"
//
// Agent control plane:
//
//	agent:
//	  inject_url: "http://127.0.0.1:9000"
//	  timeout: "10s"
//
// Known sessions and their allowlists:
//
//	sessions:
//	  - id: "sess-1"
//	    allowed_users: ["telegram:42"]
//	    blocked_patterns: ["rm -rf"]
//
// Chat channels:
//
//	channels:
//	  telegram:
//	    enabled: true
//	    bot_token: "${TELEGRAM_BOT_TOKEN}"
package config
