// Package config handles configuration loading for coven-sidecar.
//
// # Overview
//
// Configuration is an optional YAML file layered over Default(). Command-line
// flags are applied on top by cmd/coven-sidecar.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  callback_secret: "${COVEN_CALLBACK_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax and must be positive:
//
//	agent:
//	  start_timeout: "30s"
//	permissions:
//	  timeout: "1m"
//
// # Configuration Sections
//
//	server:
//	  addr: "127.0.0.1:0"            # port 0 picks a free port
//	  public_url: ""                 # base URL the agent calls back on
//
//	agent:
//	  mock: false
//	  command: "coven-agent"
//	  args: []
//	  env: []
//	  start_timeout: "30s"
//	  request_timeout: "30s"
//
//	host:
//	  callback_url: "http://127.0.0.1:9000/tool-callback"
//	  timeout: "60s"
//
//	permissions:
//	  timeout: "60s"
//	  defaults:
//	    read: allow
//	    write: ask
//	    shell: deny
//
//	tools:
//	  - name: run_build
//	    description: "Run the project build"
//	    category: shell
//	    requires_approval: true
//	    timeout: "5m"
//
//	stream:
//	  buffer_size: 256
//	  heartbeat_interval: "15s"
//
//	auth:
//	  callback_secret: ""            # empty disables callback tokens
//	  token_ttl: "24h"
//
//	database:
//	  path: ""                       # empty disables the ledger
//
//	logging:
//	  level: "info"                  # debug, info, warn, error
//	  format: "text"                 # text, json
//
//	metrics:
//	  enabled: true
//	  path: "/metrics"
package config
