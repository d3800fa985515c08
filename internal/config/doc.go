// Package config handles configuration loading for opsrelay.
//
// # Coordinator
//
// The gateway reads a YAML file. Values can reference environment variables
// with ${VAR_NAME}; unset variables expand to the empty string:
//
//	auth:
//	  jwt_secret: "${OPSRELAY_JWT_SECRET}"
//
// Durations use time.ParseDuration syntax and are parsed after the YAML is
// decoded:
//
//	server:
//	  grpc_addr: "0.0.0.0:50051"
//	  http_addr: "0.0.0.0:8080"
//
//	database:
//	  path: "/var/lib/opsrelay/gateway.db"
//
//	auth:
//	  jwt_secret: "${OPSRELAY_JWT_SECRET}"
//	  require_signed_envelopes: true
//	  agent_keys:
//	    laptop: "ssh-ed25519 AAAA..."
//	  confirm_devices: ["phone"]
//
//	commands:
//	  default_timeout: "300s"
//	  max_timeout: "30m"
//	  default_max_retries: 1
//	  retry_base: "1s"
//	  confirm_timeout: "60s"
//	  dispatch_grace: "30s"
//	  offline_policy: "keep_pending"   # or fail
//
//	agents:
//	  heartbeat_timeout: "30s"
//
//	tailscale:
//	  enabled: false
//	  hostname: "opsrelay"
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Agent
//
// The agent starts from DefaultAgent, then applies a TOML file (--config),
// then OPSRELAY_* environment variables, then flags that were set on the
// command line. Each setting has the same name in every source: the TOML key
// heartbeat_interval is OPSRELAY_HEARTBEAT_INTERVAL and --heartbeat-interval.
package config
