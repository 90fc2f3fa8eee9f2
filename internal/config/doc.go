// Package config loads parley configuration from YAML.
//
// # Example
//
//	server:
//	  http_addr: "localhost:8080"
//
//	database:
//	  path: "~/.local/share/parley/parley.db"
//
//	auth:
//	  jwt_secret: "${PARLEY_JWT_SECRET}"
//	  token_expiry: "168h"
//
//	engine:
//	  model: "doubao-seed-1-6"
//	  api_key: "${ARK_API_KEY}"
//	  call_timeout: "5m"
//	  input_cost_per_mtok: 3.0
//	  output_cost_per_mtok: 15.0
//
//	gateway:
//	  ping_interval: "30s"
//	  write_timeout: "10s"
//
//	logging:
//	  level: "info"
//	  format: "text"
//
// ${VAR} references are expanded from the environment before parsing, and
// duration fields accept Go duration strings. Missing optional fields get
// working defaults; http_addr, database.path, jwt_secret, and engine.model
// are required.
package config
