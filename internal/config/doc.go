// Package config handles configuration loading for coven-relay.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from COVEN_RELAY_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/relay.yaml
//  3. ~/.config/coven/relay.yaml
//
// When none exists the relay runs from defaults and environment variables.
//
// # Environment Variables
//
// Values can reference the environment:
//
//	providers:
//	  deepseek:
//	    api_key: "${DEEPSEEK_API_KEY}"
//
// The flat variables DEEPSEEK_API_KEY, DEEPSEEK_BASE_URL, DEEPSEEK_MODEL,
// GROK_API_KEY, GROK_BASE_URL, GROK_MODEL, LLM_PROVIDER, ONEBOT_BASE_URL,
// ONEBOT_ACCESS_TOKEN, ONEBOT_SECRET, SINGLE_GROUP_ID, REQUIRE_AT,
// BOT_SELF_ID, MAX_TURNS, STORAGE_PATH, LOG_LEVEL, PORT, GROUP_CONFIG_PATH,
// GROUP_CONFIG_JSON, RATE_LIMIT_SECONDS and COVEN_JWT_SECRET override the
// file when set.
//
// # Example
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//	  webhook_path: "/onebot/event"
//
//	onebot:
//	  base_url: "http://127.0.0.1:5700"
//	  access_token: "${ONEBOT_ACCESS_TOKEN}"
//	  self_id: 10001
//	  timeout: "10s"
//
//	dispatch:
//	  target_groups: [123456]
//	  require_at: true
//	  cooldown: "10s"
//	  trigger_prefixes: ["/bot"]
//
//	providers:
//	  default: deepseek
//	  deepseek:
//	    api_key: "${DEEPSEEK_API_KEY}"
//	  grok:
//	    api_key: "${GROK_API_KEY}"
//
//	policy:
//	  path: "./groups.yaml"   # .json, .yaml/.yml or .toml
//	  watch: true
//
//	conversation:
//	  storage_path: "./data/state.json"
//	  max_turns: 12
//
//	reply:
//	  chunk_size: 1500
//	  plain_text: true
//
//	ledger:
//	  path: "./data/ledger.db"
//
//	auth:
//	  jwt_secret: "${COVEN_JWT_SECRET}"
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// Duration values use Go's time.ParseDuration syntax.
package config
