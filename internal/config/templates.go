package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const configTemplate = `# rulewatch configuration

[scheduler]
# How often active rules are checked (RULE_CHECK_INTERVAL overrides, in seconds)
interval = "60s"
# Rules evaluated concurrently per tick
workers = 4
# Upper bound for a single order placement
order_timeout = "30s"
# Restrict the scheduler to one user's rules (empty = all users)
user_id = ""

[market_data]
base_url = "https://query1.finance.yahoo.com"
timeout = "10s"
retries = 3
# Snapshot cache lifetime; use a Redis address to share it between processes
cache_ttl = "30s"
redis_addr = ""
redis_password = ""
redis_db = 0

[brokers]
read_timeout = "10s"
order_timeout = "30s"

[brokers.iol]
base_url = "https://api.invertironline.com"
market = "bCBA"

[brokers.binance]
base_url = "https://api.binance.com"
recv_window = "5s"

[brokers.paper]
enabled = true
initial_balance = 1000000.0

[brokers.circuit_breaker]
failure_threshold = 5
success_threshold = 2
timeout = "60s"

[store]
# sqlite or postgres
driver = "sqlite"
# Relative paths are resolved against this directory
path = "rulewatch.db"
# Postgres connection string (DATABASE_URL overrides when empty)
dsn = ""

[security]
# Passphrase for broker credential encryption (ENCRYPTION_KEY overrides)
encryption_key = ""
audit_enabled = true
audit_dir = "audit"

[notifications]
enabled = true
# all, trades_only, alerts_only
level = "all"
send_timeout = "10s"
terminal = true

[notifications.webhook]
enabled = false
url = ""

[notifications.telegram]
enabled = false
bot_token = ""
chat_id = 0

[logging]
# debug, info, warn, error
level = "info"
console = true
file = true
file_path = "logs/rulewatch.log"
max_size = 100
max_backups = 7
max_age = 30

[llm]
# OpenAI-compatible endpoint used by "rules parse" (OPENAI_API_KEY overrides when empty)
api_key = ""
base_url = ""
model = "gpt-4o-mini"

[backtest]
initial_capital = 10000.0

[ui]
color_enabled = true
date_format = "2006-01-02"
`

func createTemplateConfig(configDir string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, FileName)
	// The file may carry the encryption key once edited.
	if err := os.WriteFile(path, []byte(configTemplate), 0600); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}
	return nil
}
