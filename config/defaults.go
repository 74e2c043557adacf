package config

// DefaultConfigTOML is the scaffold written by `sperecon config init`. It
// shows every section with workable local-development values.
const DefaultConfigTOML = `[general]
debug = false
log_level = "info"
default_timeout = "10m"

[task]
name = "bank_recon"
input_dir = "./data/input"
output_dir = "./data/output"
stop_on_error = true
tolerance = "0.01"
# period_start = "2026-08-01"
# period_end = "2026-08-31"
cache_ttl = "5m"
cache_max_items = 10

[[task.banks]]
name = "CUB"
statement_path = "cub_statement.csv"
categories = ["settlement", "fee", "refund"]
fee_rate = "0.015"
fee_account = "6110"

[[task.banks]]
name = "CTBC"
statement_path = "ctbc_statement.csv"
categories = ["settlement", "fee"]
fee_rate = "0.02"
fee_account = "6110"

[checkpoint]
enabled = true
dir = "./checkpoints"
keep_last = 3
# signing_secret = "change-me"

[server]
address = ":8787"
# jwt_secret = "change-me"

[storage.redis]
host = "localhost"
port = "6379"
db = 0

[storage.postgres]
host = "localhost"
port = "5432"
user = "sperecon"
password = ""
dbname = "sperecon"
sslmode = "disable"

[storage.file]
data_dir = "./data"
log_dir = "./logs"

[telemetry]
enabled = false
metrics_port = 9464
# otlp_endpoint = "localhost:4317"

[scheduler]
enabled = false

[[scheduler.schedules]]
name = "nightly-full"
mode = "full"
cron = "0 30 2 * * * *"

[worker]
stream = "recon.runs"
result_stream = "recon.results"
group = "recon-workers"
idempotency_ttl = "24h"

[history]
index_path = "./data/history.bleve"
`
