package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "hub":
		return hubTemplate, nil
	case "leaf":
		return leafTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const hubTemplate = `process_id = "main"
role = "hub"
listen_addr = "127.0.0.1:7400"
transport = "tcp"
request_timeout = "30s"
handshake_timeout = "10s"
heartbeat_interval = "15s"
metrics_addr = "127.0.0.1:9400"
log_level = "info"

# [tls]
# enabled = true
# mutual = true
# cert_file = "hub.crt"
# key_file = "hub.key"
# ca_file = "ca.crt"
`

const leafTemplate = `process_id = "worker"
role = "leaf"
hub_addr = "127.0.0.1:7400"
transport = "tcp"
request_timeout = "30s"
handshake_timeout = "10s"
connect_timeout = "5s"
max_connect_attempts = 0
require = ["main"]
heartbeat_interval = "15s"
log_level = "info"

# [tls]
# enabled = true
# mutual = true
# cert_file = "worker.crt"
# key_file = "worker.key"
# ca_file = "ca.crt"
`
