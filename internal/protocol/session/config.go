package session

import "time"

// BackoffConfig defines dial retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// TLSConfig secures channel transports. With Mutual set both ends present
// certificates and the hub binds each certificate identity to the process
// id registered over it.
type TLSConfig struct {
	Enabled            bool
	Mutual             bool
	CertFile           string
	KeyFile            string
	CAFile             string
	ServerName         string
	InsecureSkipVerify bool
}

// Config holds registry timeouts shared by every channel of a process.
type Config struct {
	// RequestTimeout bounds one remote command execution.
	RequestTimeout time.Duration
	// HandshakeTimeout bounds how long IsReady waits for peers.
	HandshakeTimeout time.Duration
	ConnectTimeout   time.Duration
	Backoff          BackoffConfig
	TLS              TLSConfig
}

func DefaultConfig() Config {
	return Config{
		RequestTimeout:   30 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		ConnectTimeout:   5 * time.Second,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = d.Backoff
	}
	return c
}
