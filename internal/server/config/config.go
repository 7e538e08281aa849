// Package config handles configuration for the server component,
// including defaults, a JSON or YAML file overlay, and command-line flags.
package config

import (
	"net"
	"strconv"
	"time"
)

// Config holds runtime settings for the GophMSN server.
//
// Fields:
//   - ProtocolVersions: version string echoed in VER replies.
//   - NotificationAddr / SwitchboardAddr: listen addresses of the two stages.
//   - AdvertisedHost: host put into XFR/RNG redirects; derived from
//     SwitchboardAddr when empty.
//   - Backlog: maximum number of concurrent connections per listener.
//   - SwitchboardSecret: HMAC secret for switchboard CKI tickets.
//   - TicketValidity: lifetime of a CKI ticket.
//   - Debug: verbose protocol logging.
//   - StoreLocation: user store (file path, postgres://, sqlite:, s3://).
//   - ProvisionDomains: domains whose unknown addresses are created on demand.
//   - BridgeDomain: domain of contacts reached through the external bridge.
//   - BridgeEndpoint / BridgeAccount: Signal REST relay; empty endpoint
//     disables the bridge.
//   - AdminAddr: gRPC health endpoint; empty disables it.
//   - SendTimeout: how long a writer may wait on a full outbound queue.
//   - S3*: credentials and endpoint for the s3:// store.
type Config struct {
	ProtocolVersions  string
	NotificationAddr  string
	SwitchboardAddr   string
	AdvertisedHost    string
	Backlog           int
	SwitchboardSecret string
	TicketValidity    time.Duration
	Debug             bool
	StoreLocation     string
	ProvisionDomains  []string
	BridgeDomain      string
	BridgeEndpoint    string
	BridgeAccount     string
	AdminAddr         string
	SendTimeout       time.Duration
	S3RootUser        string
	S3RootPassword    string
	S3Region          string
	S3BaseEndpoint    string
}

// LoadDefaults populates Config with development defaults.
// NOTE: the switchboard secret must be overridden in production.
func (c *Config) LoadDefaults() {
	c.ProtocolVersions = "MSNP7 MSNP6 MSNP2"
	c.NotificationAddr = ":1863"
	c.SwitchboardAddr = ":1864"
	c.AdvertisedHost = ""
	c.Backlog = 5
	c.SwitchboardSecret = "17262740.1050826919.32308"
	c.TicketValidity = 5 * time.Minute
	c.Debug = false
	c.StoreLocation = "users.json"
	c.ProvisionDomains = []string{"signal.com"}
	c.BridgeDomain = "signal.com"
	c.BridgeEndpoint = ""
	c.BridgeAccount = ""
	c.AdminAddr = ""
	c.SendTimeout = 5 * time.Second
	c.S3RootUser = "admin"
	c.S3RootPassword = "secretpassword"
	c.S3Region = "us-east-1"
	c.S3BaseEndpoint = "http://127.0.0.1:9000/"
}

// LoadConfig builds a Config by applying defaults, then overlaying values
// from an optional config file (-c/-config) and finally from command-line
// flags. args are the program arguments without the program name.
func LoadConfig(args []string) (*Config, error) {
	cfg := &Config{}
	cfg.LoadDefaults()
	if err := parseFile(cfg, args); err != nil {
		return nil, err
	}
	if err := parseFlags(cfg, args); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SwitchboardEndpoint is the host:port advertised to clients in XFR and RNG.
func (c *Config) SwitchboardEndpoint() string {
	host, port, err := net.SplitHostPort(c.SwitchboardAddr)
	if err != nil {
		return c.SwitchboardAddr
	}
	if c.AdvertisedHost != "" {
		host = c.AdvertisedHost
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	if _, err := strconv.Atoi(port); err != nil {
		return c.SwitchboardAddr
	}
	return net.JoinHostPort(host, port)
}
