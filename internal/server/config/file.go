package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dmitrijs2005/gophmsn/internal/flagx"
)

// Duration accepts both Go duration strings ("90s", "5m") and integer
// nanoseconds in config files.
type Duration struct {
	time.Duration
}

func (d *Duration) set(v any) error {
	switch x := v.(type) {
	case string:
		p, err := time.ParseDuration(x)
		if err != nil {
			return err
		}
		d.Duration = p
	case float64:
		d.Duration = time.Duration(int64(x))
	case int:
		d.Duration = time.Duration(x)
	default:
		return fmt.Errorf("invalid duration %v", v)
	}
	return nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	return d.set(v)
}

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var v any
	if err := n.Decode(&v); err != nil {
		return err
	}
	return d.set(v)
}

// FileConfig is the on-disk shape of the configuration. It is only used for
// decoding; set fields are copied onto the runtime Config, unset ones keep
// whatever the defaults provided.
type FileConfig struct {
	ProtocolVersions  string   `json:"protocol_versions" yaml:"protocol_versions"`
	NotificationAddr  string   `json:"notification_addr" yaml:"notification_addr"`
	SwitchboardAddr   string   `json:"switchboard_addr" yaml:"switchboard_addr"`
	AdvertisedHost    string   `json:"advertised_host" yaml:"advertised_host"`
	Backlog           int      `json:"backlog" yaml:"backlog"`
	SwitchboardSecret string   `json:"switchboard_secret" yaml:"switchboard_secret"`
	TicketValidity    Duration `json:"ticket_validity" yaml:"ticket_validity"`
	Debug             *bool    `json:"debug" yaml:"debug"`
	StoreLocation     string   `json:"store_location" yaml:"store_location"`
	ProvisionDomains  []string `json:"provision_domains" yaml:"provision_domains"`
	BridgeDomain      string   `json:"bridge_domain" yaml:"bridge_domain"`
	BridgeEndpoint    string   `json:"bridge_endpoint" yaml:"bridge_endpoint"`
	BridgeAccount     string   `json:"bridge_account" yaml:"bridge_account"`
	AdminAddr         string   `json:"admin_addr" yaml:"admin_addr"`
	SendTimeout       Duration `json:"send_timeout" yaml:"send_timeout"`
	S3RootUser        string   `json:"s3_root_user" yaml:"s3_root_user"`
	S3RootPassword    string   `json:"s3_root_password" yaml:"s3_root_password"`
	S3Region          string   `json:"s3_region" yaml:"s3_region"`
	S3BaseEndpoint    string   `json:"s3_base_endpoint" yaml:"s3_base_endpoint"`
}

// parseFile loads configuration values from the file named by -c/-config.
// Files ending in .yaml or .yml are decoded as YAML, everything else as JSON.
// No flag means nothing is loaded.
func parseFile(config *Config, args []string) error {
	path := flagx.ConfigFileFlag(args)
	if path == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	c := &FileConfig{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, c)
	default:
		err = json.Unmarshal(data, c)
	}
	if err != nil {
		return fmt.Errorf("decode config %s: %w", path, err)
	}

	c.apply(config)
	return nil
}

func (c *FileConfig) apply(config *Config) {
	setString(&config.ProtocolVersions, c.ProtocolVersions)
	setString(&config.NotificationAddr, c.NotificationAddr)
	setString(&config.SwitchboardAddr, c.SwitchboardAddr)
	setString(&config.AdvertisedHost, c.AdvertisedHost)
	if c.Backlog > 0 {
		config.Backlog = c.Backlog
	}
	setString(&config.SwitchboardSecret, c.SwitchboardSecret)
	if c.TicketValidity.Duration > 0 {
		config.TicketValidity = c.TicketValidity.Duration
	}
	if c.Debug != nil {
		config.Debug = *c.Debug
	}
	setString(&config.StoreLocation, c.StoreLocation)
	if c.ProvisionDomains != nil {
		config.ProvisionDomains = c.ProvisionDomains
	}
	setString(&config.BridgeDomain, c.BridgeDomain)
	setString(&config.BridgeEndpoint, c.BridgeEndpoint)
	setString(&config.BridgeAccount, c.BridgeAccount)
	setString(&config.AdminAddr, c.AdminAddr)
	if c.SendTimeout.Duration > 0 {
		config.SendTimeout = c.SendTimeout.Duration
	}
	setString(&config.S3RootUser, c.S3RootUser)
	setString(&config.S3RootPassword, c.S3RootPassword)
	setString(&config.S3Region, c.S3Region)
	setString(&config.S3BaseEndpoint, c.S3BaseEndpoint)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
