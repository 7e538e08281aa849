package config

import (
	"flag"
	"io"
	"strings"
	"time"

	"github.com/dmitrijs2005/gophmsn/internal/flagx"
)

var serverFlags = []string{
	"-v", "-n", "-b", "-H", "-l", "-s", "-t", "-D", "-d", "-p",
	"-B", "-e", "-A", "-g", "-w", "-u", "-P", "-r", "-E",
}

// parseFlags overlays Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-v string   protocol version string for VER replies
//	-n string   notification listener address (e.g. ":1863")
//	-b string   switchboard listener address (e.g. ":1864")
//	-H string   host advertised in XFR/RNG redirects
//	-l int      max concurrent connections per listener
//	-s string   switchboard ticket secret
//	-t int      ticket validity, minutes
//	-D          verbose logging
//	-d string   user store location
//	-p string   comma separated auto-provision domains
//	-B string   bridged contact domain
//	-e string   bridge REST endpoint
//	-A string   bridge account number
//	-g string   admin gRPC health address
//	-w int      outbound send timeout, seconds
//	-u string   S3 user
//	-P string   S3 password
//	-r string   S3 region
//	-E string   S3 base endpoint
//
// args are filtered first with flagx.FilterArgs so the -c/-config flag and
// anything else the server does not own are skipped.
func parseFlags(config *Config, args []string) error {
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&config.ProtocolVersions, "v", config.ProtocolVersions, "protocol versions")
	fs.StringVar(&config.NotificationAddr, "n", config.NotificationAddr, "notification listener address")
	fs.StringVar(&config.SwitchboardAddr, "b", config.SwitchboardAddr, "switchboard listener address")
	fs.StringVar(&config.AdvertisedHost, "H", config.AdvertisedHost, "advertised switchboard host")
	fs.IntVar(&config.Backlog, "l", config.Backlog, "max connections per listener")
	fs.StringVar(&config.SwitchboardSecret, "s", config.SwitchboardSecret, "switchboard secret")
	ticketValidity := fs.Int("t", int(config.TicketValidity.Minutes()), "ticket validity (in minutes)")
	fs.BoolVar(&config.Debug, "D", config.Debug, "verbose logging")
	fs.StringVar(&config.StoreLocation, "d", config.StoreLocation, "user store location")
	provision := fs.String("p", strings.Join(config.ProvisionDomains, ","), "auto-provision domains")
	fs.StringVar(&config.BridgeDomain, "B", config.BridgeDomain, "bridged domain")
	fs.StringVar(&config.BridgeEndpoint, "e", config.BridgeEndpoint, "bridge endpoint")
	fs.StringVar(&config.BridgeAccount, "A", config.BridgeAccount, "bridge account")
	fs.StringVar(&config.AdminAddr, "g", config.AdminAddr, "admin gRPC address")
	sendTimeout := fs.Int("w", int(config.SendTimeout.Seconds()), "send timeout (in seconds)")
	fs.StringVar(&config.S3RootUser, "u", config.S3RootUser, "S3 user")
	fs.StringVar(&config.S3RootPassword, "P", config.S3RootPassword, "S3 password")
	fs.StringVar(&config.S3Region, "r", config.S3Region, "S3 region")
	fs.StringVar(&config.S3BaseEndpoint, "E", config.S3BaseEndpoint, "S3 base endpoint")

	if err := fs.Parse(flagx.FilterArgs(args, serverFlags)); err != nil {
		return err
	}

	config.TicketValidity = time.Duration(*ticketValidity) * time.Minute
	config.SendTimeout = time.Duration(*sendTimeout) * time.Second
	config.ProvisionDomains = flagx.SplitList(*provision)
	return nil
}
