// Package config holds the configuration of a single link.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Protocol selects the transport a link runs on.
type Protocol string

const (
	ProtocolUDP Protocol = "udp"
	ProtocolTCP Protocol = "tcp"
)

// Endpoint is the role of a link end: the server binds a fixed port and
// accepts a peer, the client always targets the configured server.
type Endpoint string

const (
	EndpointServer Endpoint = "server"
	EndpointClient Endpoint = "client"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Defaults for the tunable parameters, in milliseconds where applicable.
const (
	DefaultWatchdogInterval   = 100
	DefaultStatisticsInterval = 1000
	DefaultIdleTimeout        = 5000
	DefaultTCPVerifyTimeout   = 5000
	DefaultSentLogCap         = 500
)

// Config is the full set of recognised keys for one link. Intervals are in
// milliseconds, as in the configuration files.
type Config struct {
	Name          string   `mapstructure:"name"`
	Protocol      Protocol `mapstructure:"protocol"`
	Endpoint      Endpoint `mapstructure:"endpoint"`
	ServerAddress string   `mapstructure:"serveraddress"`
	ServerPort    int      `mapstructure:"serverport"`
	HostAddress   string   `mapstructure:"hostaddress"` // empty binds all interfaces

	DropOldPackets     bool `mapstructure:"dropoldpackets"`
	WatchdogInterval   int  `mapstructure:"watchdoginterval"`
	StatisticsInterval int  `mapstructure:"statisticsinterval"`
	IdleTimeout        int  `mapstructure:"idletimeout"`
	TCPVerifyTimeout   int  `mapstructure:"tcpverifytimeout"`
	SentLogCap         int  `mapstructure:"sentlogcap"`

	// LowDelay marks outgoing packets with IPTOS_LOWDELAY where supported.
	LowDelay bool `mapstructure:"lowdelay"`
}

// Default returns a Config with every tunable at its documented default.
// Identity and addressing are left empty.
func Default() Config {
	return Config{
		Protocol:           ProtocolUDP,
		Endpoint:           EndpointServer,
		DropOldPackets:     true,
		WatchdogInterval:   DefaultWatchdogInterval,
		StatisticsInterval: DefaultStatisticsInterval,
		IdleTimeout:        DefaultIdleTimeout,
		TCPVerifyTimeout:   DefaultTCPVerifyTimeout,
		SentLogCap:         DefaultSentLogCap,
	}
}

// Validate normalises enum fields and checks that the configuration can
// drive a link.
func (c *Config) Validate() error {
	c.Protocol = Protocol(strings.ToLower(strings.TrimSpace(string(c.Protocol))))
	c.Endpoint = Endpoint(strings.ToLower(strings.TrimSpace(string(c.Endpoint))))
	c.ServerAddress = strings.TrimSpace(c.ServerAddress)
	c.HostAddress = strings.TrimSpace(c.HostAddress)

	if c.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidConfig)
	}
	switch c.Protocol {
	case ProtocolUDP, ProtocolTCP:
	default:
		return fmt.Errorf("%w: protocol %q (want udp or tcp)", ErrInvalidConfig, c.Protocol)
	}
	switch c.Endpoint {
	case EndpointServer, EndpointClient:
	default:
		return fmt.Errorf("%w: endpoint %q (want server or client)", ErrInvalidConfig, c.Endpoint)
	}
	if c.ServerPort < 0 || c.ServerPort > 65535 {
		return fmt.Errorf("%w: serverport %d out of range", ErrInvalidConfig, c.ServerPort)
	}
	if c.Endpoint == EndpointClient {
		if c.ServerAddress == "" {
			return fmt.Errorf("%w: serveraddress is required for a client", ErrInvalidConfig)
		}
		if c.ServerPort == 0 {
			return fmt.Errorf("%w: serverport is required for a client", ErrInvalidConfig)
		}
	}

	for key, v := range map[string]int{
		"watchdoginterval":   c.WatchdogInterval,
		"statisticsinterval": c.StatisticsInterval,
		"idletimeout":        c.IdleTimeout,
		"tcpverifytimeout":   c.TCPVerifyTimeout,
		"sentlogcap":         c.SentLogCap,
	} {
		if v <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %d", ErrInvalidConfig, key, v)
		}
	}
	return nil
}

func (c *Config) Watchdog() time.Duration   { return ms(c.WatchdogInterval) }
func (c *Config) Statistics() time.Duration { return ms(c.StatisticsInterval) }
func (c *Config) Idle() time.Duration       { return ms(c.IdleTimeout) }
func (c *Config) TCPVerify() time.Duration  { return ms(c.TCPVerifyTimeout) }

// ServerHostPort is the address the client targets.
func (c *Config) ServerHostPort() string {
	return net.JoinHostPort(c.ServerAddress, strconv.Itoa(c.ServerPort))
}

// BindHostPort is the local address this end binds: the server port for a
// server, an ephemeral port for a client.
func (c *Config) BindHostPort() string {
	port := 0
	if c.Endpoint == EndpointServer {
		port = c.ServerPort
	}
	return net.JoinHostPort(c.HostAddress, strconv.Itoa(port))
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}
