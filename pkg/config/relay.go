package config

import (
	"errors"
	"time"

	"github.com/kkyr/fig"
	"github.com/spf13/pflag"
)

type RelayConfig struct {
	Relay Relay
}

type Relay struct {
	Debug      bool
	Server     Server
	Buffer     Buffer
	Wait       Wait
	Encryption Encryption
	Storage    Storage
	Monitoring Monitoring
}

type Server struct {
	// Address is the plain TCP listener for framed peers.
	Address string `default:":5000"`
	Ws      struct {
		Address string `default:":5080"`
		Path    string `default:"/ws"`
	}
	Https bool
	Tls   struct {
		Address   string `default:":443"`
		Domain    string
		HttpsKey  string
		HttpsCert string
	}
}

// Buffer sizes are in bytes.
type Buffer struct {
	ReceiveSize int `default:"65536"`
	MaxUnitSize int `default:"16777216"`
}

// Wait is the bounded wait policy of the hand-off protocols.
type Wait struct {
	Poll    time.Duration `default:"500ms"`
	Timeout time.Duration `default:"5s"`
}

type Encryption struct {
	Enabled    bool
	KeyService string        `default:"https://localhost/api/keys"`
	Timeout    time.Duration `default:"10s"`
}

type Storage struct {
	AuthKeys  string `default:"keys.json"`
	Inventory string `default:"hub.db"`
	WatchKeys bool
}

type Monitoring struct {
	Port             int    `default:"6601"`
	URLPrefix        string `default:"/relay"`
	MetricEnabled    bool   `json:"metric_enabled"`
	ProfilingEnabled bool   `json:"profiling_enabled"`
}

func (c *Monitoring) IsEnabled() bool { return c.MetricEnabled || c.ProfilingEnabled }

func (s *Server) GetAddr() string {
	if s.Https {
		return s.Tls.Address
	}
	return s.Ws.Address
}

// NewRelayConfig loads the config from path or from the default locations.
// Without any file in the default locations only defaults and env are used.
func NewRelayConfig(path string) (conf RelayConfig, err error) {
	err = LoadConfig(&conf, path)
	if path == "" && errors.Is(err, fig.ErrFileNotFound) {
		err = LoadConfigEnv(&conf)
	}
	return
}

// WithFlags binds command line overrides, they win over file and env values.
func (c *RelayConfig) WithFlags(fs *pflag.FlagSet) {
	fs.String("conf", "", "Set custom configuration file path")
	fs.BoolVar(&c.Relay.Debug, "debug", c.Relay.Debug, "Verbose logging")
	fs.StringVar(&c.Relay.Server.Address, "address", c.Relay.Server.Address, "TCP relay address (host:port)")
	fs.StringVar(&c.Relay.Server.Ws.Address, "wsAddress", c.Relay.Server.Ws.Address, "WebSocket relay address (host:port)")
	fs.StringVar(&c.Relay.Server.Tls.HttpsKey, "httpsKey", c.Relay.Server.Tls.HttpsKey, "HTTPS key")
	fs.StringVar(&c.Relay.Server.Tls.HttpsCert, "httpsCert", c.Relay.Server.Tls.HttpsCert, "HTTPS chain")
	fs.BoolVar(&c.Relay.Encryption.Enabled, "encryption", c.Relay.Encryption.Enabled, "Negotiate connection encryption")
	fs.IntVar(&c.Relay.Monitoring.Port, "monitoring.port", c.Relay.Monitoring.Port, "Monitoring server port")
}

// ConfigPath extracts the custom config path from args before the full parse,
// so file values can serve as flag defaults.
func ConfigPath(args []string) string {
	fs := pflag.NewFlagSet("conf", pflag.ContinueOnError)
	fs.ParseErrorsWhitelist.UnknownFlags = true
	fs.Usage = func() {}
	path := fs.String("conf", "", "")
	_ = fs.Parse(args)
	return *path
}
