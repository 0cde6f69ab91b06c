package gate

import (
	"time"

	"github.com/jinzhu/configor"
)

type Config struct {
	Gateway  GatewayConfig `mapstructure:"gateway" toml:"gateway"`
	Wallet   WalletConfig  `mapstructure:"wallet" toml:"wallet"`
	Daemon   DaemonConfig  `mapstructure:"daemon" toml:"daemon"`
	Store    StoreConfig   `mapstructure:"store" toml:"store"`
	Invoices InvoiceConfig `mapstructure:"invoices" toml:"invoices"`
	WebAPI   WebAPIConfig  `mapstructure:"webapi" toml:"webapi"`
	MQTT     MQTTConfig    `mapstructure:"mqtt" toml:"mqtt"`

	// outbound event destinations, keyed by a name used in logs
	Loggers   map[string]LoggerConfig   `mapstructure:"loggers" toml:"loggers"`
	Callbacks map[string]CallbackConfig `mapstructure:"callbacks" toml:"callbacks"`
}

type GatewayConfig struct {
	// mainnet, testnet or stagenet
	Network string `default:"mainnet" mapstructure:"network" toml:"network"`
	// minimum seconds between scan cycles
	ScanInterval int `default:"10" mapstructure:"scan_interval" toml:"scan_interval"`
	// blocks scanned before a cycle commits
	MaxBlocksPerCycle int `default:"100" mapstructure:"max_blocks_per_cycle" toml:"max_blocks_per_cycle"`
	// recent block hashes kept for reorg detection
	ReorgWindow int `default:"10" mapstructure:"reorg_window" toml:"reorg_window"`
	// first block to scan on a fresh store; 0 means the daemon's tip
	StartHeight uint64 `mapstructure:"start_height" toml:"start_height"`
	// consecutive failed commits before the scanner reports critical
	StoreFailureLimit int `default:"3" mapstructure:"store_failure_limit" toml:"store_failure_limit"`
	// seconds each service may take to start and to stop
	StartupTimeout  int `default:"10" mapstructure:"startup_timeout" toml:"startup_timeout"`
	ShutdownTimeout int `default:"10" mapstructure:"shutdown_timeout" toml:"shutdown_timeout"`
}

type WalletConfig struct {
	PrivateViewKey string `mapstructure:"private_view_key" toml:"private_view_key"`
	PublicSpendKey string `mapstructure:"public_spend_key" toml:"public_spend_key"`
	// optional, checked against the keys at startup
	PrimaryAddress string `mapstructure:"primary_address" toml:"primary_address"`
}

type DaemonConfig struct {
	URL string `default:"http://127.0.0.1:18081" mapstructure:"url" toml:"url"`
	// "user:password" for monerod --rpc-login
	Login   string `mapstructure:"login" toml:"login"`
	Timeout int    `default:"30" mapstructure:"timeout" toml:"timeout"`
	// monerod --zmq-pub address, e.g. tcp://127.0.0.1:18083 (empty: poll only)
	ZMQAddress string `mapstructure:"zmq_address" toml:"zmq_address"`
}

type StoreConfig struct {
	// sqlite, postgres or bolt
	Backend string `default:"sqlite" mapstructure:"backend" toml:"backend"`
	DSN     string `default:"xmrgate.db" mapstructure:"dsn" toml:"dsn"`
}

type InvoiceConfig struct {
	Confirmations    uint64 `default:"10" mapstructure:"confirmations" toml:"confirmations"`
	ExpirationBlocks uint64 `default:"60" mapstructure:"expiration_blocks" toml:"expiration_blocks"`
	ReuseIndices     bool   `mapstructure:"reuse_indices" toml:"reuse_indices"`
	// "report" or "ignore" funds arriving after an invoice settled
	LatePaymentPolicy string `default:"report" mapstructure:"late_payment_policy" toml:"late_payment_policy"`
	LateWatchBlocks   uint64 `default:"720" mapstructure:"late_watch_blocks" toml:"late_watch_blocks"`
}

type WebAPIConfig struct {
	AdminBind string `default:"localhost" mapstructure:"admin_bind" toml:"admin_bind"`
	AdminPort string `default:"8081" mapstructure:"admin_port" toml:"admin_port"`
	PubBind   string `default:"localhost" mapstructure:"pub_bind" toml:"pub_bind"`
	PubPort   string `default:"8080" mapstructure:"pub_port" toml:"pub_port"`
	// bearer token for the admin API (empty: no auth)
	Token   string `mapstructure:"token" toml:"token"`
	TLSCert string `mapstructure:"tls_cert" toml:"tls_cert"`
	TLSKey  string `mapstructure:"tls_key" toml:"tls_key"`
}

type LoggerConfig struct {
	Path  string   `mapstructure:"path" toml:"path"`
	Types []string `mapstructure:"types" toml:"types"`
}

type CallbackConfig struct {
	Path       string   `mapstructure:"path" toml:"path"`
	HMACSecret string   `mapstructure:"hmac_secret" toml:"hmac_secret"`
	Types      []string `mapstructure:"types" toml:"types"`
}

type MQTTConfig struct {
	Address  string      `mapstructure:"address" toml:"address"`
	ClientID string      `mapstructure:"client_id" toml:"client_id"`
	Username string      `mapstructure:"username" toml:"username"`
	Password string      `mapstructure:"password" toml:"password"`
	Queues   []MQTTQueue `mapstructure:"queues" toml:"queues"`
}

type MQTTQueue struct {
	TopicFilter string   `mapstructure:"topic_filter" toml:"topic_filter"`
	Types       []string `mapstructure:"types" toml:"types"`
}

const (
	LatePaymentReport = "report"
	LatePaymentIgnore = "ignore"
)

func (c GatewayConfig) ScanEvery() time.Duration {
	if c.ScanInterval <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.ScanInterval) * time.Second
}

// LoadConfig reads a TOML/YAML/JSON config file, applying `default` tags
// and XMRGATE_* environment overrides.
func LoadConfig(confPath string) (Config, error) {
	c := Config{}
	loader := configor.New(&configor.Config{ENVPrefix: "XMRGATE", Silent: true})
	var err error
	if confPath == "" {
		err = loader.Load(&c)
	} else {
		err = loader.Load(&c, confPath)
	}
	if err != nil {
		return Config{}, err
	}
	return c, c.Validate()
}

// ApplyDefaults fills zero fields from `default` tags, for configs
// decoded by something other than configor (e.g. viper).
func (c *Config) ApplyDefaults() error {
	// configor only sets fields that are still zero.
	return configor.New(&configor.Config{Silent: true, ENVPrefix: "XMRGATE"}).Load(c)
}

func (c Config) Validate() error {
	switch c.Gateway.Network {
	case "mainnet", "testnet", "stagenet":
	default:
		return NewErr(BadRequest, "config: unknown network %q", c.Gateway.Network)
	}
	switch c.Invoices.LatePaymentPolicy {
	case LatePaymentReport, LatePaymentIgnore:
	default:
		return NewErr(BadRequest, "config: late_payment_policy must be %q or %q", LatePaymentReport, LatePaymentIgnore)
	}
	if c.Invoices.ExpirationBlocks > MaxExpirationBlocks {
		return NewErr(BadRequest, "config: expiration_blocks must be at most %d", MaxExpirationBlocks)
	}
	return nil
}

// TestConfig is a complete config for unit tests: stagenet, in-memory store.
func TestConfig() Config {
	c := Config{}
	c.Gateway.Network = "stagenet"
	c.Gateway.ScanInterval = 1
	c.Gateway.MaxBlocksPerCycle = 100
	c.Gateway.ReorgWindow = 10
	c.Gateway.StoreFailureLimit = 3
	c.Daemon.URL = "http://127.0.0.1:38081"
	c.Daemon.Timeout = 5
	c.Store.Backend = "sqlite"
	c.Store.DSN = ":memory:"
	c.Invoices.Confirmations = 2
	c.Invoices.ExpirationBlocks = 60
	c.Invoices.LatePaymentPolicy = LatePaymentReport
	c.Invoices.LateWatchBlocks = 720
	c.WebAPI.AdminBind = "localhost"
	c.WebAPI.AdminPort = "8081"
	c.WebAPI.PubBind = "localhost"
	c.WebAPI.PubPort = "8080"
	return c
}
