package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type ICEServer struct {
	URLs       []string `mapstructure:"urls"`
	Username   string   `mapstructure:"username"`
	Credential string   `mapstructure:"credential"`
}

type Config struct {
	Mode     string `mapstructure:"mode"`
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
	Port     int    `mapstructure:"port"`
	WSPath   string `mapstructure:"ws_path"`

	ChatAPIBase        string `mapstructure:"chat_api_base"`
	PresencePath       string `mapstructure:"presence_path"`
	VoiceTokenSecret   string `mapstructure:"voice_token_secret"`
	InternalSyncSecret string `mapstructure:"internal_sync_secret"`

	WorkerCount int    `mapstructure:"worker_count"`
	WorkerBin   string `mapstructure:"worker_bin"`

	ListenIP               string      `mapstructure:"listen_ip"`
	AnnouncedAddress       string      `mapstructure:"announced_address"`
	RTCMinPort             int         `mapstructure:"rtc_min_port"`
	RTCMaxPort             int         `mapstructure:"rtc_max_port"`
	InitialOutgoingBitrate int         `mapstructure:"initial_outgoing_bitrate"`
	ICEServers             []ICEServer `mapstructure:"ice_servers"`
	ICETransportPolicy     string      `mapstructure:"ice_transport_policy"`

	ReadLimit          int64         `mapstructure:"read_limit"`
	PingPeriod         time.Duration `mapstructure:"ping_period"`
	SendBuffer         int           `mapstructure:"send_buffer"`
	BackpressurePolicy string        `mapstructure:"backpressure_policy"`
	JoinRateLimit      int           `mapstructure:"join_rate_limit"`
	JoinRateInterval   time.Duration `mapstructure:"join_rate_interval"`
}

// flagKeys maps command line flags to config keys.
var flagKeys = map[string]string{
	"config":        "config",
	"port":          "port",
	"debug":         "debug",
	"log-level":     "log_level",
	"workers":       "worker_count",
	"worker-bin":    "worker_bin",
	"listen-ip":     "listen_ip",
	"announced-ip":  "announced_address",
	"rtc-min-port":  "rtc_min_port",
	"rtc-max-port":  "rtc_max_port",
	"chat-api-base": "chat_api_base",
	"ws-path":       "ws_path",
	"backpressure":  "backpressure_policy",
}

func newFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("voice-server", pflag.ContinueOnError)
	fs.String("config", "", "config file (default config/config.$CONFIG_ENV.yaml)")
	fs.Int("port", 8080, "HTTP listen port")
	fs.Bool("debug", false, "debug mode: console logs, network hints honoured")
	fs.String("log-level", "info", "log level")
	fs.Int("workers", runtime.NumCPU(), "number of media worker processes")
	fs.String("worker-bin", "voice-worker", "media worker executable")
	fs.String("listen-ip", "0.0.0.0", "RTC listen IP")
	fs.String("announced-ip", "", "RTC announced address")
	fs.Int("rtc-min-port", 40000, "lowest RTC UDP port")
	fs.Int("rtc-max-port", 49999, "highest RTC UDP port")
	fs.String("chat-api-base", "", "chat backend base URL for presence sync")
	fs.String("ws-path", "/ws", "signaling websocket path")
	fs.String("backpressure", "drop", "slow client policy: drop or kick")
	return fs
}

// Load reads config/config.<CONFIG_ENV>.yaml, then VOICE_* environment
// variables, then command line flags, and validates the result.
func Load(args []string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	fs := newFlagSet()
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	for flag, key := range flagKeys {
		if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			return nil, err
		}
	}

	v.SetDefault("mode", "release")
	v.SetDefault("debug", false)
	v.SetDefault("log_level", "info")
	v.SetDefault("port", 8080)
	v.SetDefault("ws_path", "/ws")
	v.SetDefault("chat_api_base", "")
	v.SetDefault("presence_path", "/internal/voice/presence")
	v.SetDefault("voice_token_secret", "")
	v.SetDefault("internal_sync_secret", "")
	v.SetDefault("worker_count", runtime.NumCPU())
	v.SetDefault("worker_bin", "voice-worker")
	v.SetDefault("listen_ip", "0.0.0.0")
	v.SetDefault("announced_address", "")
	v.SetDefault("rtc_min_port", 40000)
	v.SetDefault("rtc_max_port", 49999)
	v.SetDefault("initial_outgoing_bitrate", 600000)
	v.SetDefault("ice_servers", []map[string]any{})
	v.SetDefault("ice_transport_policy", "")
	v.SetDefault("read_limit", 65536)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("send_buffer", 64)
	v.SetDefault("backpressure_policy", "drop")
	v.SetDefault("join_rate_limit", 10)
	v.SetDefault("join_rate_interval", "1m")

	v.SetEnvPrefix("VOICE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	fileName := v.GetString("config")
	if fileName == "" {
		env := os.Getenv("CONFIG_ENV")
		if env == "" {
			env = "dev"
		}
		fileName = fmt.Sprintf("config/config.%s.yaml", env)
	}
	v.SetConfigFile(fileName)
	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.Debug {
		cfg.Mode = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).
		Int("workers", cfg.WorkerCount).Str("listen_ip", cfg.ListenIP).Msg("config ready")
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if !strings.HasPrefix(c.WSPath, "/") {
		errs = append(errs, fmt.Errorf("ws_path %q must start with /", c.WSPath))
	}
	if c.VoiceTokenSecret == "" {
		errs = append(errs, errors.New("voice_token_secret is required"))
	}
	if c.WorkerCount < 1 {
		errs = append(errs, fmt.Errorf("worker_count %d must be at least 1", c.WorkerCount))
	}
	if c.RTCMinPort < 1 || c.RTCMaxPort > 65535 || c.RTCMinPort > c.RTCMaxPort {
		errs = append(errs, fmt.Errorf("rtc port range %d-%d invalid", c.RTCMinPort, c.RTCMaxPort))
	}
	ip := net.ParseIP(c.ListenIP)
	switch {
	case ip == nil:
		errs = append(errs, fmt.Errorf("listen_ip %q is not an IP", c.ListenIP))
	case ip.IsUnspecified() && c.AnnouncedAddress == "":
		errs = append(errs, errors.New("announced_address is required when listen_ip binds all interfaces"))
	}
	switch c.ICETransportPolicy {
	case "", "all", "relay":
	default:
		errs = append(errs, fmt.Errorf("ice_transport_policy %q must be all or relay", c.ICETransportPolicy))
	}
	switch c.BackpressurePolicy {
	case "", "drop", "kick":
	default:
		errs = append(errs, fmt.Errorf("backpressure_policy %q must be drop or kick", c.BackpressurePolicy))
	}
	if c.SendBuffer < 1 {
		errs = append(errs, errors.New("send_buffer must be positive"))
	}
	return errors.Join(errs...)
}
