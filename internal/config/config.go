package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dkeye/Office/internal/spatial"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	LogLevel   string        `mapstructure:"log_level"`
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`

	Signal    SignalConfig    `mapstructure:"signal"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Proximity ProximityConfig `mapstructure:"proximity"`
	Activity  ActivityConfig  `mapstructure:"activity"`
	Media     MediaConfig     `mapstructure:"media"`
}

// SignalConfig tunes the relay websocket.
type SignalConfig struct {
	SendBuffer int     `mapstructure:"send_buffer"`
	MoveRate   float64 `mapstructure:"move_rate"`
	MoveBurst  int     `mapstructure:"move_burst"`
	// Backpressure is "kick" or "drop".
	Backpressure string `mapstructure:"backpressure"`
}

// RedisConfig enables the presence mirror of the relay.
type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
	Prefix   string        `mapstructure:"prefix"`
}

type AgentConfig struct {
	ServerURL    string        `mapstructure:"server_url"`
	Name         string        `mapstructure:"name"`
	Office       string        `mapstructure:"office"`
	X            float64       `mapstructure:"x"`
	Y            float64       `mapstructure:"y"`
	Voice        bool          `mapstructure:"voice"`
	AutoAccept   bool          `mapstructure:"auto_accept"`
	AudioFile    string        `mapstructure:"audio_file"`
	VideoFile    string        `mapstructure:"video_file"`
	Path         string        `mapstructure:"path"`
	StepInterval time.Duration `mapstructure:"step_interval"`
}

type ProximityConfig struct {
	// Mode is "distance" or "room".
	Mode        string         `mapstructure:"mode"`
	Threshold   float64        `mapstructure:"threshold"`
	MaxDistance float64        `mapstructure:"max_distance"`
	GainDelta   float64        `mapstructure:"gain_delta"`
	Tick        time.Duration  `mapstructure:"tick"`
	Rooms       []spatial.Room `mapstructure:"rooms"`
}

type ActivityConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	Threshold float64       `mapstructure:"threshold"`
}

type MediaConfig struct {
	ICEServers         []string      `mapstructure:"ice_servers"`
	NegotiationTimeout time.Duration `mapstructure:"negotiation_timeout"`
}

// Model builds the spatial model selected by Mode.
func (p ProximityConfig) Model() (spatial.Model, error) {
	switch p.Mode {
	case "", "distance":
		return spatial.NewEuclidean(p.Threshold, p.MaxDistance), nil
	case "room":
		if len(p.Rooms) == 0 {
			return nil, fmt.Errorf("proximity mode room needs at least one room")
		}
		return spatial.Rooms{Rooms: p.Rooms}, nil
	}
	return nil, fmt.Errorf("unknown proximity mode %q", p.Mode)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("log_level", "info")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("secret", "office-secret")

	v.SetDefault("signal.send_buffer", 64)
	v.SetDefault("signal.move_rate", 20)
	v.SetDefault("signal.move_burst", 10)
	v.SetDefault("signal.backpressure", "kick")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.ttl", "1h")
	v.SetDefault("redis.prefix", "office")

	v.SetDefault("agent.server_url", "ws://localhost:8080/api/ws/signal")
	v.SetDefault("agent.name", "agent")
	v.SetDefault("agent.office", "main")
	v.SetDefault("agent.x", 50)
	v.SetDefault("agent.y", 80)
	v.SetDefault("agent.voice", true)
	v.SetDefault("agent.auto_accept", false)
	v.SetDefault("agent.step_interval", "1s")

	v.SetDefault("proximity.mode", "distance")
	v.SetDefault("proximity.threshold", spatial.DefaultThreshold)
	v.SetDefault("proximity.max_distance", spatial.DefaultMaxDistance)
	v.SetDefault("proximity.gain_delta", 0.1)
	v.SetDefault("proximity.tick", "2s")

	v.SetDefault("activity.interval", "50ms")
	v.SetDefault("activity.threshold", 0.5)

	v.SetDefault("media.ice_servers", []string{
		"stun:stun.l.google.com:19302",
		"stun:stun1.l.google.com:19302",
	})
	v.SetDefault("media.negotiation_timeout", "15s")
}

// Load reads config/config.<CONFIG_ENV>.yaml. Flags, when given, override
// the agent section.
func Load(flags *pflag.FlagSet) (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env), flags)
}

func LoadFile(fileName string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.SetEnvPrefix("OFFICE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if flags != nil {
		if err := bindAgentFlags(v, flags); err != nil {
			return nil, err
		}
	}

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("proximity", cfg.Proximity.Mode).Msg("config ready")
	return &cfg, nil
}

// AgentFlags declares the command line of the agent.
func AgentFlags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("agent", pflag.ContinueOnError)
	fs.String("server", "", "relay websocket url")
	fs.String("name", "", "display name")
	fs.String("office", "", "office to join")
	fs.Float64("x", 0, "start x in [0,100]")
	fs.Float64("y", 0, "start y in [0,100]")
	fs.Bool("voice", true, "enable voice on join")
	fs.Bool("auto-accept", false, "accept direct call invites automatically")
	fs.String("audio", "", "ogg/opus file used as microphone (silence when empty)")
	fs.String("video", "", "ivf file used as camera")
	fs.String("path", "", `walk path "x,y;x,y;..."`)
	fs.Duration("step", 0, "interval between path steps")
	return fs
}

var agentFlagKeys = map[string]string{
	"server":      "agent.server_url",
	"name":        "agent.name",
	"office":      "agent.office",
	"x":           "agent.x",
	"y":           "agent.y",
	"voice":       "agent.voice",
	"auto-accept": "agent.auto_accept",
	"audio":       "agent.audio_file",
	"video":       "agent.video_file",
	"path":        "agent.path",
	"step":        "agent.step_interval",
}

// bindAgentFlags binds only flags that were set so unset flags never hide
// file or env values.
func bindAgentFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	var err error
	fs.Visit(func(f *pflag.Flag) {
		key, ok := agentFlagKeys[f.Name]
		if !ok || err != nil {
			return
		}
		err = v.BindPFlag(key, f)
	})
	return err
}
