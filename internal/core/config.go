package core

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config contains every runtime-tunable parameter of the server. Values
// come from defaults, then environment variables, then CLI flags, with the
// later sources winning.
type Config struct {
	// Hostname or IP address on which the server listens for connections.
	Host string `mapstructure:"host"`
	// TCP port for the lobby listener.
	Port int `mapstructure:"port"`
	// Maximum number of concurrently running matches. 1 means extra
	// arrivals spectate the running match instead of pairing.
	MaxMatches int `mapstructure:"max_matches"`

	// Board edge length. The wire grammar covers sizes up to 26.
	BoardSize int `mapstructure:"board_size"`
	// Single-ship variant for quick games.
	OneShip bool `mapstructure:"one_ship"`

	// Enable AES-CTR payload encryption.
	Secure bool `mapstructure:"secure"`
	// Hex-encoded 16/24/32-byte AES key; ignored unless Secure is set.
	Key string `mapstructure:"key"`

	// Minimum level of a log required to be written: debug, info, warn, error.
	LogLevel string `mapstructure:"log_level"`
	// Full path to the log file. Blank writes to stdout.
	LogFilePath string `mapstructure:"log_file_path"`

	Timeouts struct {
		// Seconds an unclassified connection may take to send its
		// handshake line.
		Handshake int `mapstructure:"handshake"`
		// Seconds per ship during manual placement.
		Place int `mapstructure:"place"`
		// Seconds the active player has to issue a command.
		Turn int `mapstructure:"turn"`
		// Seconds a vacated slot waits for its token to reattach.
		Reconnect int `mapstructure:"reconnect"`
	} `mapstructure:"timeouts"`

	Debugging struct {
		// Enable the pprof/metrics HTTP server and frame dumps.
		Enabled bool `mapstructure:"enabled"`
		// Port for the debug HTTP server.
		Port int `mapstructure:"port"`
		// Log hex dumps of every frame sent and received.
		PacketLoggingEnabled bool `mapstructure:"packet_logging_enabled"`
	} `mapstructure:"debugging"`
}

const defaultKeyHex = "00112233445566778899AABBCCDDEEFF"

// Environment variables recognised without any prefix, for compatibility
// with the historical deployment scripts.
var envBindings = map[string]string{
	"host":              "HOST",
	"timeouts.turn":     "TURN_TIMEOUT",
	"board_size":        "BOARD_SIZE",
	"key":               "KEY",
	"debugging.enabled": "DEBUG",
}

// LoadConfig builds a Config from defaults and the environment. CLI flags
// are layered on top by the caller through the returned viper instance.
func LoadConfig() (*Config, *viper.Viper, error) {
	v := viper.New()

	v.SetDefault("host", "127.0.0.1")
	v.SetDefault("port", 5000)
	v.SetDefault("max_matches", 1)
	v.SetDefault("board_size", 10)
	v.SetDefault("one_ship", false)
	v.SetDefault("secure", false)
	v.SetDefault("key", defaultKeyHex)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_file_path", "")
	v.SetDefault("timeouts.handshake", 10)
	v.SetDefault("timeouts.place", 60)
	v.SetDefault("timeouts.turn", 60)
	v.SetDefault("timeouts.reconnect", 60)
	v.SetDefault("debugging.enabled", false)
	v.SetDefault("debugging.port", 6060)
	v.SetDefault("debugging.packet_logging_enabled", false)

	for key, envVar := range envBindings {
		if err := v.BindEnv(key, envVar); err != nil {
			return nil, nil, fmt.Errorf("error binding %s to %s: %w", key, envVar, err)
		}
	}
	// TEST_PORT overrides PORT so the test harness can isolate servers;
	// the first set variable in the list wins.
	if err := v.BindEnv("port", "TEST_PORT", "PORT"); err != nil {
		return nil, nil, fmt.Errorf("error binding port: %w", err)
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	return config, v, nil
}

// Reload re-unmarshals c from v after flag binding.
func (c *Config) Reload(v *viper.Viper) error {
	return v.Unmarshal(c)
}

// Addr returns the lobby listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// KeyBytes decodes the configured AES key. Returns nil when encryption is
// disabled so the codec stays in plaintext mode.
func (c *Config) KeyBytes() ([]byte, error) {
	if !c.Secure {
		return nil, nil
	}
	key, err := hex.DecodeString(c.Key)
	if err != nil {
		return nil, fmt.Errorf("error decoding key hex: %w", err)
	}
	switch len(key) {
	case 16, 24, 32:
		return key, nil
	}
	return nil, fmt.Errorf("AES key must be 16/24/32 bytes, got %d", len(key))
}

// Fleet-independent timeout accessors.
func (c *Config) HandshakeTimeout() time.Duration {
	return time.Duration(c.Timeouts.Handshake) * time.Second
}
func (c *Config) PlaceTimeout() time.Duration {
	return time.Duration(c.Timeouts.Place) * time.Second
}
func (c *Config) TurnTimeout() time.Duration {
	return time.Duration(c.Timeouts.Turn) * time.Second
}
func (c *Config) ReconnectTimeout() time.Duration {
	return time.Duration(c.Timeouts.Reconnect) * time.Second
}
