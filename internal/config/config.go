package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/spf13/viper"
)

type Config struct {
	Datadir              string `mapstructure:"DATADIR" envDefault:"" envInfo:"Data directory for swap state (empty = in-memory)"`
	Network              string `mapstructure:"NETWORK" envDefault:"mainnet" envInfo:"Bitcoin network: mainnet | testnet | regtest"`
	LogLevel             uint32 `mapstructure:"LOG_LEVEL" envDefault:"4" envInfo:"Log verbosity (higher = more verbose)"`
	BoltzURL             string `mapstructure:"BOLTZ_URL" envDefault:"" envInfo:"Swap service HTTP endpoint (e.g., http://boltz:9001)"`
	BoltzWSURL           string `mapstructure:"BOLTZ_WS_URL" envDefault:"" envInfo:"Swap service WebSocket endpoint (e.g., ws://boltz:9002)"`
	EsploraURL           string `mapstructure:"ESPLORA_URL" envDefault:"https://blockstream.info/api" envInfo:"Esplora base URL for fee estimation"`
	SwapTimeout          uint32 `mapstructure:"SWAP_TIMEOUT" envDefault:"1800" envInfo:"Swap timeout in seconds"`
	DustLimit            uint64 `mapstructure:"DUST_LIMIT" envDefault:"546" envInfo:"Dust limit in sats for claim outputs"`
	MaxQuoteDeviationPPM uint64 `mapstructure:"MAX_QUOTE_DEVIATION_PPM" envDefault:"10000" envInfo:"Max accepted quote deviation in parts per million (0 = accept any)"`
}

func LoadConfig() (*Config, error) {
	v := viper.New()

	v.SetEnvPrefix("SWAPD")
	v.AutomaticEnv()

	if err := setDefaultConfig(v); err != nil {
		return nil, fmt.Errorf("error setting default config: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode into struct, %v", err)
	}

	if config.BoltzURL == "" {
		return nil, fmt.Errorf("BOLTZ_URL must be set")
	}
	if config.BoltzWSURL == "" {
		config.BoltzWSURL = deriveWSURL(config.BoltzURL)
	}

	if _, err := config.NetworkParams(); err != nil {
		return nil, err
	}

	if config.Datadir != "" {
		config.Datadir = cleanAndExpandPath(config.Datadir)
		if err := makeDirectoryIfNotExists(config.Datadir); err != nil {
			return nil, fmt.Errorf("error initializing data directory: %w", err)
		}
	}

	return &config, nil
}

func (c *Config) NetworkParams() (*chaincfg.Params, error) {
	switch c.Network {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("unsupported network: %s", c.Network)
	}
}

func setDefaultConfig(v *viper.Viper) error {
	t := reflect.TypeOf(Config{})
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		key := f.Tag.Get("mapstructure")
		def := f.Tag.Get("envDefault")
		if def != "" {
			v.SetDefault(key, def)
		}
		err := v.BindEnv(key)
		if err != nil {
			return fmt.Errorf("error binding env variable for key %s: %w", key, err)
		}
	}
	return nil
}

func deriveWSURL(httpURL string) string {
	if strings.HasPrefix(httpURL, "https://") {
		return "wss://" + strings.TrimPrefix(httpURL, "https://")
	}
	return "ws://" + strings.TrimPrefix(httpURL, "http://")
}

func makeDirectoryIfNotExists(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return os.MkdirAll(path, os.ModeDir|0755)
	}
	return nil
}

func cleanAndExpandPath(path string) string {
	if path == "" {
		return path
	}

	if strings.HasPrefix(path, "~") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			homeDir = os.Getenv("HOME")
		}
		path = strings.Replace(path, "~", homeDir, 1)
	}

	return filepath.Clean(os.ExpandEnv(path))
}
