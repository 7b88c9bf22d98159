package eventbus

import "github.com/chris-alexander-pop/go-eventbus/pkg/config"

// LoadConfig reads bus-wide Config from environment variables / a .env
// file, the same way every other host setting is loaded (§6 "Configuration
// surface").
func LoadConfig() (Config, error) {
	var cfg Config
	if err := config.Load(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
