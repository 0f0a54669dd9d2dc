package config

import "go.uber.org/fx"

// NewProvider supplies cfg when given, otherwise loads and validates the
// config from the environment when the graph is built.
func NewProvider(cfg *Config) fx.Option {
	if cfg != nil {
		return fx.Supply(cfg)
	}

	return fx.Provide(func() (*Config, error) {
		loaded := &Config{}
		if err := LoadConfig(loaded); err != nil {
			return nil, err
		}
		return loaded, nil
	})
}
