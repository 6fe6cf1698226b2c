package configs

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ErrConfig is the error of misconfiguration.
var ErrConfig = errors.New("misconfiguration")

// Load reads a config file.
func Load(filepath string) (*Config, error) {
	content, err := os.ReadFile(filepath)
	if err != nil {
		return nil, err
	}
	return Unmarshal(content)
}

func Unmarshal(conf []byte) (out *Config, err error) {
	var m *ConfigMarshall
	if err := yaml.Unmarshal(conf, &m); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	if m == nil {
		return nil, fmt.Errorf("%w: empty", ErrConfig)
	}

	defer func() {
		if p := recover(); p != nil {
			out = nil
			if e, ok := p.(error); ok {
				err = fmt.Errorf("%w: %w", ErrConfig, e)
			} else {
				err = fmt.Errorf("%w: %v", ErrConfig, p)
			}
		}
	}()
	return TrySeal(m), nil
}
