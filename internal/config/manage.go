package config

import (
	"fmt"
)

// KeyInfo describes one config key as shown by "config show". Secret
// values are never included; Value reports only whether one is set.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
	Secret bool
}

// ShowAll lists every config key with its effective value in cfg.
func ShowAll(cfg Config) []KeyInfo {
	out := make([]KeyInfo, 0, len(specs))
	for _, s := range specs {
		info := KeyInfo{Key: s.key, EnvVar: s.env, Secret: s.secret}
		v := s.extract(cfg)
		switch {
		case !s.secret:
			info.Value = fmt.Sprint(v)
		case v == "":
			info.Value = "(unset)"
		default:
			info.Value = "(set)"
		}
		out = append(out, info)
	}
	return out
}

// SetKey validates value and writes it to the config file.
func SetKey(key, value string) error {
	return setKey(newFileBackend(configFilePath()), key, value)
}

// UnsetKey removes key from the config file so the default applies again.
func UnsetKey(key string) error {
	return unsetKey(newFileBackend(configFilePath()), key)
}

func lookupWritable(key string) (keySpec, error) {
	for _, s := range specs {
		if s.key != key {
			continue
		}
		if s.secret {
			return keySpec{}, fmt.Errorf("%s is a secret; set it with the %s environment variable", key, s.env)
		}
		return s, nil
	}
	return keySpec{}, fmt.Errorf("unknown config key %q", key)
}

func setKey(b ConfigBackend, key, value string) error {
	s, err := lookupWritable(key)
	if err != nil {
		return err
	}
	v, err := parseValue(s.typ, value)
	if err != nil {
		return fmt.Errorf("%s expects a %s: %w", key, typeName(s.typ), err)
	}
	if n, ok := v.(int); ok {
		return b.SetInt(key, n)
	}
	return b.SetString(key, value)
}

func unsetKey(b ConfigBackend, key string) error {
	if _, err := lookupWritable(key); err != nil {
		return err
	}
	return b.Delete(key)
}

// ValidKeys lists the keys accepted by SetKey.
func ValidKeys() []string {
	keys := make([]string, 0, len(specs))
	for _, s := range specs {
		if !s.secret {
			keys = append(keys, s.key)
		}
	}
	return keys
}
