// Package cfg holds the mount-time configuration surface described in
// spec.md §6 ("Environment"). It mirrors the teacher's cfg.Config /
// cmd/root.go split: a plain struct decoded by viper, with no cobra command
// attached — binding flags to it is the interactive CLI's job, and the CLI
// is explicitly out of scope for this module.
package cfg

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Cipher selects the AEAD construction used for the master key and all
// content/metadata encryption. See cryptocodec.CipherID for the runtime
// counterpart.
type Cipher string

const (
	ChaCha20Poly1305 Cipher = "chacha20-poly1305"
	AES256GCM        Cipher = "aes-256-gcm"
)

// PassphraseEnvVar is the single well-known environment variable name that
// delivers a passphrase non-interactively, per spec.md §6.
const PassphraseEnvVar = "CRYPTOFS_PASSPHRASE"

// Config is the full set of options recognized at mount time.
type Config struct {
	// DataDir is the backing data directory on the host filesystem.
	DataDir string `mapstructure:"data_dir"`

	// Cipher selects the AEAD cipher. Only meaningful on first
	// initialization of DataDir; subsequent mounts read the cipher that was
	// recorded in the master-key file header.
	Cipher Cipher `mapstructure:"cipher"`

	// ReadOnly disallows any mutating operation.
	ReadOnly bool `mapstructure:"read_only"`

	// IdleKeyTimeout is how long the in-memory master key survives without
	// use before being wiped. Zero disables idle wiping.
	IdleKeyTimeout time.Duration `mapstructure:"idle_key_timeout"`

	// LogPath, LogDebug configure internal/logger. Empty LogPath logs to
	// stderr.
	LogPath  string `mapstructure:"log_path"`
	LogDebug bool   `mapstructure:"log_debug"`
}

// Default returns the conservative defaults used when a field is absent
// from the config file/environment.
func Default() Config {
	return Config{
		Cipher:         ChaCha20Poly1305,
		IdleKeyTimeout: 5 * time.Minute,
	}
}

// Load decodes a Config out of the given viper instance, applying Default()
// first so unset fields keep sane values. v may be nil, in which case
// Default() alone is returned.
func Load(v *viper.Viper) (Config, error) {
	out := Default()
	if v == nil {
		return out, nil
	}
	if err := v.Unmarshal(&out); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	return out, nil
}

// Validate checks invariants Load cannot express through struct tags alone.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must be set")
	}
	switch c.Cipher {
	case ChaCha20Poly1305, AES256GCM:
	default:
		return fmt.Errorf("unsupported cipher %q", c.Cipher)
	}
	if c.IdleKeyTimeout < 0 {
		return fmt.Errorf("idle_key_timeout must not be negative")
	}
	return nil
}
