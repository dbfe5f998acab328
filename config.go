package cryptvol

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// FileConfig is the on-disk configuration layout
type FileConfig struct {
	Cipher           string        `mapstructure:"cipher"`
	NoSync           bool          `mapstructure:"no_sync"`
	ProbeBlocks      int           `mapstructure:"probe_blocks"`
	RotationInterval time.Duration `mapstructure:"rotation_interval"`
	LogLevel         string        `mapstructure:"log_level"`

	Parallel struct {
		Enabled              bool `mapstructure:"enabled"`
		MaxWorkers           int  `mapstructure:"max_workers"`
		MinBlocksForParallel int  `mapstructure:"min_blocks"`
	} `mapstructure:"parallel"`

	Snapshot struct {
		Codec            string `mapstructure:"codec"`
		CompressionLevel int    `mapstructure:"compression_level"`
	} `mapstructure:"snapshot"`
}

// LoadConfig reads volume and snapshot settings. path names a YAML file;
// when empty, cryptvol.yaml is searched in the working directory,
// $HOME/.cryptvol and /etc/cryptvol, and a missing file means defaults.
// Environment variables prefixed CRYPTVOL_ override file values
// (CRYPTVOL_SNAPSHOT_CODEC for snapshot.codec).
func LoadConfig(path string) (*Config, *SnapshotConfig, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("cryptvol")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.cryptvol")
		v.AddConfigPath("/etc/cryptvol")
	}

	par := DefaultParallelConfig()
	v.SetDefault("cipher", "auto")
	v.SetDefault("no_sync", false)
	v.SetDefault("probe_blocks", DefaultProbeBlocks)
	v.SetDefault("rotation_interval", DefaultRotationInterval)
	v.SetDefault("log_level", "info")
	v.SetDefault("parallel.enabled", par.Enabled)
	v.SetDefault("parallel.max_workers", par.MaxWorkers)
	v.SetDefault("parallel.min_blocks", par.MinBlocksForParallel)
	v.SetDefault("snapshot.codec", "zstd")
	v.SetDefault("snapshot.compression_level", 0)

	v.SetEnvPrefix("CRYPTVOL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	return fc.resolve()
}

// resolve converts the file layout into validated configurations
func (fc *FileConfig) resolve() (*Config, *SnapshotConfig, error) {
	suite, err := ParseCipherSuite(fc.Cipher)
	if err != nil {
		return nil, nil, err
	}
	codec, err := ParseCodec(fc.Snapshot.Codec)
	if err != nil {
		return nil, nil, err
	}
	level, err := logrus.ParseLevel(fc.LogLevel)
	if err != nil {
		return nil, nil, NewValidationError("log_level", fc.LogLevel, err.Error())
	}

	logger := logrus.New()
	logger.SetLevel(level)

	cfg := &Config{
		Cipher:           suite,
		NoSync:           fc.NoSync,
		ProbeBlocks:      fc.ProbeBlocks,
		RotationInterval: fc.RotationInterval,
		Parallel: ParallelConfig{
			Enabled:              fc.Parallel.Enabled,
			MaxWorkers:           fc.Parallel.MaxWorkers,
			MinBlocksForParallel: fc.Parallel.MinBlocksForParallel,
		},
		Logger: logger,
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	snap := &SnapshotConfig{
		Codec:            codec,
		CompressionLevel: fc.Snapshot.CompressionLevel,
		Parallel:         cfg.Parallel,
		Volume:           cfg,
		Logger:           logger,
	}
	if err := snap.Validate(); err != nil {
		return nil, nil, err
	}
	return cfg, snap, nil
}
