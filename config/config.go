// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package config

import (
	"log"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// RecorderConfig is the application configuration for the recording core.
type RecorderConfig struct {
	ServiceName string `mapstructure:"service_name" validate:"required"`
	LogLevel    string `mapstructure:"log_level" validate:"required"`
	LogPath     string `mapstructure:"log_path"`

	OutputDir string `mapstructure:"output_dir" validate:"required"`

	SegmentSeconds            int `mapstructure:"segment_seconds" validate:"gt=0"`
	TickMillis                int `mapstructure:"tick_millis" validate:"gt=0"`
	BufferTimeoutMillis       int `mapstructure:"buffer_timeout_millis" validate:"gt=0"`
	MinOrphanBytes            int `mapstructure:"min_orphan_bytes" validate:"gt=0"`
	EncoderJoinTimeoutSeconds int `mapstructure:"encoder_join_timeout_seconds" validate:"gt=0"`
	SourceChannelSize         int `mapstructure:"source_channel_size" validate:"gt=0"`

	TargetSampleRate int `mapstructure:"target_sample_rate" validate:"gt=0"`
	TargetChannels   int `mapstructure:"target_channels" validate:"gt=0"`
}

// SegmentDuration returns the nominal bounded segment duration.
func (c *RecorderConfig) SegmentDuration() time.Duration {
	return time.Duration(c.SegmentSeconds) * time.Second
}

// TickInterval returns the mixer loop cadence.
func (c *RecorderConfig) TickInterval() time.Duration {
	return time.Duration(c.TickMillis) * time.Millisecond
}

// BufferTimeout returns the mixer silence chunk size / lateness tolerance.
func (c *RecorderConfig) BufferTimeout() time.Duration {
	return time.Duration(c.BufferTimeoutMillis) * time.Millisecond
}

// EncoderJoinTimeout bounds segment encoder thread joins.
func (c *RecorderConfig) EncoderJoinTimeout() time.Duration {
	return time.Duration(c.EncoderJoinTimeoutSeconds) * time.Second
}

// reading config and intializing configs for application
func InitConfig() (*viper.Viper, error) {
	vConfig := viper.NewWithOptions(viper.KeyDelimiter("__"))

	vConfig.AddConfigPath(".")
	vConfig.SetConfigName(".env")
	path := os.Getenv("ENV_PATH")
	if path != "" {
		log.Printf("env path %v", path)
		vConfig.SetConfigFile(path)
	}
	vConfig.SetConfigType("env")
	vConfig.AutomaticEnv()

	setDefault(vConfig)
	if err := vConfig.ReadInConfig(); err != nil && !os.IsNotExist(err) {
		log.Printf("Reading from env variables.")
	}

	return vConfig, nil
}

// Load unmarshals and validates the recorder configuration.
func Load(v *viper.Viper) (*RecorderConfig, error) {
	var cfg RecorderConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefault(v *viper.Viper) {
	// setting all default values
	v.SetDefault("SERVICE_NAME", "recorder")
	v.SetDefault("LOG_LEVEL", "debug")
	v.SetDefault("LOG_PATH", "")

	v.SetDefault("OUTPUT_DIR", "./recordings")

	v.SetDefault("SEGMENT_SECONDS", 3)
	v.SetDefault("TICK_MILLIS", 5)
	v.SetDefault("BUFFER_TIMEOUT_MILLIS", 200)
	v.SetDefault("MIN_ORPHAN_BYTES", 100)
	v.SetDefault("ENCODER_JOIN_TIMEOUT_SECONDS", 5)
	v.SetDefault("SOURCE_CHANNEL_SIZE", 64)

	v.SetDefault("TARGET_SAMPLE_RATE", 16000)
	v.SetDefault("TARGET_CHANNELS", 1)
}
