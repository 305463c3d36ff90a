package common

import (
	"bytes"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestViperConfigParsing(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	validate := validator.New()
	viper.Reset()
	defer viper.Reset()

	// Case 0: parse config with no defaults in place
	{
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 1: load the configs
	{
		var cfg SystemConfig
		InstallDefaultConfigValues()
		assert.Nil(viper.Unmarshal(&cfg))
		assert.Nil(validate.Struct(&cfg))
		assert.Nil(cfg.Admin)
		assert.Nil(cfg.Mirror)
		assert.Equal(uint16(12345), cfg.Broker.Port)
		assert.Equal(1024, cfg.Broker.MaxPendingPerSubscriber)
		assert.Equal(time.Second*2, cfg.Broker.WriteTimeoutDuration())
		assert.Equal(time.Duration(0), cfg.Broker.MaxPendingAgeDuration())
	}

	// Case 2: load the optional sections
	{
		var cfg SystemConfig
		InstallDefaultAdminConfigValues()
		InstallDefaultMirrorConfigValues()
		assert.Nil(viper.Unmarshal(&cfg))
		assert.Nil(validate.Struct(&cfg))
		assert.NotNil(cfg.Admin)
		assert.NotNil(cfg.Mirror)
		assert.Equal(uint16(3000), cfg.Admin.HTTPSetting.Server.Port)
		assert.Equal("topicrelay", cfg.Mirror.SubjectPrefix)
	}

	// Case 3: invalid config
	{
		config := []byte(`---
broker:
  listen_on: not-an-ip`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 4: invalid config
	{
		config := []byte(`---
broker:
  outbound_queue_depth: 0`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 5: invalid mirror subject prefix
	{
		config := []byte(`---
mirror:
  subject_prefix: "bad.prefix"`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 6: valid override
	{
		config := []byte(`---
broker:
  port: 4567
  max_pending_age_sec: 60`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.Nil(validate.Struct(&cfg))
		assert.Equal(uint16(4567), cfg.Broker.Port)
		assert.Equal(time.Minute, cfg.Broker.MaxPendingAgeDuration())
	}
}
