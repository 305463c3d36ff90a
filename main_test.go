package main

import (
	"testing"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
	"github.com/urfave/cli/v2"
)

func TestGlobalFlagDefaults(t *testing.T) {
	assert := assert.New(t)

	app := &cli.App{
		Flags:  globalFlags(),
		Action: func(*cli.Context) error { return nil },
	}

	// Case 0: connect and disconnect notices are visible without any flags
	{
		assert.Nil(app.Run([]string{"topicrelay"}))
		assert.Equal("info", cmdArgs.LogLevel)
		assert.False(cmdArgs.JSONLog)
		assert.Empty(cmdArgs.ConfigFile)
		setupLogging()
		logger, ok := log.Log.(*log.Logger)
		assert.True(ok)
		assert.Equal(log.InfoLevel, logger.Level)
	}

	// Case 1: explicit level
	{
		assert.Nil(app.Run([]string{"topicrelay", "-l", "error"}))
		assert.Equal("error", cmdArgs.LogLevel)
		setupLogging()
		logger, ok := log.Log.(*log.Logger)
		assert.True(ok)
		assert.Equal(log.ErrorLevel, logger.Level)
	}
}
