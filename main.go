// Copyright 2022 The topicrelay Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/alwitt/topicrelay/cmd"
	"github.com/alwitt/topicrelay/common"
	"github.com/apex/log"
	apexJSON "github.com/apex/log/handlers/json"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"github.com/urfave/cli/v2"
)

type cliArgs struct {
	JSONLog    bool
	LogLevel   string `validate:"required,oneof=debug info warn error"`
	ConfigFile string `validate:"omitempty,file"`
	Hostname   string
}

type brokerArgs struct {
	Port int `validate:"omitempty,gt=0,lt=65536"`
}

var cmdArgs cliArgs

var brokerCmdArgs brokerArgs

var logTags log.Fields

const consoleExitCommand = "exit"

// @title topicrelay
// @version v0.1.0
// @description Topic broker relaying UDP publications to TCP subscribers

// @host localhost:3000
// @BasePath /
// @query.collection.format multi
func main() {
	hostname, err := os.Hostname()
	if err != nil {
		log.WithError(err).Fatal("Unable to read hostname")
	}
	cmdArgs.Hostname = hostname
	logTags = log.Fields{
		"module":    "main",
		"component": "main",
		"instance":  hostname,
	}

	common.InstallDefaultConfigValues()

	app := &cli.App{
		Version:     "v0.1.0",
		Usage:       "application entrypoint",
		Description: "Topic broker relaying UDP publications to TCP subscribers",
		Flags:       globalFlags(),
		// Components
		Commands: []*cli.Command{
			{
				Name:        "broker",
				Usage:       "Run the topicrelay broker",
				Description: "Accepts UDP publications and relays them to subscribed TCP clients",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:        "port",
						Usage:       "Port of both the TCP subscriber listener and the UDP socket",
						Aliases:     []string{"p"},
						EnvVars:     []string{"BROKER_PORT"},
						Destination: &brokerCmdArgs.Port,
						Required:    false,
					},
				},
				Action: startBroker,
			},
		},
	}

	err = app.Run(os.Args)
	if err != nil {
		log.WithError(err).WithFields(logTags).Fatal("Program shutdown")
	}
}

// globalFlags the CLI flags shared by every subcommand
func globalFlags() []cli.Flag {
	return []cli.Flag{
		// LOGGING
		&cli.BoolFlag{
			Name:        "json-log",
			Usage:       "Whether to log in JSON format",
			Aliases:     []string{"j"},
			EnvVars:     []string{"LOG_AS_JSON"},
			Value:       false,
			DefaultText: "false",
			Destination: &cmdArgs.JSONLog,
			Required:    false,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "Logging level: [debug info warn error]",
			Aliases:     []string{"l"},
			EnvVars:     []string{"LOG_LEVEL"},
			Value:       "info",
			DefaultText: "info",
			Destination: &cmdArgs.LogLevel,
			Required:    false,
		},
		// Config file
		&cli.StringFlag{
			Name:        "config-file",
			Usage:       "Application config file. Use DEFAULT if not specified.",
			Aliases:     []string{"c"},
			EnvVars:     []string{"CONFIG_FILE"},
			Value:       "",
			DefaultText: "",
			Destination: &cmdArgs.ConfigFile,
			Required:    false,
		},
	}
}

// setupLogging helper function to prepare the app logging
func setupLogging() {
	if cmdArgs.JSONLog {
		log.SetHandler(apexJSON.New(os.Stderr))
	}
	switch cmdArgs.LogLevel {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.SetLevel(log.ErrorLevel)
	}
}

// initialCmdArgsProcessing perform initial CMD arg processing
func initialCmdArgsProcessing(c *cli.Context) (*common.SystemConfig, error) {
	validate := validator.New()
	// Validate command line argument
	if err := validate.Struct(&cmdArgs); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid CMD args")
		return nil, err
	}
	if err := validate.Struct(&brokerCmdArgs); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid broker CMD args")
		return nil, err
	}
	setupLogging()
	tmp, err := json.MarshalIndent(&cmdArgs, "", "  ")
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to marshal args")
		return nil, err
	}
	log.Debugf("Starting params\n%s", tmp)
	// Parse the config file
	if len(cmdArgs.ConfigFile) > 0 {
		viper.SetConfigFile(cmdArgs.ConfigFile)
		if err := viper.ReadInConfig(); err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Failed to read config file %s", cmdArgs.ConfigFile,
			)
			return nil, err
		}
	}
	// Optional sections only get defaults when present
	if viper.IsSet("admin") {
		common.InstallDefaultAdminConfigValues()
	}
	if viper.IsSet("mirror") {
		common.InstallDefaultMirrorConfigValues()
	}
	if c.IsSet("port") {
		viper.Set("broker.port", brokerCmdArgs.Port)
	}
	var config common.SystemConfig
	if err := viper.Unmarshal(&config); err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Failed to parse config file %s", cmdArgs.ConfigFile,
		)
		return nil, err
	}
	tmp, err = json.MarshalIndent(&config, "", "  ")
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to marshal config files")
		return nil, err
	}
	log.Debugf("Config file\n%s", tmp)
	if err := validate.Struct(&config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid config file content")
		return nil, err
	}
	return &config, nil
}

// signalRecvSetup helper function for setting up the SIG receive handler
func signalRecvSetup(ctxt context.Context, ctxtCancel context.CancelFunc) {
	go func() {
		cc := make(chan os.Signal, 1)
		// We'll accept graceful shutdowns when quit via SIGINT (Ctrl+C)
		// SIGKILL, SIGQUIT or SIGTERM (Ctrl+/) will not be caught.
		signal.Notify(cc, os.Interrupt)
		defer signal.Stop(cc)
		select {
		case <-cc:
			log.WithFields(logTags).Info("Received SIGINT")
			ctxtCancel()
		case <-ctxt.Done():
		}
	}()
}

// consoleRecvSetup helper function for reading operator commands from the console
//
// The reader is not tracked by a wait group as a console read can not be interrupted.
func consoleRecvSetup(console io.Reader, ctxtCancel context.CancelFunc) {
	go func() {
		scanner := bufio.NewScanner(console)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == consoleExitCommand {
				log.WithFields(logTags).Info("Received console exit command")
				ctxtCancel()
				return
			}
			log.WithFields(logTags).Debugf("Ignoring console input '%s'", line)
		}
		if err := scanner.Err(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Console read failed")
		}
	}()
}

// ============================================================================
// Broker subcommand

// startBroker run the broker
func startBroker(c *cli.Context) error {
	config, err := initialCmdArgsProcessing(c)
	if err != nil {
		return err
	}

	runTimeContext, rtCancel := context.WithCancel(context.Background())
	defer rtCancel()

	signalRecvSetup(runTimeContext, rtCancel)
	consoleRecvSetup(os.Stdin, rtCancel)

	return cmd.RunBroker(runTimeContext, config, cmdArgs.Hostname)
}
