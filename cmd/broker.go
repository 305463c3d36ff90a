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

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/topicrelay/apis"
	"github.com/alwitt/topicrelay/broker"
	"github.com/alwitt/topicrelay/common"
	"github.com/alwitt/topicrelay/core"
	"github.com/alwitt/topicrelay/transport"
	"github.com/apex/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = time.Second * 10

// RunBroker run the broker until the runtime context ends
func RunBroker(
	runtimeContext context.Context, config *common.SystemConfig, instance string,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "broker",
		"instance":  instance,
	}

	wg := sync.WaitGroup{}
	defer wg.Wait()
	// The broker outlives the runtime context so the shutdown notices can still go out
	brokerCtxt, brokerCancel := context.WithCancel(context.Background())
	defer brokerCancel()

	// -------------------------------------------------------------------
	// Optional NATS mirror

	var mirror core.NotificationMirror
	if config.Mirror != nil {
		natsClient, err := core.GetNATSClient(core.ConnectParamsFromConfig(config.Mirror.NATS))
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Failed to define NATS client with %s", config.Mirror.NATS.ServerURI,
			)
			return err
		}
		defer func() {
			ctxt, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			natsClient.Close(ctxt)
		}()
		mirror, err = core.GetNATSMirror(natsClient, config.Mirror.SubjectPrefix)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define NATS mirror")
			return err
		}
	}

	// -------------------------------------------------------------------
	// Broker core and transports

	relay, err := broker.GetBroker(brokerCtxt, broker.ParamsFromConfig(config.Broker), mirror, &wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define broker")
		return err
	}

	listener, err := transport.GetTCPListener(
		config.Broker.ListenOn, config.Broker.Port, transport.SessionParams{
			OutboundQueueDepth: config.Broker.OutboundQueueDepth,
			WriteTimeout:       config.Broker.WriteTimeoutDuration(),
			OnFrame:            relay.FrameReceived,
			OnClosed:           relay.SessionClosed,
		},
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define TCP listener")
		_ = relay.Shutdown(brokerCtxt)
		return err
	}
	receiver, err := transport.GetUDPReceiver(config.Broker.ListenOn, config.Broker.Port)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define UDP receiver")
		_ = listener.Close()
		_ = relay.Shutdown(brokerCtxt)
		return err
	}
	if err := listener.StartAccepting(relay.SessionAccepted, &wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start TCP listener")
		_ = listener.Close()
		_ = receiver.Close()
		_ = relay.Shutdown(brokerCtxt)
		return err
	}
	if err := receiver.StartReading(relay.PublicationReceived, &wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start UDP receiver")
		_ = listener.Close()
		_ = receiver.Close()
		_ = relay.Shutdown(brokerCtxt)
		return err
	}
	log.WithFields(logTags).Infof(
		"Broker serving TCP %s and UDP %s", listener.Addr(), receiver.Addr(),
	)

	// -------------------------------------------------------------------
	// Optional admin API server

	var httpSrv *http.Server
	if config.Admin != nil {
		httpSrv, err = defineAdminServer(relay, config.Admin)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define admin API server")
			_ = listener.Close()
			_ = receiver.Close()
			_ = relay.Shutdown(brokerCtxt)
			return err
		}
	}

	// ============================================================================

	eg, egCtxt := errgroup.WithContext(runtimeContext)

	if httpSrv != nil {
		eg.Go(func() error {
			log.WithFields(logTags).Infof("Started admin API server on http://%s", httpSrv.Addr)
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).WithFields(logTags).Error("Admin API server failure")
				return err
			}
			return nil
		})
	}

	// A broker that stops on its own ends the process
	eg.Go(func() error {
		select {
		case <-relay.Done():
			return fmt.Errorf("broker event loop stopped")
		case <-egCtxt.Done():
			return nil
		}
	})

	eg.Go(func() error {
		<-egCtxt.Done()
		log.WithFields(logTags).Info("Shutting down broker")

		// No new sessions or publications may arrive during the shutdown
		if err := listener.Close(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to close TCP listener")
		}
		if err := receiver.Close(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to close UDP receiver")
		}

		ctxt, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := relay.Shutdown(ctxt); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during broker shutdown")
		}
		if httpSrv != nil {
			if err := httpSrv.Shutdown(ctxt); err != nil {
				log.WithError(err).WithFields(logTags).Error("Failure during HTTP shutdown")
			}
		}
		return nil
	})

	return eg.Wait()
}

// defineAdminServer build the admin API HTTP server
func defineAdminServer(
	relay broker.Broker, config *common.AdminServerConfig,
) (*http.Server, error) {
	httpHandler, err := apis.GetAPIRestAdminHandler(relay, &config.HTTPSetting)
	if err != nil {
		return nil, err
	}
	router := apis.DefineAdminRouter(httpHandler, config.Endpoints.PathPrefix)

	serverCfg := config.HTTPSetting.Server
	return &http.Server{
		Addr:         fmt.Sprintf("%s:%d", serverCfg.ListenOn, serverCfg.Port),
		WriteTimeout: time.Second * time.Duration(serverCfg.WriteTimeout),
		ReadTimeout:  time.Second * time.Duration(serverCfg.ReadTimeout),
		IdleTimeout:  time.Second * time.Duration(serverCfg.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}, nil
}
