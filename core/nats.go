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

package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/alwitt/topicrelay/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
)

// NATSConnectParams NATS connection parameter
type NATSConnectParams struct {
	// ServerURI connect to NATS with URI
	ServerURI string `validate:"required,uri"`
	// ConnectTimeout max time to wait for connection
	ConnectTimeout time.Duration
	// MaxReconnectAttempt on connection failure, max number of reconnect
	// attempt. "-1" means infinite
	MaxReconnectAttempt int
	// ReconnectWait wait duration between reconnect attempts
	ReconnectWait time.Duration
	// OnDisconnectCallback callback on disconnect
	OnDisconnectCallback func(*nats.Conn, error)
	// OnReconnectCallback callback on reconnect
	OnReconnectCallback func(*nats.Conn)
	// OnCloseCallback callback on close
	OnCloseCallback func(*nats.Conn)
}

// ConnectParamsFromConfig convert the NATS config section into connect parameters
func ConnectParamsFromConfig(cfg common.NATSConfig) NATSConnectParams {
	logTags := log.Fields{"module": "core", "component": "nats-client", "instance": cfg.ServerURI}
	return NATSConnectParams{
		ServerURI:           cfg.ServerURI,
		ConnectTimeout:      time.Second * time.Duration(cfg.ConnectTimeout),
		MaxReconnectAttempt: cfg.Reconnect.MaxAttempts,
		ReconnectWait:       time.Second * time.Duration(cfg.Reconnect.WaitInterval),
		OnDisconnectCallback: func(_ *nats.Conn, err error) {
			log.WithError(err).WithFields(logTags).Warn("NATS disconnected")
		},
		OnReconnectCallback: func(_ *nats.Conn) {
			log.WithFields(logTags).Info("NATS reconnected")
		},
		OnCloseCallback: func(_ *nats.Conn) {
			log.WithFields(logTags).Info("NATS connection closed")
		},
	}
}

// NatsClient wrapper around a NATS connection
type NatsClient struct {
	common.Component
	nc *nats.Conn
}

// Close flush and close the NATS connection
func (c NatsClient) Close(ctxt context.Context) {
	if err := c.nc.FlushWithContext(ctxt); err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("NATS flush failed")
	}
	c.nc.Close()
	log.WithFields(c.LogTags).Infof("Close NATS client")
}

// Conn fetch the NATS connection
func (c NatsClient) Conn() *nats.Conn {
	return c.nc
}

// GetNATSClient define a new NATS client
func GetNATSClient(param NATSConnectParams) (NatsClient, error) {
	logTags := log.Fields{
		"module":    "core",
		"component": "nats-client",
		"instance":  param.ServerURI,
	}
	if err := validator.New().Struct(&param); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid NATS connect parameters")
		return NatsClient{}, err
	}
	nc, err := nats.Connect(
		param.ServerURI,
		nats.Timeout(param.ConnectTimeout),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(param.MaxReconnectAttempt),
		nats.ReconnectWait(param.ReconnectWait),
		nats.DisconnectErrHandler(param.OnDisconnectCallback),
		nats.ReconnectHandler(param.OnReconnectCallback),
		nats.ClosedHandler(param.OnCloseCallback),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("NATS client connect failed")
		return NatsClient{}, err
	}
	log.WithFields(logTags).Info("Created NATS client")
	return NatsClient{Component: common.Component{LogTags: logTags}, nc: nc}, nil
}

// ========================================================================================

// NotificationMirror republishes broker notifications onto NATS
type NotificationMirror interface {
	// Publish publish one notification for a topic
	Publish(ctxt context.Context, topic string, notification string) error
}

// natsMirrorImpl implements NotificationMirror
type natsMirrorImpl struct {
	common.Component
	client NatsClient
	prefix string
}

// GetNATSMirror define a new NATS notification mirror
func GetNATSMirror(client NatsClient, subjectPrefix string) (NotificationMirror, error) {
	if subjectPrefix == "" || strings.ContainsAny(subjectPrefix, ".*> \t") {
		return nil, fmt.Errorf("invalid subject prefix '%s'", subjectPrefix)
	}
	logTags := log.Fields{"module": "core", "component": "nats-mirror", "prefix": subjectPrefix}
	return &natsMirrorImpl{
		Component: common.Component{LogTags: logTags}, client: client, prefix: subjectPrefix,
	}, nil
}

// Publish publish one notification for a topic
func (m *natsMirrorImpl) Publish(ctxt context.Context, topic string, notification string) error {
	subject := MirrorSubject(m.prefix, topic)
	if err := ctxt.Err(); err != nil {
		log.WithError(err).WithFields(m.LogTags).Debugf("Skip mirroring onto %s", subject)
		return err
	}
	if err := m.client.nc.Publish(subject, []byte(notification)); err != nil {
		log.WithError(err).WithFields(m.LogTags).Errorf("Failed to mirror onto %s", subject)
		return err
	}
	return nil
}

// MirrorSubject the NATS subject a topic is mirrored to
//
// Characters which are subject tokens separators or wildcards in NATS are
// replaced with '_'.
func MirrorSubject(prefix string, topic string) string {
	sanitized := strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		default:
			return r
		}
	}, topic)
	return prefix + "." + sanitized
}
