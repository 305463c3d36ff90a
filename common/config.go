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

package common

import (
	"time"

	"github.com/spf13/viper"
)

// ===============================================================================
// Broker Related Config

// BrokerConfig defines the parameters of the broker transports and queues
type BrokerConfig struct {
	// ListenOn is the interface both the TCP and UDP sockets bind to
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port shared by the TCP subscriber listener and the UDP ingestion socket
	Port uint16 `mapstructure:"port" json:"port" validate:"required,gt=0,lt=65536"`
	// EventBuffer is the depth of the event loop's input queue
	EventBuffer int `mapstructure:"event_buffer" json:"event_buffer" validate:"gte=1"`
	// OutboundQueueDepth is the number of frames buffered per subscriber connection
	// before the connection is considered stalled
	OutboundQueueDepth int `mapstructure:"outbound_queue_depth" json:"outbound_queue_depth" validate:"gte=1"`
	// WriteTimeout is the max duration of one socket write in milliseconds
	WriteTimeout int `mapstructure:"write_timeout_ms" json:"write_timeout_ms" validate:"gte=1"`
	// MaxPendingPerSubscriber caps the store-and-forward queue of one subscriber.
	// Oldest notifications are dropped once breached. 0 means unbounded.
	MaxPendingPerSubscriber int `mapstructure:"max_pending_per_subscriber" json:"max_pending_per_subscriber" validate:"gte=0"`
	// MaxPendingAge is the max age of a queued notification in seconds. 0 means no limit.
	MaxPendingAge int `mapstructure:"max_pending_age_sec" json:"max_pending_age_sec" validate:"gte=0"`
	// PendingSweepInterval is the period between pending queue age sweeps in seconds
	PendingSweepInterval int `mapstructure:"pending_sweep_interval_sec" json:"pending_sweep_interval_sec" validate:"gte=1"`
}

// WriteTimeoutDuration is WriteTimeout as a time.Duration
func (c BrokerConfig) WriteTimeoutDuration() time.Duration {
	return time.Millisecond * time.Duration(c.WriteTimeout)
}

// MaxPendingAgeDuration is MaxPendingAge as a time.Duration
func (c BrokerConfig) MaxPendingAgeDuration() time.Duration {
	return time.Second * time.Duration(c.MaxPendingAge)
}

// ===============================================================================
// NATS Related Config

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSConfig defines parameters for connecting to NATS server
type NATSConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required,dive"`
}

// MirrorConfig defines the optional NATS mirror of decoded publications
type MirrorConfig struct {
	// SubjectPrefix is prepended to the topic to form the NATS subject
	SubjectPrefix string `mapstructure:"subject_prefix" json:"subject_prefix" validate:"required,alphanum"`
	// NATS is the NATS connection parameters
	NATS NATSConfig `mapstructure:"nats" json:"nats" validate:"required,dive"`
}

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required,dive"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required,dive"`
}

// AdminEndpointConfig defines admin API endpoint config
type AdminEndpointConfig struct {
	// PathPrefix is the end-point path prefix for the admin APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// AdminServerConfig defines configuration for the admin API server
type AdminServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters for the admin API server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// Endpoints is the API endpoint config parameters for the admin API server
	Endpoints AdminEndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required,dive"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete broker process config
type SystemConfig struct {
	// Broker are the broker transport and queue parameters
	Broker BrokerConfig `mapstructure:"broker" json:"broker" validate:"required,dive"`
	// Admin are the admin API server configs
	Admin *AdminServerConfig `mapstructure:"admin,omitempty" json:"admin,omitempty" validate:"omitempty,dive"`
	// Mirror are the NATS mirror configs
	Mirror *MirrorConfig `mapstructure:"mirror,omitempty" json:"mirror,omitempty" validate:"omitempty,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default broker settings
	viper.SetDefault("broker.listen_on", "0.0.0.0")
	viper.SetDefault("broker.port", 12345)
	viper.SetDefault("broker.event_buffer", 1024)
	viper.SetDefault("broker.outbound_queue_depth", 256)
	viper.SetDefault("broker.write_timeout_ms", 2000)
	viper.SetDefault("broker.max_pending_per_subscriber", 1024)
	viper.SetDefault("broker.max_pending_age_sec", 0)
	viper.SetDefault("broker.pending_sweep_interval_sec", 30)
}

// InstallDefaultAdminConfigValues installs default admin API server parameters in viper
func InstallDefaultAdminConfigValues() {
	viper.SetDefault("admin.endpoint_config.path_prefix", "/")
	viper.SetDefault("admin.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("admin.api_server.server_config.listen_port", 3000)
	viper.SetDefault("admin.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("admin.api_server.server_config.write_timeout_sec", 60)
	viper.SetDefault("admin.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"admin.api_server.logging_config.request_id_header", "Topicrelay-Request-ID",
	)
	viper.SetDefault(
		"admin.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
}

// InstallDefaultMirrorConfigValues installs default NATS mirror parameters in viper
func InstallDefaultMirrorConfigValues() {
	viper.SetDefault("mirror.subject_prefix", "topicrelay")
	viper.SetDefault("mirror.nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("mirror.nats.connect_timeout_sec", 30)
	viper.SetDefault("mirror.nats.reconnect.max_attempts", -1)
	viper.SetDefault("mirror.nats.reconnect.wait_interval_sec", 15)
}
