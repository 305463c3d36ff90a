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

// Package broker is the core of the relay: it owns the subscriber registry and
// processes every session, command, and publication event on one event loop.
package broker

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/alwitt/topicrelay/codec"
	"github.com/alwitt/topicrelay/common"
	"github.com/alwitt/topicrelay/core"
	"github.com/alwitt/topicrelay/registry"
	"github.com/alwitt/topicrelay/transport"
	"github.com/apex/log"
)

// Params broker operating parameters
type Params struct {
	// EventBuffer depth of the event loop input queue
	EventBuffer int
	// MaxPendingPerSubscriber store-and-forward queue depth, 0 for unbounded
	MaxPendingPerSubscriber int
	// MaxPendingAge max age of a queued notification, 0 for no limit
	MaxPendingAge time.Duration
	// SweepInterval period between pending queue age sweeps
	SweepInterval time.Duration
}

// ParamsFromConfig convert the broker config section into broker parameters
func ParamsFromConfig(cfg common.BrokerConfig) Params {
	return Params{
		EventBuffer:             cfg.EventBuffer,
		MaxPendingPerSubscriber: cfg.MaxPendingPerSubscriber,
		MaxPendingAge:           cfg.MaxPendingAgeDuration(),
		SweepInterval:           time.Second * time.Duration(cfg.PendingSweepInterval),
	}
}

// Broker relays publications to subscriber sessions
type Broker interface {
	// SessionAccepted register a new subscriber connection
	SessionAccepted(session transport.Session) error
	// FrameReceived process a frame read from a session
	FrameReceived(sessionID string, frame codec.Frame)
	// SessionClosed process the end of a session
	SessionClosed(sessionID string, err error)
	// PublicationReceived process a decoded publication
	PublicationReceived(pub codec.Publication)
	// Shutdown notify all subscribers, close all sessions, and stop the event loop
	Shutdown(ctxt context.Context) error
	// ListSubscribers snapshot of all known subscribers
	ListSubscribers(ctxt context.Context) ([]registry.SubscriberInfo, error)
	// GetSubscriber snapshot of one subscriber
	GetSubscriber(ctxt context.Context, identity string) (registry.SubscriberInfo, error)
	// ListTopics snapshot of all topics with members
	ListTopics(ctxt context.Context) ([]registry.TopicInfo, error)
	// Done is closed once the broker has stopped
	Done() <-chan struct{}
}

// brokerImpl implements Broker
type brokerImpl struct {
	common.Component
	rootCtxt context.Context
	tp       common.TaskProcessor
	registry registry.Registry
	sessions map[string]transport.Session
	mirror   core.NotificationMirror
	sweeper  common.IntervalTimer
	stopped  bool
}

// GetBroker define and start a new broker
//
// mirror is optional.
func GetBroker(
	ctxt context.Context, params Params, mirror core.NotificationMirror, wg *sync.WaitGroup,
) (Broker, error) {
	logTags := log.Fields{"module": "broker", "component": "broker"}
	if params.EventBuffer < 1 {
		return nil, fmt.Errorf("event buffer must be positive: %d", params.EventBuffer)
	}
	reg, err := registry.GetRegistry(params.MaxPendingPerSubscriber, params.MaxPendingAge)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define subscriber registry")
		return nil, err
	}
	tp, err := common.GetNewTaskProcessorInstance(ctxt, "broker", params.EventBuffer)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define task processor")
		return nil, err
	}
	instance := &brokerImpl{
		Component: common.Component{LogTags: logTags},
		rootCtxt:  ctxt,
		tp:        tp,
		registry:  reg,
		sessions:  make(map[string]transport.Session),
		mirror:    mirror,
	}

	if err := tp.SetTaskExecutionMap(map[reflect.Type]common.TaskHandler{
		reflect.TypeOf(sessionAcceptedEvent{}): instance.processSessionAccepted,
		reflect.TypeOf(frameReceivedEvent{}):   instance.processFrameReceived,
		reflect.TypeOf(sessionClosedEvent{}):   instance.processSessionClosed,
		reflect.TypeOf(publicationEvent{}):     instance.processPublication,
		reflect.TypeOf(shutdownEvent{}):        instance.processShutdown,
		reflect.TypeOf(sweepEvent{}):           instance.processSweep,
		reflect.TypeOf(queryEvent{}):           instance.processQuery,
	}); err != nil {
		return nil, err
	}
	if err := tp.StartEventLoop(wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start event loop")
		return nil, err
	}

	if params.MaxPendingAge > 0 {
		sweeper, err := common.GetIntervalTimerInstance(ctxt, wg, "pending-sweep")
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define pending queue sweep")
			_ = tp.StopEventLoop()
			return nil, err
		}
		if err := sweeper.Start(params.SweepInterval, instance.triggerSweep, false); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to start pending queue sweep")
			_ = tp.StopEventLoop()
			return nil, err
		}
		instance.sweeper = sweeper
	}
	return instance, nil
}

// Done is closed once the broker has stopped
func (b *brokerImpl) Done() <-chan struct{} {
	return b.tp.Done()
}

// =========================================================================

type sessionAcceptedEvent struct {
	session transport.Session
}

type frameReceivedEvent struct {
	sessionID string
	frame     codec.Frame
}

type sessionClosedEvent struct {
	sessionID string
	reason    error
}

type publicationEvent struct {
	pub codec.Publication
}

type shutdownEvent struct{}

type sweepEvent struct{}

type queryEvent struct {
	run      func()
	resultCB func()
}

// SessionAccepted register a new subscriber connection
func (b *brokerImpl) SessionAccepted(session transport.Session) error {
	return b.tp.Submit(b.rootCtxt, sessionAcceptedEvent{session: session})
}

// FrameReceived process a frame read from a session
func (b *brokerImpl) FrameReceived(sessionID string, frame codec.Frame) {
	if err := b.tp.Submit(b.rootCtxt, frameReceivedEvent{sessionID: sessionID, frame: frame}); err != nil {
		log.WithError(err).WithFields(b.LogTags).Debugf("Dropped %s frame from %s", frame.Op, sessionID)
	}
}

// SessionClosed process the end of a session
func (b *brokerImpl) SessionClosed(sessionID string, reason error) {
	if err := b.tp.Submit(b.rootCtxt, sessionClosedEvent{sessionID: sessionID, reason: reason}); err != nil {
		log.WithError(err).WithFields(b.LogTags).Debugf("Dropped close of %s", sessionID)
	}
}

// PublicationReceived process a decoded publication
func (b *brokerImpl) PublicationReceived(pub codec.Publication) {
	if err := b.tp.Submit(b.rootCtxt, publicationEvent{pub: pub}); err != nil {
		log.WithError(err).WithFields(b.LogTags).Debugf("Dropped publication on %s", pub.Topic)
	}
}

// triggerSweep support IntervalTimer, request a pending queue sweep
func (b *brokerImpl) triggerSweep() error {
	return b.tp.Submit(b.rootCtxt, sweepEvent{})
}

// Shutdown notify all subscribers, close all sessions, and stop the event loop
func (b *brokerImpl) Shutdown(ctxt context.Context) error {
	if err := b.tp.Submit(ctxt, shutdownEvent{}); err != nil {
		if errors.Is(err, common.ErrProcessorStopped) {
			return nil
		}
		log.WithError(err).WithFields(b.LogTags).Error("Failed to submit shutdown")
		return err
	}
	select {
	case <-b.tp.Done():
		return nil
	case <-ctxt.Done():
		return ctxt.Err()
	}
}

// query run a read-only function on the event loop and wait for it
func (b *brokerImpl) query(ctxt context.Context, run func()) error {
	resultChan := make(chan struct{}, 1)
	request := queryEvent{run: run, resultCB: func() { resultChan <- struct{}{} }}
	if err := b.tp.Submit(ctxt, request); err != nil {
		return err
	}
	select {
	case <-resultChan:
		return nil
	case <-ctxt.Done():
		return ctxt.Err()
	case <-b.tp.Done():
		return common.ErrProcessorStopped
	}
}

// ListSubscribers snapshot of all known subscribers
func (b *brokerImpl) ListSubscribers(ctxt context.Context) ([]registry.SubscriberInfo, error) {
	var result []registry.SubscriberInfo
	if err := b.query(ctxt, func() { result = b.registry.List() }); err != nil {
		return nil, err
	}
	return result, nil
}

// GetSubscriber snapshot of one subscriber
func (b *brokerImpl) GetSubscriber(
	ctxt context.Context, identity string,
) (registry.SubscriberInfo, error) {
	var result registry.SubscriberInfo
	found := false
	if err := b.query(ctxt, func() { result, found = b.registry.Get(identity) }); err != nil {
		return registry.SubscriberInfo{}, err
	}
	if !found {
		return registry.SubscriberInfo{}, registry.ErrUnknownSubscriber
	}
	return result, nil
}

// ListTopics snapshot of all topics with members
func (b *brokerImpl) ListTopics(ctxt context.Context) ([]registry.TopicInfo, error) {
	var result []registry.TopicInfo
	if err := b.query(ctxt, func() { result = b.registry.Topics() }); err != nil {
		return nil, err
	}
	return result, nil
}

// processQuery support TaskProcessor, handle queryEvent
func (b *brokerImpl) processQuery(param interface{}) error {
	request, ok := param.(queryEvent)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for query", reflect.TypeOf(param))
	}
	request.run()
	request.resultCB()
	return nil
}

// processSweep support TaskProcessor, handle sweepEvent
func (b *brokerImpl) processSweep(param interface{}) error {
	if _, ok := param.(sweepEvent); !ok {
		return fmt.Errorf("can not process unknown type %s for sweep", reflect.TypeOf(param))
	}
	if dropped := b.registry.ExpirePending(time.Now()); dropped > 0 {
		log.WithFields(b.LogTags).Infof("Expired %d queued notifications", dropped)
	}
	return nil
}
