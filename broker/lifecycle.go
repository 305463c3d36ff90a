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

package broker

import (
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/alwitt/topicrelay/codec"
	"github.com/alwitt/topicrelay/registry"
	"github.com/apex/log"
)

// processSessionAccepted support TaskProcessor, handle sessionAcceptedEvent
func (b *brokerImpl) processSessionAccepted(param interface{}) error {
	request, ok := param.(sessionAcceptedEvent)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for session accepted", reflect.TypeOf(param),
		)
	}
	if b.stopped {
		request.session.Close(false)
		return nil
	}
	b.sessions[request.session.ID()] = request.session
	log.WithFields(b.sessionLogTags(request.session.ID())).Debugf(
		"Accepted connection from %s", request.session.RemoteAddr(),
	)
	return nil
}

// processSessionClosed support TaskProcessor, handle sessionClosedEvent
func (b *brokerImpl) processSessionClosed(param interface{}) error {
	request, ok := param.(sessionClosedEvent)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for session closed", reflect.TypeOf(param),
		)
	}
	if _, known := b.sessions[request.sessionID]; !known {
		return nil
	}
	if request.reason != nil && !errors.Is(request.reason, codec.ErrPeerClosed) {
		log.WithError(request.reason).WithFields(b.sessionLogTags(request.sessionID)).
			Warn("Session failed")
	}
	b.dropSession(request.sessionID, false)
	return nil
}

// processFrameReceived support TaskProcessor, handle frameReceivedEvent
func (b *brokerImpl) processFrameReceived(param interface{}) error {
	request, ok := param.(frameReceivedEvent)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for frame received", reflect.TypeOf(param),
		)
	}
	if _, known := b.sessions[request.sessionID]; !known {
		// Frames still in flight from a session already dropped
		return nil
	}
	identity, bound := b.registry.IdentityOf(request.sessionID)
	if !bound {
		return b.admitSession(request.sessionID, request.frame)
	}
	return b.handleCommand(request.sessionID, identity, request.frame)
}

// admitSession bind a connecting session to the identity it announces
func (b *brokerImpl) admitSession(sessionID string, frame codec.Frame) error {
	logTags := b.sessionLogTags(sessionID)
	if frame.Op != codec.OpIdentityAnnounce {
		err := fmt.Errorf("expected %s as first frame, got %s", codec.OpIdentityAnnounce, frame.Op)
		log.WithError(err).WithFields(logTags).Error("Rejecting connection")
		b.dropSession(sessionID, false)
		return nil
	}

	identity, err := codec.ParseIdentity(frame.Text())
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Rejecting connection")
		_ = b.sendToSession(sessionID, codec.NewTextFrame(codec.OpCommandError, err.Error()))
		b.dropSession(sessionID, true)
		return nil
	}
	logTags["identity"] = identity

	pending, err := b.registry.BindIdentity(identity, sessionID, time.Now())
	if err != nil {
		log.WithError(err).WithFields(logTags).Warn("Rejecting connection")
		if errors.Is(err, registry.ErrAlreadyOnline) {
			_ = b.sendToSession(
				sessionID, codec.NewTextFrame(codec.OpIdentityInUse, codec.IdentityInUseText),
			)
		}
		b.dropSession(sessionID, true)
		return nil
	}

	session := b.sessions[sessionID]
	log.WithFields(logTags).Infof("New client %s connected from %s", identity, session.RemoteAddr())

	if len(pending) == 0 {
		return nil
	}
	frames := make([]codec.Frame, len(pending))
	for idx, notification := range pending {
		frames[idx] = codec.NewTextFrame(codec.OpDeliver, notification)
	}
	if err := b.sendBatchToSession(sessionID, frames); err != nil {
		// The session is gone; put the notifications back
		now := time.Now()
		for _, undelivered := range pending {
			if _, err := b.registry.Enqueue(identity, undelivered, now); err != nil {
				log.WithError(err).WithFields(logTags).Error("Failed to requeue notification")
			}
		}
		return nil
	}
	log.WithFields(logTags).Debugf("Flushed %d queued notifications", len(pending))
	return nil
}

// handleCommand process a frame from a bound session
func (b *brokerImpl) handleCommand(sessionID string, identity string, frame codec.Frame) error {
	logTags := b.sessionLogTags(sessionID)
	logTags["identity"] = identity

	var cmdErr error
	switch frame.Op {
	case codec.OpSubscribe:
		cmd, err := codec.ParseSubscribe(frame.Text())
		if err != nil {
			cmdErr = err
			break
		}
		if err := b.registry.Subscribe(identity, cmd.Topic, cmd.StoreAndForward); err != nil {
			cmdErr = err
			break
		}
		log.WithFields(logTags).Debugf(
			"Subscribed to '%s' store-and-forward=%v", cmd.Topic, cmd.StoreAndForward,
		)

	case codec.OpUnsubscribe:
		cmd, err := codec.ParseUnsubscribe(frame.Text())
		if err != nil {
			cmdErr = err
			break
		}
		if err := b.registry.Unsubscribe(identity, cmd.Topic); err != nil {
			cmdErr = err
			break
		}
		log.WithFields(logTags).Debugf("Unsubscribed from '%s'", cmd.Topic)

	case codec.OpIdentityAnnounce:
		cmdErr = fmt.Errorf("%w: identity already announced", codec.ErrMalformedCommand)

	default:
		cmdErr = fmt.Errorf("%w: unsupported operation %s", codec.ErrMalformedCommand, frame.Op)
	}

	if cmdErr != nil {
		log.WithError(cmdErr).WithFields(logTags).Warn("Command rejected")
		_ = b.sendToSession(sessionID, codec.NewTextFrame(codec.OpCommandError, cmdErr.Error()))
	}
	return nil
}

// sendToSession queue a frame on a session. On failure the session is dropped.
func (b *brokerImpl) sendToSession(sessionID string, frame codec.Frame) error {
	session, ok := b.sessions[sessionID]
	if !ok {
		return fmt.Errorf("unknown session %s", sessionID)
	}
	if err := session.Send(frame); err != nil {
		log.WithError(err).WithFields(b.sessionLogTags(sessionID)).Errorf(
			"Unable to queue %s frame", frame.Op,
		)
		b.dropSession(sessionID, false)
		return err
	}
	return nil
}

// sendBatchToSession queue frames on a session as one entry. On failure the session
// is dropped.
func (b *brokerImpl) sendBatchToSession(sessionID string, frames []codec.Frame) error {
	session, ok := b.sessions[sessionID]
	if !ok {
		return fmt.Errorf("unknown session %s", sessionID)
	}
	if err := session.SendBatch(frames); err != nil {
		log.WithError(err).WithFields(b.sessionLogTags(sessionID)).Errorf(
			"Unable to queue %d frames", len(frames),
		)
		b.dropSession(sessionID, false)
		return err
	}
	return nil
}

// dropSession mark the session's subscriber offline, forget the session, and close it
func (b *brokerImpl) dropSession(sessionID string, flush bool) {
	session, ok := b.sessions[sessionID]
	if !ok {
		return
	}
	delete(b.sessions, sessionID)
	if identity, wasBound := b.registry.MarkOffline(sessionID); wasBound {
		log.WithFields(b.sessionLogTags(sessionID)).Infof("Client %s disconnected", identity)
	}
	session.Close(flush)
}

// processShutdown support TaskProcessor, handle shutdownEvent
func (b *brokerImpl) processShutdown(param interface{}) error {
	if _, ok := param.(shutdownEvent); !ok {
		return fmt.Errorf("can not process unknown type %s for shutdown", reflect.TypeOf(param))
	}
	if b.stopped {
		return nil
	}
	b.stopped = true
	log.WithFields(b.LogTags).Info("Shutting down")

	if b.sweeper != nil {
		if err := b.sweeper.Stop(); err != nil {
			log.WithError(err).WithFields(b.LogTags).Error("Failed to stop pending queue sweep")
		}
	}

	shutdownFrame := codec.NewTextFrame(codec.OpShutdown, codec.ShutdownText)
	for _, sessionID := range b.registry.OnlineConnections() {
		if session, ok := b.sessions[sessionID]; ok {
			if err := session.Send(shutdownFrame); err != nil {
				log.WithError(err).WithFields(b.sessionLogTags(sessionID)).Error(
					"Unable to send shutdown",
				)
			}
		}
	}
	for sessionID := range b.sessions {
		b.dropSession(sessionID, true)
	}
	return b.tp.StopEventLoop()
}

func (b *brokerImpl) sessionLogTags(sessionID string) log.Fields {
	return b.ExtendLogTags(log.Fields{"session": sessionID})
}
