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

// Package transport moves frames and datagrams between sockets and the broker.
package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/alwitt/topicrelay/codec"
	"github.com/alwitt/topicrelay/common"
	"github.com/apex/log"
	"github.com/google/uuid"
)

var (
	// ErrSessionClosed the session no longer accepts outbound frames
	ErrSessionClosed = errors.New("session closed")
	// ErrOutboundFull the session outbound queue is full
	ErrOutboundFull = errors.New("session outbound queue full")
)

// FrameHandlerCB callback used to forward frames read from a session
type FrameHandlerCB func(sessionID string, frame codec.Frame)

// CloseHandlerCB callback used to report a session ended by the peer or by a socket
// error. Not called for sessions closed with Close.
type CloseHandlerCB func(sessionID string, err error)

// SessionParams parameters shared by all sessions of a listener
type SessionParams struct {
	// OutboundQueueDepth number of encoded frames buffered before Send fails
	OutboundQueueDepth int
	// WriteTimeout max duration of one socket write
	WriteTimeout time.Duration
	// OnFrame receives each inbound frame
	OnFrame FrameHandlerCB
	// OnClosed receives the reason the session ended
	OnClosed CloseHandlerCB
}

// Session one subscriber TCP connection
type Session interface {
	// ID the unique session handle
	ID() string
	// RemoteAddr address of the peer
	RemoteAddr() string
	// Start start the reader and writer goroutines
	Start(wg *sync.WaitGroup) error
	// Send queue a frame for the peer without blocking
	Send(frame codec.Frame) error
	// SendBatch queue several frames as one outbound entry without blocking
	SendBatch(frames []codec.Frame) error
	// Close close the session. When flush is set, frames already queued are
	// written before the socket closes.
	Close(flush bool)
}

// sessionImpl implements Session
type sessionImpl struct {
	common.Component
	id       string
	conn     net.Conn
	params   SessionParams
	lock     sync.Mutex
	closed   bool
	started  bool
	outbound chan []byte
	stop     chan struct{}
	stopOnce sync.Once
}

// NewSession wrap a connection in a Session
func NewSession(conn net.Conn, params SessionParams) (Session, error) {
	if params.OutboundQueueDepth < 1 {
		return nil, fmt.Errorf("outbound queue depth must be positive: %d", params.OutboundQueueDepth)
	}
	if params.OnFrame == nil || params.OnClosed == nil {
		return nil, fmt.Errorf("session callbacks not defined")
	}
	id := uuid.New().String()
	logTags := log.Fields{
		"module":    "transport",
		"component": "session",
		"session":   id,
		"remote":    conn.RemoteAddr().String(),
	}
	return &sessionImpl{
		Component: common.Component{LogTags: logTags},
		id:        id,
		conn:      conn,
		params:    params,
		outbound:  make(chan []byte, params.OutboundQueueDepth),
		stop:      make(chan struct{}),
	}, nil
}

func (s *sessionImpl) ID() string {
	return s.id
}

func (s *sessionImpl) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

// Start start the reader and writer goroutines
func (s *sessionImpl) Start(wg *sync.WaitGroup) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.started {
		return fmt.Errorf("session %s already started", s.id)
	}
	s.started = true
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.readLoop()
	}()
	go func() {
		defer wg.Done()
		s.writeLoop()
	}()
	return nil
}

// Send queue a frame for the peer without blocking
func (s *sessionImpl) Send(frame codec.Frame) error {
	buf, err := codec.EncodeFrame(frame)
	if err != nil {
		return err
	}
	return s.enqueue(buf)
}

// SendBatch queue several frames as one outbound entry without blocking
func (s *sessionImpl) SendBatch(frames []codec.Frame) error {
	buf := []byte{}
	for _, frame := range frames {
		encoded, err := codec.EncodeFrame(frame)
		if err != nil {
			return err
		}
		buf = append(buf, encoded...)
	}
	if len(buf) == 0 {
		return nil
	}
	return s.enqueue(buf)
}

func (s *sessionImpl) enqueue(buf []byte) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	select {
	case s.outbound <- buf:
		return nil
	default:
		return ErrOutboundFull
	}
}

// Close close the session
func (s *sessionImpl) Close(flush bool) {
	s.lock.Lock()
	s.markClosed()
	started := s.started
	s.lock.Unlock()
	if !flush || !started {
		s.shutdownSocket()
	}
}

// markClosed stop accepting outbound frames. Caller must hold the lock.
func (s *sessionImpl) markClosed() {
	if !s.closed {
		s.closed = true
		// Writer exits once the queue is drained
		close(s.outbound)
	}
}

// shutdownSocket stop the writer and close the socket
func (s *sessionImpl) shutdownSocket() {
	s.stopOnce.Do(func() {
		close(s.stop)
		if err := s.conn.Close(); err != nil {
			log.WithError(err).WithFields(s.LogTags).Debug("Socket close failed")
		}
	})
}

// fail end the session on a socket error. The end is reported only when the
// session was not already closed locally.
func (s *sessionImpl) fail(reason error) {
	s.lock.Lock()
	local := s.closed
	s.markClosed()
	s.lock.Unlock()
	s.shutdownSocket()
	if local {
		return
	}
	log.WithError(reason).WithFields(s.LogTags).Debug("Session ended")
	s.params.OnClosed(s.id, reason)
}

func (s *sessionImpl) readLoop() {
	log.WithFields(s.LogTags).Debug("Starting read loop")
	defer log.WithFields(s.LogTags).Debug("Read loop exiting")
	for {
		frame, err := codec.ReadFrame(s.conn)
		if err != nil {
			s.fail(err)
			return
		}
		s.params.OnFrame(s.id, frame)
	}
}

func (s *sessionImpl) writeLoop() {
	log.WithFields(s.LogTags).Debug("Starting write loop")
	defer log.WithFields(s.LogTags).Debug("Write loop exiting")
	for {
		select {
		case <-s.stop:
			return
		case buf, ok := <-s.outbound:
			if !ok {
				// Queue drained after a flushing close
				s.shutdownSocket()
				return
			}
			if s.params.WriteTimeout > 0 {
				if err := s.conn.SetWriteDeadline(time.Now().Add(s.params.WriteTimeout)); err != nil {
					s.fail(err)
					return
				}
			}
			if _, err := s.conn.Write(buf); err != nil {
				log.WithError(err).WithFields(s.LogTags).Error("Write failed")
				s.fail(err)
				return
			}
		}
	}
}
