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

package transport

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/alwitt/topicrelay/common"
	"github.com/apex/log"
)

// SessionAcceptedCB callback used to register a new session before it starts
// reading. Returning an error rejects the session.
type SessionAcceptedCB func(session Session) error

// TCPListener accepts subscriber connections
type TCPListener interface {
	// Addr the bound listener address
	Addr() net.Addr
	// StartAccepting start the accept loop
	StartAccepting(onAccepted SessionAcceptedCB, wg *sync.WaitGroup) error
	// Close stop accepting new connections
	Close() error
}

// tcpListenerImpl implements TCPListener
type tcpListenerImpl struct {
	common.Component
	listener *net.TCPListener
	params   SessionParams
	lock     sync.Mutex
	closed   bool
}

// GetTCPListener bind a new TCP listener
func GetTCPListener(listenOn string, port uint16, params SessionParams) (TCPListener, error) {
	logTags := log.Fields{"module": "transport", "component": "tcp-listener"}
	addr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(listenOn, strconv.Itoa(int(port))))
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid listen address")
		return nil, err
	}
	listener, err := net.ListenTCP("tcp", addr)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to listen on %s", addr)
		return nil, err
	}
	logTags["bind"] = listener.Addr().String()
	return &tcpListenerImpl{
		Component: common.Component{LogTags: logTags},
		listener:  listener,
		params:    params,
	}, nil
}

func (l *tcpListenerImpl) Addr() net.Addr {
	return l.listener.Addr()
}

// StartAccepting start the accept loop
func (l *tcpListenerImpl) StartAccepting(onAccepted SessionAcceptedCB, wg *sync.WaitGroup) error {
	if onAccepted == nil {
		return fmt.Errorf("session accepted callback not defined")
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.WithFields(l.LogTags).Info("Starting accept loop")
		defer log.WithFields(l.LogTags).Info("Accept loop exiting")
		for {
			conn, err := l.listener.AcceptTCP()
			if err != nil {
				if l.isClosed() || errors.Is(err, net.ErrClosed) {
					return
				}
				log.WithError(err).WithFields(l.LogTags).Error("Accept failed")
				continue
			}
			if err := conn.SetNoDelay(true); err != nil {
				log.WithError(err).WithFields(l.LogTags).Warn("Unable to disable Nagle")
			}
			session, err := NewSession(conn, l.params)
			if err != nil {
				log.WithError(err).WithFields(l.LogTags).Error("Unable to define session")
				_ = conn.Close()
				continue
			}
			if err := onAccepted(session); err != nil {
				log.WithError(err).WithFields(l.LogTags).Errorf(
					"Session from %s rejected", conn.RemoteAddr(),
				)
				_ = conn.Close()
				continue
			}
			if err := session.Start(wg); err != nil {
				log.WithError(err).WithFields(l.LogTags).Error("Unable to start session")
				session.Close(false)
			}
		}
	}()
	return nil
}

func (l *tcpListenerImpl) isClosed() bool {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.closed
}

// Close stop accepting new connections
func (l *tcpListenerImpl) Close() error {
	l.lock.Lock()
	defer l.lock.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	log.WithFields(l.LogTags).Info("Closing listener")
	return l.listener.Close()
}
