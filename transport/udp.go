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

	"github.com/alwitt/topicrelay/codec"
	"github.com/alwitt/topicrelay/common"
	"github.com/apex/log"
)

// PublicationHandlerCB callback used to forward decoded publications
type PublicationHandlerCB func(pub codec.Publication)

// UDPReceiver reads publications from the ingestion socket
type UDPReceiver interface {
	// Addr the bound socket address
	Addr() net.Addr
	// StartReading start the read loop
	StartReading(forwardCB PublicationHandlerCB, wg *sync.WaitGroup) error
	// Close close the socket
	Close() error
}

// udpReceiverImpl implements UDPReceiver
type udpReceiverImpl struct {
	common.Component
	conn   *net.UDPConn
	lock   sync.Mutex
	closed bool
}

// GetUDPReceiver bind a new UDP ingestion socket
func GetUDPReceiver(listenOn string, port uint16) (UDPReceiver, error) {
	logTags := log.Fields{"module": "transport", "component": "udp-receiver"}
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(listenOn, strconv.Itoa(int(port))))
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid listen address")
		return nil, err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to listen on %s", addr)
		return nil, err
	}
	logTags["bind"] = conn.LocalAddr().String()
	return &udpReceiverImpl{Component: common.Component{LogTags: logTags}, conn: conn}, nil
}

func (r *udpReceiverImpl) Addr() net.Addr {
	return r.conn.LocalAddr()
}

// StartReading start the read loop
func (r *udpReceiverImpl) StartReading(forwardCB PublicationHandlerCB, wg *sync.WaitGroup) error {
	if forwardCB == nil {
		return fmt.Errorf("publication callback not defined")
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.WithFields(r.LogTags).Info("Starting read loop")
		defer log.WithFields(r.LogTags).Info("Read loop exiting")
		// One byte of slack so oversize datagrams are detected
		buf := make([]byte, codec.MaxPublicationLen+1)
		for {
			n, sender, err := r.conn.ReadFromUDP(buf)
			if err != nil {
				if r.isClosed() || errors.Is(err, net.ErrClosed) {
					return
				}
				log.WithError(err).WithFields(r.LogTags).Error("Read failed")
				continue
			}
			pub, err := codec.DecodePublication(buf[:n], sender)
			if err != nil {
				log.WithError(err).WithFields(r.LogTags).Warnf("Dropping datagram from %s", sender)
				continue
			}
			forwardCB(pub)
		}
	}()
	return nil
}

func (r *udpReceiverImpl) isClosed() bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.closed
}

// Close close the socket
func (r *udpReceiverImpl) Close() error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	log.WithFields(r.LogTags).Info("Closing socket")
	return r.conn.Close()
}
