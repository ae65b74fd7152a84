// Copyright 2025 MDCFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package daemon

import (
	"context"
	"fmt"
	"net"
	"time"

	log "github.com/sirupsen/logrus"
	nfs "github.com/willscott/go-nfs"
	nfshelper "github.com/willscott/go-nfs/helpers"

	"mdcfs/internal/mdcache"
)

// NFSServer wraps the go-nfs server for a single export.
type NFSServer struct {
	listener net.Listener
	server   *nfs.Server
	handler  nfs.Handler
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewNFSServer creates an NFS server frontend for one cached export.
func NewNFSServer(cache *mdcache.Cache, export *mdcache.Export, filter *NameFilter) *NFSServer {
	// Keep go-nfs chatter aligned with the daemon's log level.
	if log.IsLevelEnabled(log.TraceLevel) {
		nfs.Log.SetLevel(nfs.TraceLevel)
	} else if log.IsLevelEnabled(log.DebugLevel) {
		nfs.Log.SetLevel(nfs.DebugLevel)
	}
	billyFS := NewBillyAdapter(cache, export, filter)
	handler := nfshelper.NewNullAuthHandler(billyFS)
	cacheHelper := nfshelper.NewCachingHandler(handler, 65536)

	ctx, cancel := context.WithCancel(context.Background())
	server := &nfs.Server{
		Handler: cacheHelper,
		Context: ctx,
	}

	return &NFSServer{
		server:  server,
		handler: cacheHelper,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// Serve starts accepting NFS connections on addr. Blocks until the
// listener is closed.
func (s *NFSServer) Serve(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener

	return s.server.Serve(listener)
}

// Addr returns the listen address once Serve has bound it.
func (s *NFSServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops the NFS server gracefully.
func (s *NFSServer) Shutdown() {
	// Close the listener first to stop accepting new connections.
	if s.listener != nil {
		s.listener.Close()
	}

	// Settle time for in-flight requests after the listener closes.
	time.Sleep(100 * time.Millisecond)

	// Cancel context to signal handlers to stop.
	if s.cancel != nil {
		s.cancel()
	}

	close(s.done)
}
