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
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	log "github.com/sirupsen/logrus"

	"mdcfs/internal/fsal"
	"mdcfs/internal/mdcache"
	"mdcfs/internal/subfs"
)

func init() {
	// Default logging to discard until Run configures it.
	log.SetOutput(io.Discard)
}

// servedExport is one export wired end to end: backend, cache handle,
// NFS frontend.
type servedExport struct {
	cfg    ExportConfig
	sub    fsal.Export
	export *mdcache.Export
	server *NFSServer
	addr   string
	closer func() error // backend teardown after release, nil for memory
}

// Daemon serves every configured export over NFS with a shared metadata
// cache, and answers control requests on a unix socket.
type Daemon struct {
	cfg *ServerConfig

	cache     *mdcache.Cache
	ipcServer *Server
	logFile   *os.File
	lock      *flock.Flock
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup

	mu      sync.Mutex
	exports map[string]*servedExport
	order   []string // config order, for stable listings and port assignment
}

// New creates a daemon for the given configuration. A nil cfg loads the
// configuration from the config directory.
func New(cfg *ServerConfig) *Daemon {
	return &Daemon{
		cfg:     cfg,
		stopCh:  make(chan struct{}),
		exports: make(map[string]*servedExport),
	}
}

// Run starts the daemon and blocks until stopped.
func (d *Daemon) Run() error {
	if err := EnsureConfigDir(); err != nil {
		return err
	}

	if d.cfg == nil {
		cfg, err := LoadServerConfig()
		if err != nil {
			return err
		}
		d.cfg = cfg
	}
	d.cfg.ApplyDefaults()
	if err := d.cfg.Validate(); err != nil {
		return err
	}

	// Acquire exclusive lock
	d.lock = flock.New(LockPath())
	locked, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another daemon instance is already running")
	}
	defer d.lock.Unlock()

	if err := d.setupLogging(); err != nil {
		return err
	}
	defer d.closeLogging()

	if err := d.writePidFile(); err != nil {
		return err
	}
	defer d.removePidFile()

	log.WithField("pid", os.Getpid()).Info("daemon started")

	d.cache = mdcache.New(mdcache.Config{
		MaxProbes:        d.cfg.MaxProbes,
		CleanupQueueSize: d.cfg.CleanupQueueSize,
		AttrTTL:          d.cfg.AttrTTL(),
	})

	if err := d.startExports(); err != nil {
		d.stopExports()
		d.cache.Close()
		return err
	}

	// Periodic cleanup retry for entries whose queue handoff was
	// declined.
	d.wg.Add(1)
	go d.reapLoop()

	log.WithField("socket", SocketPath()).Info("starting IPC server")
	d.ipcServer = NewServer(d.handleRequest)
	if err := d.ipcServer.Start(); err != nil {
		log.WithError(err).Error("IPC server failed to start")
		d.requestStop()
		d.stopExports()
		d.cache.Close()
		d.wg.Wait()
		return err
	}
	defer d.ipcServer.Stop()

	// Handle signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.WithField("signal", sig.String()).Info("shutting down")
	case <-d.stopCh:
		log.Info("stop requested, shutting down")
	}
	d.requestStop()

	d.stopExports()
	d.cache.Close()
	d.wg.Wait()

	log.Info("daemon stopped")
	return nil
}

// requestStop closes stopCh exactly once.
func (d *Daemon) requestStop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
}

func (d *Daemon) setupLogging() error {
	logLevel := strings.ToLower(d.cfg.LogLevel)
	if logLevel == "" || logLevel == "none" {
		log.SetOutput(io.Discard)
		return nil
	}

	logFile, err := os.OpenFile(LogPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	d.logFile = logFile
	log.SetOutput(logFile)

	switch logLevel {
	case "trace":
		log.SetLevel(log.TraceLevel)
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	default:
		log.SetLevel(log.InfoLevel)
	}
	return nil
}

func (d *Daemon) closeLogging() {
	if d.logFile != nil {
		d.logFile.Close()
		d.logFile = nil
	}
}

// openBackend creates the sub-filesystem for one export. Relative
// sqlite paths land in the config directory.
func openBackend(cfg ExportConfig) (fsal.Export, func() error, error) {
	switch cfg.Backend {
	case BackendMemory:
		return subfs.NewMemFS(), nil, nil
	case BackendSqlite:
		path := cfg.Path
		if !filepath.IsAbs(path) {
			path = filepath.Join(ConfigDir(), path)
		}
		fs, err := subfs.OpenSqliteFS(context.Background(), path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite backend for export %q: %w", cfg.Name, err)
		}
		return fs, fs.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown backend %q for export %q", cfg.Backend, cfg.Name)
	}
}

// startExports opens every configured backend and serves each export at
// BasePort + its config index.
func (d *Daemon) startExports() error {
	for i, ecfg := range d.cfg.Exports {
		sub, closer, err := openBackend(ecfg)
		if err != nil {
			return err
		}
		export := d.cache.AddExport(ecfg.Name, sub)
		filter := NewNameFilter(ecfg.Hide)

		addr := fmt.Sprintf("%s:%d", d.cfg.Listen, d.cfg.BasePort+i)
		server := NewNFSServer(d.cache, export, filter)

		se := &servedExport{
			cfg:    ecfg,
			sub:    sub,
			export: export,
			server: server,
			addr:   addr,
			closer: closer,
		}
		d.mu.Lock()
		d.exports[ecfg.Name] = se
		d.order = append(d.order, ecfg.Name)
		d.mu.Unlock()

		d.wg.Add(1)
		go func(se *servedExport) {
			defer d.wg.Done()
			log.WithFields(log.Fields{
				"export": se.cfg.Name,
				"addr":   se.addr,
			}).Info("serving export")
			if err := se.server.Serve(se.addr); err != nil {
				// Listener close during shutdown also lands here.
				log.WithError(err).WithField("export", se.cfg.Name).Debug("NFS server stopped")
			}
		}(se)
	}
	return nil
}

// stopExports shuts the NFS frontends down, then drains and releases
// every export. Frontends stop first so no new references race the
// drain.
func (d *Daemon) stopExports() {
	d.mu.Lock()
	names := append([]string(nil), d.order...)
	d.mu.Unlock()

	for _, name := range names {
		d.teardownExport(name)
	}
}

// teardownExport removes one export from service and tears it down.
func (d *Daemon) teardownExport(name string) {
	d.mu.Lock()
	se, ok := d.exports[name]
	if ok {
		delete(d.exports, name)
		for i, n := range d.order {
			if n == name {
				d.order = append(d.order[:i], d.order[i+1:]...)
				break
			}
		}
	}
	d.mu.Unlock()
	if !ok {
		return
	}

	se.server.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := se.export.Unexport(ctx); err != nil {
		log.WithError(err).WithField("export", name).Warn("unexport failed")
	}
	if err := se.export.Release(ctx); err != nil {
		log.WithError(err).WithField("export", name).Warn("export release failed")
	}
	if se.closer != nil {
		if err := se.closer(); err != nil {
			log.WithError(err).WithField("export", name).Warn("backend close failed")
		}
	}
	log.WithField("export", name).Info("export stopped")
}

// reapLoop periodically retries cleanup for entries whose queue handoff
// was declined.
func (d *Daemon) reapLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.ReapInterval())
	defer ticker.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			if n := d.cache.ReapDetached(); n > 0 {
				log.WithField("reaped", n).Debug("cleanup pass destroyed entries")
			}
		}
	}
}

// handleRequest processes an IPC request
func (d *Daemon) handleRequest(req *Request) *Response {
	log.WithField("type", req.Type).Debug("IPC request")
	switch req.Type {
	case RequestStatus:
		return d.handleStatus()
	case RequestExports:
		return d.handleExports()
	case RequestUnexport:
		return d.handleUnexport(req)
	case RequestInvalidate:
		return d.handleInvalidate(req)
	case RequestReap:
		return &Response{Success: true, Reaped: d.cache.ReapDetached()}
	case RequestStop:
		return d.handleStop()
	default:
		return &Response{Success: false, Error: fmt.Sprintf("unknown request type: %s", req.Type)}
	}
}

func (d *Daemon) handleStatus() *Response {
	return &Response{
		Success:       true,
		PID:           os.Getpid(),
		CachedEntries: d.cache.EntryCount(),
		Exports:       d.exportStatuses(),
	}
}

func (d *Daemon) handleExports() *Response {
	return &Response{Success: true, Exports: d.exportStatuses()}
}

func (d *Daemon) exportStatuses() []ExportStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	statuses := make([]ExportStatus, 0, len(d.order))
	for _, name := range d.order {
		se := d.exports[name]
		statuses = append(statuses, ExportStatus{
			Name:    se.cfg.Name,
			Backend: se.cfg.Backend,
			Addr:    se.addr,
			Entries: se.export.EntryCount(),
		})
	}
	return statuses
}

func (d *Daemon) handleUnexport(req *Request) *Response {
	d.mu.Lock()
	_, ok := d.exports[req.Export]
	d.mu.Unlock()
	if !ok {
		return &Response{Success: false, Error: fmt.Sprintf("no such export: %s", req.Export)}
	}
	d.teardownExport(req.Export)
	return &Response{Success: true, Message: fmt.Sprintf("export %s stopped", req.Export)}
}

func (d *Daemon) handleInvalidate(req *Request) *Response {
	d.mu.Lock()
	se, ok := d.exports[req.Export]
	d.mu.Unlock()
	if !ok {
		return &Response{Success: false, Error: fmt.Sprintf("no such export: %s", req.Export)}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	e, err := d.cache.LookupPath(ctx, se.export, req.Path)
	if err != nil {
		return &Response{Success: false, Error: fmt.Sprintf("lookup %s: %v", req.Path, err)}
	}
	defer d.cache.Release(e)
	if e.IsDir() {
		d.cache.InvalidateDir(e)
	}
	e.InvalidateAttrs()
	return &Response{Success: true, Message: fmt.Sprintf("invalidated %s", req.Path)}
}

func (d *Daemon) handleStop() *Response {
	// Shutdown runs after the response is written.
	go d.requestStop()
	return &Response{Success: true, Message: "daemon stopping", PID: os.Getpid()}
}

func (d *Daemon) writePidFile() error {
	return os.WriteFile(PidPath(), []byte(strconv.Itoa(os.Getpid())), 0600)
}

func (d *Daemon) removePidFile() {
	os.Remove(PidPath())
}

// GetPID reads the daemon PID file
func GetPID() (int, error) {
	data, err := os.ReadFile(PidPath())
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}
