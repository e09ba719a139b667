// Package relay implements the central server: websocket hub, per-connection
// dispatcher, conflict detection, reconnection handshake, lock sweeping,
// dashboard pushes and the HTTP health surface. The relay owns history and
// locks but never authoritative content; it stores patches and the latest
// content fingerprints only.
package relay

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/nyroxsystems/partsync/journal"
	"github.com/nyroxsystems/partsync/locks"
	"github.com/nyroxsystems/partsync/store"
	"github.com/nyroxsystems/partsync/wire"
)

// Options for a relay instance.
type Options struct {
	Name    string
	Port    int
	Token   string // opaque per-project token; empty disables the check
	Journal *journal.Journal
}

// Relay owns all shared dispatcher state: the connection registry, the
// dashboard subscriber set and the lock table. Handlers serialize through
// dispatchMu, giving the per-file total order the protocol relies on.
type Relay struct {
	logger *logrus.Logger
	store  *store.Store
	locks  *locks.Table
	jnl    *journal.Journal
	opts   Options

	upgrader websocket.Upgrader

	dispatchMu sync.Mutex // serializes message handling across connections
	mu         sync.Mutex // guards clients and dashboards
	clients    map[string]*conn
	dashboards map[string]bool

	started time.Time
	httpSrv *http.Server
	stop    chan struct{}
	wg      sync.WaitGroup
}

func New(logger *logrus.Logger, st *store.Store, opts Options) *Relay {
	if opts.Port == 0 {
		opts.Port = wire.DefaultPort
	}
	if opts.Name == "" {
		opts.Name = "partsync-relay"
	}
	r := &Relay{
		logger:     logger,
		store:      st,
		locks:      locks.NewTable(st, logger),
		jnl:        opts.Journal,
		opts:       opts,
		clients:    make(map[string]*conn),
		dashboards: make(map[string]bool),
		stop:       make(chan struct{}),
	}
	r.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	return r
}

// Locks exposes the lock table.
func (r *Relay) Locks() *locks.Table {
	return r.locks
}

// Run restores persisted locks, starts the sweeper and dashboard loops and
// serves HTTP until Close is called.
func (r *Relay) Run() error {
	if err := r.locks.RestoreFromStore(); err != nil {
		return fmt.Errorf("failed to restore locks: %v", err)
	}
	r.started = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", r.handleWS)
	mux.HandleFunc("/health", r.handleHealth)
	mux.HandleFunc("/api/status", r.handleStatus)
	mux.HandleFunc("/api/diffs", r.handleDiffsAPI)
	r.httpSrv = &http.Server{Addr: fmt.Sprintf(":%d", r.opts.Port), Handler: mux}

	r.wg.Add(2)
	go r.sweepLoop()
	go r.dashboardLoop()

	r.logger.Infof("Relay %s listening on port %d", r.opts.Name, r.opts.Port)
	err := r.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		err = nil
	}
	return err
}

// Close shuts the HTTP server and background loops down.
func (r *Relay) Close() {
	select {
	case <-r.stop:
	default:
		close(r.stop)
	}
	if r.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		r.httpSrv.Shutdown(ctx)
	}
	r.mu.Lock()
	conns := make([]*conn, 0, len(r.clients))
	for _, c := range r.clients {
		conns = append(conns, c)
	}
	r.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
	r.wg.Wait()
}

func (r *Relay) sweepLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(wire.LockSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			removed := r.locks.SweepExpired()
			if len(removed) == 0 {
				continue
			}
			r.logger.Debugf("Swept %d expired locks: %v", len(removed), removed)
			if r.jnl != nil {
				for _, f := range removed {
					r.jnl.WriteRelease(f, "")
				}
			}
			r.broadcastLocks()
		}
	}
}

// broadcastLocks pushes the full lock snapshot to every connection.
func (r *Relay) broadcastLocks() {
	env, err := wire.NewEnvelope(wire.EventLockChanged, r.locks.All())
	if err != nil {
		r.logger.Errorf("Failed to encode lock snapshot: %v", err)
		return
	}
	r.broadcast(env, "")
}

// broadcast enqueues env on every connection except the one named by
// exclude. Enqueueing under mu preserves relay processing order per
// receiver.
func (r *Relay) broadcast(env wire.Envelope, exclude string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, c := range r.clients {
		if id == exclude {
			continue
		}
		c.send(env)
	}
}

// register adds a freshly upgraded connection to the registry.
func (r *Relay) register(c *conn) {
	r.mu.Lock()
	r.clients[c.id] = c
	n := len(r.clients)
	r.mu.Unlock()
	r.logger.Infof("Client connected: %s (%s), %d online", c.name, c.id, n)
}

// disconnect removes the connection, releases its locks and rebroadcasts
// the lock table if anything changed.
func (r *Relay) disconnect(c *conn) {
	r.mu.Lock()
	_, present := r.clients[c.id]
	delete(r.clients, c.id)
	delete(r.dashboards, c.id)
	n := len(r.clients)
	r.mu.Unlock()
	if !present {
		return
	}
	r.logger.Infof("Client disconnected: %s (%s), %d online", c.name, c.id, n)
	released := r.locks.ReleaseForClient(c.name, c.id)
	if len(released) > 0 {
		if r.jnl != nil {
			for _, f := range released {
				r.jnl.WriteRelease(f, c.name)
			}
		}
		r.broadcastLocks()
	}
}

// clientInfos snapshots the connected peers for the dashboard.
func (r *Relay) clientInfos() []wire.ClientInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	infos := make([]wire.ClientInfo, 0, len(r.clients))
	for _, c := range r.clients {
		infos = append(infos, c.info())
	}
	return infos
}
