//Package relay is the network surface of the envelope relay: the HTTP
//API over the stores, the conversation streams, metrics and the
//periodic cleaning of the fanout log.
package relay

import (
	"context"
	"fmt"
	"io"
	stdlog "log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/chris-pikul/envelope-relay/config"
	"github.com/chris-pikul/envelope-relay/db"
	"github.com/chris-pikul/envelope-relay/fanout"
	"github.com/chris-pikul/envelope-relay/log"
)

//Server is a configured relay, ready to Start
type Server struct {
	opts    config.Options
	service *Service
	metrics *relayMetrics

	router   *http.ServeMux
	server   *http.Server
	upgrader websocket.Upgrader

	//errorLog feeds the http.Server's own errors into logrus
	errorLog io.WriteCloser

	//heartbeat is the interval between heartbeat events on streams
	heartbeat time.Duration

	clients     map[*Client]struct{}
	lockClients sync.Mutex

	cancel  context.CancelFunc
	workers sync.WaitGroup
}

//Initialize sets-up the relay server from the options, opening the
//database and building the routes. Nothing listens until Start.
func Initialize(ctx context.Context, opts config.Options) (*Server, error) {
	if err := opts.Verify(); err != nil {
		return nil, err
	}

	//Spin up the service, without it we should fail
	service, err := NewService(ctx, opts)
	if err != nil {
		return nil, err
	}

	s := &Server{
		opts:      opts,
		service:   service,
		router:    http.NewServeMux(),
		heartbeat: time.Duration(opts.Relay.HeartbeatInterval) * time.Second,
		clients:   make(map[*Client]struct{}),
		upgrader: websocket.Upgrader{
			HandshakeTimeout:  time.Minute,
			ReadBufferSize:    4096,
			WriteBufferSize:   4096,
			EnableCompression: true,
		},
	}

	reg := prometheus.NewRegistry()
	s.metrics = newRelayMetrics(reg, service.Hub)

	s.routes()
	if opts.Metrics.Enabled {
		s.router.Handle("GET "+opts.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}

	//Configure server
	s.errorLog = log.Get().WriterLevel(logrus.WarnLevel)
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", opts.Relay.Host, opts.Relay.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          stdlog.New(s.errorLog, "", 0),
	}

	return s, nil
}

func (s *Server) routes() {
	s.handle("PUT /keys/{userId}/{deviceId}", "keys_upload", s.handlePutKeys)
	s.handle("GET /keys/{userId}", "keys_fetch", s.handleGetKeys)
	s.handle("GET /keys/{userId}/devices", "keys_devices", s.handleGetDevices)

	s.handle("POST /conversations", "conversation_create", s.handleCreateConversation)
	s.handle("GET /conversations", "conversation_find", s.handleFindConversations)
	s.handle("GET /conversations/{id}", "conversation_get", s.handleGetConversation)
	s.handle("DELETE /conversations/{id}", "conversation_delete", s.handleDeleteConversation)

	s.handle("POST /conversations/{id}/messages", "message_append", s.handleAppend)
	s.handle("GET /conversations/{id}/messages", "message_history", s.handleHistory)
	s.handle("POST /conversations/{id}/messages/{messageId}/ack", "message_ack", s.handleAck)

	s.handle("POST /conversations/{id}/read", "cursor_mark", s.handleMarkRead)
	s.handle("GET /conversations/{id}/read", "cursor_get", s.handleGetRead)
	s.handle("GET /conversations/{id}/unread", "cursor_unread", s.handleUnread)

	//The stream hijacks the connection so it is kept out of the
	//request metrics and counted as a stream instead
	s.router.HandleFunc("GET /conversations/{id}/stream", s.handleStream)
	s.router.HandleFunc("GET /healthz", s.handleHealth)
}

//Handler exposes the routes, mostly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

//Start spins up the relay server as a coroutine
func (s *Server) Start() {
	if s.server == nil {
		panic("attempted to start relay server that has not been initialized")
	}

	s.startWorkers()

	go func() {
		log.Infof("starting relay server on %s", s.server.Addr)
		err := s.server.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			log.Err("closing relay server encountered an error", err)
		}
		log.Info("relay server closed")
	}()
}

//startWorkers runs the hub pump and the cleaning loop
func (s *Server) startWorkers() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.workers.Add(2)
	go func() {
		defer s.workers.Done()
		if err := s.service.Hub.Run(ctx); err != nil {
			log.Err("fanout bridge stopped", err)
		}
	}()
	go func() {
		defer s.workers.Done()
		s.runCleaning(ctx)
	}()
}

//Shutdown performs the graceful shutdown of the relay server
//using the provided context
func (s *Server) Shutdown(ctx context.Context) error {
	var err error

	if s.server != nil {
		s.server.SetKeepAlivesEnabled(false)
		err = s.server.Shutdown(ctx)
		log.Info("shutdown relay server")
	}

	if s.cancel != nil {
		s.cancel()
	}

	//Closing the hub ends every stream, their writers send the close frame
	s.service.Hub.Close()
	s.closeClients()
	s.workers.Wait()

	if cerr := s.service.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if s.errorLog != nil {
		s.errorLog.Close()
	}

	log.Info("completed shutdown")
	return err
}

func (s *Server) addClient(c *Client) {
	s.lockClients.Lock()
	s.clients[c] = struct{}{}
	s.lockClients.Unlock()
	s.metrics.streamOpened()
}

func (s *Server) removeClient(c *Client) {
	s.lockClients.Lock()
	_, ok := s.clients[c]
	delete(s.clients, c)
	s.lockClients.Unlock()
	if ok {
		s.metrics.streamClosed()
	}
}

func (s *Server) closeClients() {
	s.lockClients.Lock()
	list := make([]*Client, 0, len(s.clients))
	for c := range s.clients {
		list = append(list, c)
	}
	s.lockClients.Unlock()

	for _, c := range list {
		c.Close()
	}
}

func (s *Server) runCleaning(ctx context.Context) {
	if s.opts.Relay.CleaningInterval == 0 {
		log.Warn("cleaning interval was too small! Check configuration")
		return
	}

	dur := time.Minute * time.Duration(s.opts.Relay.CleaningInterval)
	retention := time.Minute * time.Duration(s.opts.Relay.EventRetention)

	ticker := time.NewTicker(dur)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			n, err := s.service.Clean(ctx, t.Add(-retention))
			if err != nil {
				log.Err("failed to clean relay server", err)
				continue
			}
			s.metrics.recordPruned(n)
			log.Debugf("cleaned %d fanout events", n)
		}
	}
}

//CleanNowPure runs the cleaning operation without actually spinning up the
//service resources
func CleanNowPure(ctx context.Context, opts config.Options) error {
	d, err := db.Open(ctx, opts.Database.Driver, opts.Database.Source)
	if err != nil {
		return err
	}
	defer d.Close()

	retention := time.Minute * time.Duration(opts.Relay.EventRetention)
	n, err := fanout.Prune(ctx, d, time.Now().Add(-retention))
	if err != nil {
		return err
	}

	log.Infof("completed cleaning, removed %d fanout events", n)
	return nil
}

//Migrate creates or checks the schema then exits
func Migrate(ctx context.Context, opts config.Options) error {
	d, err := db.Open(ctx, opts.Database.Driver, opts.Database.Source)
	if err != nil {
		return err
	}
	log.Infof("database schema is current for %s", opts.Database.Driver)
	return d.Close()
}
