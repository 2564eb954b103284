// Copyright 2023 The Moxy Authors
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

package proxy

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/fagongzi/goetty/v2"
	"go.uber.org/zap"

	"github.com/moxyio/moxy/pkg/common/moerr"
	"github.com/moxyio/moxy/pkg/common/stopper"
	"github.com/moxyio/moxy/pkg/config"
	"github.com/moxyio/moxy/pkg/logutil"
	"github.com/moxyio/moxy/pkg/mysql"
)

// ServerVersion is reported in the greeting.
var ServerVersion = "5.5.5-10.6.0-moxy"

// serverCapabilities is what the proxy itself offers; the negotiated
// set is the intersection with the client's, preserved end-to-end.
var serverCapabilities = mysql.NewCapabilities(
	mysql.CapClientMysql|mysql.CapFoundRows|mysql.CapLongFlag|
		mysql.CapConnectWithDB|mysql.CapNoSchema|mysql.CapODBC|
		mysql.CapLocalFiles|mysql.CapIgnoreSpace|mysql.CapProtocol41|
		mysql.CapInteractive|mysql.CapIgnoreSigpipe|mysql.CapTransactions|
		mysql.CapReserved|mysql.CapSecureConnection|mysql.CapMultiStatements|
		mysql.CapMultiResults|mysql.CapPSMultiResults|mysql.CapPluginAuth|
		mysql.CapConnectAttrs|mysql.CapAuthLenencData|mysql.CapSessionTrack|
		mysql.CapDeprecateEOF,
	uint32((mysql.CapMariaDBStmtBulkOperations|mysql.CapMariaDBCacheMetadata)>>32),
)

// Authenticator verifies a client. It is pluggable and external to the
// core; the default accepts any credentials and is only suitable for
// tests and trusted networks.
type Authenticator interface {
	Authenticate(resp *mysql.HandshakeResponse, salt []byte) error
}

type trustAuthenticator struct{}

func (trustAuthenticator) Authenticate(*mysql.HandshakeResponse, []byte) error {
	return nil
}

// Option configures the server.
type Option func(*Server)

// WithAuthenticator plugs in an authenticator module.
func WithAuthenticator(a Authenticator) Option {
	return func(s *Server) { s.auth = a }
}

// WithFilters installs the filter chain applied to every session.
func WithFilters(filters ...Filter) Option {
	return func(s *Server) { s.filters = filters }
}

// Server is the client-facing front of the proxy core.
type Server struct {
	cfg      *config.ProxyParameters
	stopper  *stopper.Stopper
	registry *BackendRegistry
	workers  *WorkerSet
	main     *MainWorker
	router   Router
	filters  []Filter
	auth     Authenticator
	dialer   *Dialer

	counterSet *counterSet

	// app serves the shared listening mode; listeners serve the
	// unique-port mode (one SO_REUSEPORT bind per worker).
	app       goetty.NetApplication
	listeners []net.Listener
}

// NewServer wires the core together: worker set, main worker, dialer
// and the client listener.
func NewServer(cfg *config.ProxyParameters, router Router, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Server{
		cfg:    cfg,
		router: router,
		auth:   trustAuthenticator{},
	}
	for _, opt := range opts {
		opt(s)
	}

	s.stopper = stopper.NewStopper("moxy-proxy",
		stopper.WithLogger(logutil.GetGlobalLogger()))
	s.registry = NewBackendRegistry(cfg.Servers)

	dialer, err := NewDialer(cfg.ConnectTimeout.Duration, cfg.LocalAddress)
	if err != nil {
		return nil, err
	}
	s.dialer = dialer

	workers, err := NewWorkerSet(cfg, s.registry, dialer, s.stopper)
	if err != nil {
		return nil, err
	}
	s.workers = workers
	s.counterSet = workers.counters
	s.main = NewMainWorker(workers)

	if !cfg.UniquePort {
		app, err := goetty.NewApplication(cfg.ListenAddress, nil,
			goetty.WithAppLogger(logutil.GetGlobalLogger()),
			goetty.WithAppHandleSessionFunc(s.handleGoetty),
			goetty.WithAppSessionOptions(
				goetty.WithSessionCodec(mysql.NewSqlCodec()),
				goetty.WithSessionLogger(logutil.GetGlobalLogger()),
			),
		)
		if err != nil {
			return nil, err
		}
		s.app = app
	}
	return s, nil
}

// Workers exposes the worker set for the admin surface.
func (s *Server) Workers() *WorkerSet { return s.workers }

// Main exposes the main worker.
func (s *Server) Main() *MainWorker { return s.main }

// Registry exposes the backend registry.
func (s *Server) Registry() *BackendRegistry { return s.registry }

// Start begins accepting clients.
func (s *Server) Start() error {
	if err := s.stopper.RunNamedTask("main-worker", s.main.Run); err != nil {
		return err
	}
	if s.app != nil {
		return s.app.Start()
	}
	return s.startUniqueListeners()
}

// startUniqueListeners binds one SO_REUSEPORT socket per worker so the
// kernel distributes the accepts. When the kernel refuses, a single
// shared bind with round-robin placement takes over.
func (s *Server) startUniqueListeners() error {
	for _, w := range s.workers.Workers() {
		l, mode, err := listen(s.cfg.ListenAddress, ListenUniqueTCP)
		if err != nil {
			return err
		}
		s.listeners = append(s.listeners, l)

		w := w
		pick := func() *Worker {
			if mode == ListenUniqueTCP && w.State() == WorkerActive {
				return w
			}
			return s.workers.PickWorker()
		}
		name := fmt.Sprintf("listener-%d", w.Index())
		if err := s.stopper.RunNamedTask(name, func(ctx context.Context) {
			go func() {
				<-ctx.Done()
				_ = l.Close()
			}()
			s.acceptLoop(l, pick)
		}); err != nil {
			return err
		}
		if mode == ListenShared {
			logutil.Warn("unique-port downgraded to one shared listener")
			return nil
		}
	}
	return nil
}

func (s *Server) acceptLoop(l net.Listener, pick func() *Worker) {
	for {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		go func() {
			client := newRawClient(conn)
			if err := s.handle(client, pick()); err != nil {
				s.counterSet.updateWithErr(err)
				_ = client.Close()
			}
		}()
	}
}

// Close shuts down gracefully: the listeners stop, every worker kills
// its sessions and drains, then the goroutines join.
func (s *Server) Close() error {
	var err error
	if s.app != nil {
		err = s.app.Stop()
	}
	for _, l := range s.listeners {
		_ = l.Close()
	}
	s.stopper.Stop()
	s.dialer.Close()
	return err
}

// clientIO abstracts the accepted socket across the two listening
// modes.
type clientIO interface {
	ClientConn
	ReadPacket(timeout time.Duration) ([]byte, error)
}

// goettyClient adapts an accepted IOSession.
type goettyClient struct {
	rs goetty.IOSession
}

func (c *goettyClient) Write(packet []byte) error {
	return c.rs.Write(packet, goetty.WriteOptions{Flush: true})
}

func (c *goettyClient) Close() error {
	return c.rs.Close()
}

func (c *goettyClient) RemoteAddress() string {
	return c.rs.RemoteAddress()
}

func (c *goettyClient) ReadPacket(timeout time.Duration) ([]byte, error) {
	msg, err := c.rs.Read(goetty.ReadOptions{Timeout: timeout})
	if err != nil {
		return nil, err
	}
	return msg.([]byte), nil
}

// rawClient frames packets straight off a net.Conn; the residual of a
// short read never leaves the framer.
type rawClient struct {
	conn     net.Conn
	buf      []byte
	residual []byte
	pending  [][]byte

	wmu sync.Mutex
}

func newRawClient(conn net.Conn) *rawClient {
	return &rawClient{conn: conn, buf: make([]byte, 32*1024)}
}

func (c *rawClient) Write(packet []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err := c.conn.Write(packet)
	return err
}

func (c *rawClient) Close() error {
	return c.conn.Close()
}

func (c *rawClient) RemoteAddress() string {
	return c.conn.RemoteAddr().String()
}

func (c *rawClient) ReadPacket(timeout time.Duration) ([]byte, error) {
	for {
		if len(c.pending) > 0 {
			p := c.pending[0]
			c.pending = c.pending[1:]
			return p, nil
		}
		var deadline time.Time
		if timeout > 0 {
			deadline = time.Now().Add(timeout)
		}
		if err := c.conn.SetReadDeadline(deadline); err != nil {
			return nil, err
		}
		n, err := c.conn.Read(c.buf)
		if n > 0 {
			stream := append(c.residual, c.buf[:n]...)
			c.pending, c.residual = mysql.Frame(stream)
		}
		if err != nil && len(c.pending) == 0 {
			return nil, err
		}
	}
}

func (s *Server) handleGoetty(rs goetty.IOSession) error {
	return s.handle(&goettyClient{rs: rs}, nil)
}

// handle owns one accepted client socket: greeting, authentication,
// session creation on a routing worker, then the read loop that feeds
// the owning worker.
func (s *Server) handle(client clientIO, w *Worker) error {
	s.counterSet.connAccepted.Add(1)
	s.counterSet.connTotal.Add(1)

	salt := mysql.NewSalt()
	greeting := mysql.BuildHandshakeV10(ServerVersion, uint32(SessionMaxID()+1), salt, serverCapabilities)
	if err := client.Write(greeting); err != nil {
		return err
	}

	packet, err := client.ReadPacket(30 * time.Second)
	if err != nil {
		return withCode(err, codeClientDisconnect)
	}
	resp, err := mysql.ParseHandshakeResponse(packet)
	if err != nil {
		_ = client.Write(mysql.BuildErrFromError(2, err))
		return err
	}
	if err := s.auth.Authenticate(resp, salt); err != nil {
		_ = client.Write(mysql.BuildErrFromError(2, moerr.NewBackendAuth(resp.User)))
		return err
	}

	if w == nil {
		w = s.workers.PickWorker()
	}
	if w == nil {
		return moerr.NewInvalidState("no routing worker available")
	}

	history := NewCommandHistory(s.cfg.SessionCommandHistoryLen)
	proto := NewMariaDBProtocol(resp.User, resp.Database,
		resp.Capabilities, history, s.cfg.PruneSescmdHistory)

	var session *Session
	var started bool
	if err := w.Call(func() {
		session = NewSession(w, client, resp.User, proto, s.router, s.filters)
		if started = session.Start(); started {
			w.AddSession(session)
		}
	}); err != nil {
		return err
	}
	if !started {
		errOut := moerr.NewRoutingFailed("session start failed")
		_ = client.Write(mysql.BuildErrFromError(2, errOut))
		return errOut
	}
	if err := client.Write(mysql.BuildOK(2, &mysql.OKPacket{
		Status: mysql.ServerStatusAutocommit,
	})); err != nil {
		return err
	}

	logutil.Debug("session established",
		zap.Uint64("session", session.ID()),
		zap.String("user", resp.User),
		zap.Int("worker", w.Index()))

	return s.clientLoop(client, session)
}

// clientLoop reads whole packets and posts them, in arrival order, to
// the session's owning worker.
func (s *Server) clientLoop(client clientIO, session *Session) error {
	for {
		packet, err := client.ReadPacket(0)
		if err != nil {
			s.counterSet.clientDisconnect.Add(1)
			_ = session.OwnerWorker().Post(func() {
				session.Close()
			})
			return nil
		}
		if mysql.Command(packet) == mysql.ComQuit {
			_ = session.OwnerWorker().Post(func() {
				session.Close()
			})
			return nil
		}
		if err := session.OwnerWorker().Post(func() {
			if !session.RouteQuery(packet) {
				session.Kill(KillRoutingFailed,
					moerr.NewRoutingFailed("query routing failed"))
			}
		}); err != nil {
			return err
		}
	}
}

// DialBackendDirect is a maintenance helper for monitor-style probes;
// it honours the same dialer options as routing connections.
func (s *Server) DialBackendDirect(ctx context.Context, name string) (net.Conn, error) {
	b := s.registry.Get(name)
	if b == nil {
		return nil, moerr.NewInvalidInput("unknown server %q", name)
	}
	return s.dialer.Dial(ctx, b, nil)
}
