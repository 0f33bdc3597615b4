/*
Package daemon wires together the wire parser, session state machine, filesystem queue, client
transport, and policy host into a single listening process: it owns the TCP listener, loads TLS
material, and dispatches each accepted connection to its own session goroutine.
*/
package daemon

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/submitd/submitd/applog"
	"github.com/submitd/submitd/metrics"
	"github.com/submitd/submitd/policy"
	"github.com/submitd/submitd/queue"
	"github.com/submitd/submitd/session"
	"github.com/submitd/submitd/transport"
)

// defaultIOTimeout is applied to every read/write on an accepted connection, refreshed per
// operation, bounding how long a potentially malfunctioning client can hold a goroutine.
const defaultIOTimeout = 5 * time.Minute

// Config is the on-disk configuration document named by the --config flag.
type Config struct {
	ListenAddress    string `json:"listen_address"`
	SpoolDir         string `json:"spool_dir"`
	ServerName       string `json:"server_name"`
	TLSCertPath      string `json:"tls_cert_path"`
	TLSKeyPath       string `json:"tls_key_path"`
	PerIPLimit       int    `json:"per_ip_limit"`
	MaxMessageLength int64  `json:"max_message_length"`
	QueueWorkers     int    `json:"queue_workers"`
	MetricsAddress   string `json:"metrics_address"`
}

// LoadConfig reads and parses a Config document from path, filling in defaults for zero fields.
func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("daemon: reading config %s: %w", path, err)
	}
	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("daemon: parsing config %s: %w", path, err)
	}
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = "0.0.0.0:2525"
	}
	if cfg.ServerName == "" {
		cfg.ServerName = "submitd"
	}
	if cfg.PerIPLimit < 1 {
		cfg.PerIPLimit = 10
	}
	if cfg.MaxMessageLength < 1 {
		cfg.MaxMessageLength = 32 * 1024 * 1024
	}
	if cfg.QueueWorkers < 1 {
		cfg.QueueWorkers = queue.DefaultWorkers
	}
	return cfg, nil
}

// Daemon listens for inbound SMTP connections, persists accepted mail to a durable spool, and
// runs the queue engine that relays it onward.
type Daemon struct {
	Config Config
	Policy policy.Host

	storage   *queue.FsStorage
	engine    *queue.Engine
	tlsConfig *tls.Config
	logger    *applog.Logger
	rateLimit *applog.RateLimit
	metrics   *metrics.Collectors

	listener net.Listener
	mutex    sync.Mutex
	wg       sync.WaitGroup
}

// New validates cfg, opens the spool, loads TLS material (if configured), and constructs the
// queue engine and client transport, without yet listening for connections.
func New(cfg Config, host policy.Host) (*Daemon, error) {
	if cfg.SpoolDir == "" {
		return nil, fmt.Errorf("daemon: spool_dir must be configured")
	}
	storage, err := queue.NewFsStorage(cfg.SpoolDir)
	if err != nil {
		return nil, fmt.Errorf("daemon: opening spool: %w", err)
	}

	var tlsConfig *tls.Config
	if cfg.TLSCertPath != "" || cfg.TLSKeyPath != "" {
		if cfg.TLSCertPath == "" || cfg.TLSKeyPath == "" {
			return nil, fmt.Errorf("daemon: both tls_cert_path and tls_key_path must be set")
		}
		cert, err := tls.LoadX509KeyPair(cfg.TLSCertPath, cfg.TLSKeyPath)
		if err != nil {
			return nil, fmt.Errorf("daemon: loading TLS material: %w", err)
		}
		tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	resolver, err := transport.NewResolver()
	if err != nil {
		return nil, fmt.Errorf("daemon: constructing DNS resolver: %w", err)
	}
	client := transport.NewClient(resolver, cfg.ServerName)

	logger := &applog.Logger{ComponentName: "daemon", ComponentID: []applog.IDField{{Key: "addr", Value: cfg.ListenAddress}}}

	d := &Daemon{
		Config:    cfg,
		Policy:    host,
		storage:   storage,
		tlsConfig: tlsConfig,
		logger:    logger,
		rateLimit: applog.NewRateLimit(10, cfg.PerIPLimit, logger),
		metrics:   metrics.NewCollectors(),
	}
	d.engine = queue.NewEngine(storage, client, host)
	d.engine.Workers = cfg.QueueWorkers
	d.engine.Metrics = d.metrics
	return d, nil
}

// hasTLS reports whether TLS material was loaded; it fills session.Config.AllowTLS. Whether
// STARTTLS is advertised is decided by the configured policy.Host's CanDoTLS, not by this value.
func (d *Daemon) hasTLS() bool { return d.tlsConfig != nil }

// Run opens the listener, starts the queue engine, and accepts connections until ctx is
// cancelled. It blocks until shutdown completes.
func (d *Daemon) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", d.Config.ListenAddress)
	if err != nil {
		return fmt.Errorf("daemon: listening on %s: %w", d.Config.ListenAddress, err)
	}
	d.mutex.Lock()
	d.listener = listener
	d.mutex.Unlock()
	d.logger.Info("", nil, "listening for SMTP connections")

	engineCtx, cancelEngine := context.WithCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.engine.Run(engineCtx); err != nil {
			d.logger.Warning("", err, "queue engine stopped")
		}
	}()

	if d.Config.MetricsAddress != "" {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := metrics.Serve(engineCtx, d.Config.MetricsAddress); err != nil {
				d.logger.Warning("", err, "metrics server stopped")
			}
		}()
	}

	go func() {
		<-ctx.Done()
		cancelEngine()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if strings.Contains(err.Error(), "closed") {
				break
			}
			d.logger.Warning("", err, "failed to accept connection")
			continue
		}
		host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
		if !d.rateLimit.Add(host, true) {
			d.metrics.SessionsRejected.Inc()
			conn.Close()
			continue
		}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.handleConnection(ctx, conn)
		}()
	}

	d.wg.Wait()
	return nil
}

func (d *Daemon) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	cfg := session.Config{
		ServerName:                         d.Config.ServerName,
		IOTimeout:                          defaultIOTimeout,
		MaxConsecutiveUnrecognisedCommands: 10,
		MaxMessageLength:                   d.Config.MaxMessageLength,
		AllowTLS:                           d.hasTLS(),
	}
	sess := session.New(conn, cfg, d.Policy, d.storage, &applog.Logger{
		ComponentName: "session",
		ComponentID:   []applog.IDField{{Key: "remote", Value: conn.RemoteAddr().String()}},
	})
	sess.Metrics = d.metrics
	sess.Serve(ctx)
}

// Stop closes the listener, causing Run to stop accepting connections. It does not stop the
// queue engine or cancel in-flight sessions and sends: Run returns only after the context passed
// to it is cancelled and every session and the engine have returned.
func (d *Daemon) Stop() {
	d.mutex.Lock()
	if d.listener != nil {
		d.listener.Close()
	}
	d.mutex.Unlock()
}
