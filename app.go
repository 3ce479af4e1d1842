package simplevote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jellypudding/simplevote/utilities/keyring"
	"github.com/jellypudding/simplevote/votifier"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const dispatcherGrace = 2 * time.Second

// App owns every long-lived piece of the service.
type App struct {
	cfg *Config

	Keys        *keyring.Keyring
	Ledger      *TokenLedger
	broadcaster Broadcaster
	registry    *prometheus.Registry
	metrics     *votifier.Metrics
	dispatcher  *votifier.Dispatcher
	server      *votifier.Server

	httpServer   *http.Server
	httpListener net.Listener
	httpReady    chan struct{}

	startTime time.Time
	closeOnce sync.Once
}

// NewApp loads keys and opens the ledger. A key failure is returned as
// keyring.ErrKeyInitialization and the service must not start.
func NewApp(cfg *Config) (*App, error) {
	keys := keyring.New(cfg.DataDir)
	keys.SetDebug(cfg.Debug)
	if cfg.Votifier.Enabled {
		if err := keys.Initialize(); err != nil {
			return nil, err
		}
	}

	ledger, err := OpenLedger(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := votifier.NewMetrics(registry)

	app := &App{
		cfg:         cfg,
		Keys:        keys,
		Ledger:      ledger,
		broadcaster: newBroadcaster(cfg),
		registry:    registry,
		metrics:     metrics,
		httpReady:   make(chan struct{}),
		startTime:   time.Now(),
	}

	listener := NewVoteListener(ledger, app.broadcaster, cfg.TokensPerVote, cfg.BroadcastVotes)
	app.dispatcher = votifier.NewDispatcher(listener, cfg.Votifier.QueueSize, metrics)
	if cfg.Votifier.Enabled {
		app.server = votifier.NewServer(cfg.ServerConfig(), keys, app.dispatcher, metrics)
	}
	return app, nil
}

func newBroadcaster(cfg *Config) Broadcaster {
	if !cfg.BroadcastVotes || cfg.MQTT.Host == "" {
		return logBroadcaster{}
	}
	b, err := NewMQTTBroadcaster(cfg.MQTT.ClientID, cfg.MQTT.Host, cfg.MQTT.User, cfg.MQTT.Pass, cfg.MQTT.Topic)
	if err != nil {
		logrus.WithError(err).Warn("MQTT unavailable; vote broadcasts will only be logged")
		return logBroadcaster{}
	}
	return b
}

// Run serves until ctx is cancelled, then shuts everything down.
func (a *App) Run(ctx context.Context) error {
	a.dispatcher.Start()
	g, gctx := errgroup.WithContext(ctx)

	if a.server != nil {
		g.Go(func() error {
			return a.server.ListenAndServe(gctx)
		})
	} else {
		logrus.Warn("votifier is disabled; votes will not be received")
	}

	if a.cfg.HTTPAddr != "" {
		if err := a.startHttpServer(a.cfg.HTTPAddr); err != nil {
			return err
		}
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return a.httpServer.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	err := g.Wait()
	a.Close()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close stops the dispatcher and releases the ledger and broadcaster.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		if a.server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*dispatcherGrace)
			_ = a.server.Shutdown(ctx)
			cancel()
		}
		a.dispatcher.Stop(dispatcherGrace)
		a.broadcaster.Close()
		if err := a.Ledger.Close(); err != nil {
			logrus.WithError(err).Warn("closing token ledger")
		}
		logrus.Info("👋 simplevote stopped")
	})
}

// VotifierAddr is the bound vote listener address, nil until it is up.
func (a *App) VotifierAddr() net.Addr {
	if a.server == nil {
		return nil
	}
	return a.server.Addr()
}

// HTTPAddr blocks until the HTTP API is listening or ctx ends.
func (a *App) HTTPAddr(ctx context.Context) (net.Addr, error) {
	select {
	case <-a.httpReady:
		return a.httpListener.Addr(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// KeyInfo is what an operator pastes into a voting site's form.
type KeyInfo struct {
	PublicKey string `json:"public_key"`
	Port      int    `json:"port"`
	KeyDir    string `json:"key_dir"`
}

// KeyInfo describes the public key and port to register with sites.
func (a *App) KeyInfo() (KeyInfo, error) {
	if !a.cfg.Votifier.Enabled {
		return KeyInfo{}, errors.New("votifier functionality is not enabled")
	}
	return KeyInfo{
		PublicKey: a.Keys.PublicKeyPEM(),
		Port:      a.cfg.Votifier.Port,
		KeyDir:    a.Keys.Dir(),
	}, nil
}

func (a *App) String() string {
	return fmt.Sprintf("simplevote(votifier=%v, port=%d, data=%s)", a.cfg.Votifier.Enabled, a.cfg.Votifier.Port, a.cfg.DataDir)
}
