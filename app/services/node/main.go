package main

import (
	"bufio"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/ardanlabs/conf/v3"
	"github.com/askcoin/askcoin/app/services/node/handlers"
	"github.com/askcoin/askcoin/foundation/blockchain/genesis"
	"github.com/askcoin/askcoin/foundation/blockchain/p2p"
	"github.com/askcoin/askcoin/foundation/blockchain/peer"
	"github.com/askcoin/askcoin/foundation/blockchain/state"
	"github.com/askcoin/askcoin/foundation/blockchain/storage"
	"github.com/askcoin/askcoin/foundation/blockchain/worker"
	"github.com/askcoin/askcoin/foundation/events"
	"github.com/askcoin/askcoin/foundation/logger"
	"github.com/btcsuite/btcd/btcec/v2"
	"go.uber.org/zap"
)

// protocolVersion is major*10000 + minor*100 + patch. Peers must share the
// major to talk to each other.
const protocolVersion = 10_000

// build is the git version of this program. It can be set with -ldflags at
// build time.
var build = "develop"

func main() {
	log, err := logger.New("NODE", "")
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(log); err != nil {
		log.Errorw("startup", "ERROR", err)
		log.Sync()
		os.Exit(1)
	}
}

func run(log *zap.SugaredLogger) error {

	// =========================================================================
	// Configuration

	cfg := struct {
		conf.Version
		Web struct {
			ReadTimeout  time.Duration `conf:"default:5s"`
			WriteTimeout time.Duration `conf:"default:10s"`
			IdleTimeout  time.Duration `conf:"default:120s"`
			APIHost      string        `conf:"default:0.0.0.0:8080"`
		}
		Node struct {
			LogPath     string `conf:"default:zblock/askcoin.log"`
			DBPath      string `conf:"default:zblock/blocks.db"`
			GenesisPath string `conf:"default:zblock/genesis.json"`
			MinerKey    string `conf:"mask"`
			Mine        bool   `conf:"default:false"`
		}
		Network struct {
			Host string `conf:"default:127.0.0.1"`
			P2P  struct {
				PeerFile       string `conf:"default:zblock/peers.json"`
				Port           uint16 `conf:"default:18050"`
				MaxPassiveConn uint32 `conf:"default:64"`
				MaxActiveConn  uint32 `conf:"default:16"`
				KnownPeers     []string
			}
		}
	}{
		Version: conf.Version{
			Build: build,
			Desc:  "askcoin full node",
		},
	}

	const prefix = "NODE"
	help, err := conf.Parse(prefix, &cfg)
	if err != nil {
		if errors.Is(err, conf.ErrHelpWanted) {
			fmt.Println(help)
			return nil
		}
		return fmt.Errorf("parsing config: %w", err)
	}

	// =========================================================================
	// App Starting

	log.Infow("starting node", "version", build)
	defer log.Infow("shutdown complete")

	out, err := conf.String(&cfg)
	if err != nil {
		return fmt.Errorf("generating config for output: %w", err)
	}
	log.Infow("startup", "config", out)

	// Re-home the logger onto the configured log path now that we know it.
	if cfg.Node.LogPath != "" {
		fileLog, err := logger.New("NODE", cfg.Node.LogPath)
		if err != nil {
			return fmt.Errorf("unable to open log path: %w", err)
		}
		defer fileLog.Sync()
		log = fileLog
	}

	// =========================================================================
	// Blockchain Support

	gen, err := genesis.Load(cfg.Node.GenesisPath)
	if err != nil {
		return fmt.Errorf("unable to load genesis file: %w", err)
	}

	strg, err := storage.New(cfg.Node.DBPath)
	if err != nil {
		return fmt.Errorf("unable to open block storage: %w", err)
	}
	defer strg.Close()

	var minerKey *btcec.PrivateKey
	if cfg.Node.MinerKey != "" {
		raw, err := base64.StdEncoding.DecodeString(cfg.Node.MinerKey)
		if err != nil {
			return fmt.Errorf("unable to decode miner key: %w", err)
		}
		minerKey, _ = btcec.PrivKeyFromBytes(raw)
	}

	ownKey := fmt.Sprintf("%s:%d", cfg.Network.Host, cfg.Network.P2P.Port)
	registry := peer.NewRegistry(ownKey)

	if err := registry.LoadFile(cfg.Network.P2P.PeerFile); err != nil {
		log.Errorw("startup", "status", "peer file unreadable", "ERROR", err)
	}
	for _, known := range cfg.Network.P2P.KnownPeers {
		host, portStr, err := net.SplitHostPort(known)
		if err != nil {
			log.Errorw("startup", "status", "bad known peer", "peer", known)
			continue
		}
		port, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			log.Errorw("startup", "status", "bad known peer", "peer", known)
			continue
		}
		registry.Add(host, uint16(port))
	}

	// The blockchain packages accept a function of this signature to allow
	// the application to log. These raw messages also feed any websocket
	// client connected through the events package.
	evts := events.New()
	ev := func(v string, args ...any) {
		s := fmt.Sprintf(v, args...)
		log.Infow(s)
		evts.Send("%s", s)
	}

	node := p2p.New(p2p.Config{
		Host:       cfg.Network.Host,
		Port:       cfg.Network.P2P.Port,
		MaxActive:  cfg.Network.P2P.MaxActiveConn,
		MaxPassive: cfg.Network.P2P.MaxPassiveConn,
		Version:    protocolVersion,
		Registry:   registry,
		EvHandler:  ev,
	})

	st, err := state.New(state.Config{
		Genesis:   gen,
		Storage:   strg,
		Node:      node,
		Registry:  registry,
		MinerKey:  minerKey,
		Version:   protocolVersion,
		EvHandler: ev,
		Fatal: func(err error) {
			log.Fatalw("integrity fault", "ERROR", err)
		},
	})
	if err != nil {
		return err
	}
	defer st.Shutdown()

	worker.Run(st, worker.Config{
		Node:      node,
		Registry:  registry,
		PeerFile:  cfg.Network.P2P.PeerFile,
		MaxActive: cfg.Network.P2P.MaxActiveConn,
		Mine:      cfg.Node.Mine && minerKey != nil,
		EvHandler: ev,
	})

	if err := node.Start(); err != nil {
		return err
	}
	defer node.Stop()

	// =========================================================================
	// Start API Service

	api := http.Server{
		Addr: cfg.Web.APIHost,
		Handler: handlers.PublicMux(handlers.MuxConfig{
			Log:   log,
			State: st,
			Evts:  evts,
		}),
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		ErrorLog:     zap.NewStdLog(log.Desugar()),
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Infow("startup", "status", "api router started", "host", api.Addr)
		serverErrors <- api.ListenAndServe()
	}()

	// =========================================================================
	// Shutdown

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	// The node runs until stop is entered on standard input or the process
	// is signaled.
	stopped := make(chan struct{})
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			if scanner.Text() == "stop" {
				close(stopped)
				return
			}
			fmt.Println("type 'stop' to shut the node down")
		}
	}()

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)

	case sig := <-shutdown:
		log.Infow("shutdown", "status", "shutdown started", "signal", sig)

	case <-stopped:
		log.Infow("shutdown", "status", "stop command received")
	}

	log.Infow("shutdown", "status", "shutdown web socket channels")
	evts.Shutdown()

	api.Close()

	if err := registry.SaveFile(cfg.Network.P2P.PeerFile); err != nil {
		log.Errorw("shutdown", "status", "peer file save failed", "ERROR", err)
	}

	return nil
}
