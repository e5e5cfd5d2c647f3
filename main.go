// main.go launches the QFS control-plane core: the chunk-server meta
// session, optionally the metadata store reader, and the HTTP status
// gateway. The data-plane collaborators (chunk manager, lease clerk,
// replicator) are wired in by the surrounding chunk server; this binary
// runs the core with in-process shims so the control plane can be
// exercised and observed on its own.
//
// Usage:
//
//	go run main.go -metaAddr 127.0.0.1:20000 -clusterKey my-cluster \
//	    [-configFile chunkserver.prp] [-checkpointDir cp -logDir wal] \
//	    [-redisAddr 127.0.0.1:6379] [-statusPort 8610] [-logLevel info]
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/bhyvex/qfs/common"
	"github.com/bhyvex/qfs/detector"
	"github.com/bhyvex/qfs/gateway"
	"github.com/bhyvex/qfs/metasession"
	"github.com/bhyvex/qfs/metastore"
	"github.com/bhyvex/qfs/netman"
	"github.com/bhyvex/qfs/rpc_struct"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type config struct {
	MetaAddr      string
	ClusterKey    string
	RackId        int
	MD5Sum        string
	ConfigFile    string
	CheckpointDir string
	LogDir        string
	RedisAddr     string
	StatusPort    int
	LogLevel      string
}

func parseConfig() (config, error) {
	metaAddr := flag.String("metaAddr", "127.0.0.1:20000", "meta server address (host:port)")
	clusterKey := flag.String("clusterKey", "", "cluster key reported in hello")
	rackId := flag.Int("rackId", -1, "rack id reported in hello")
	md5sum := flag.String("md5sum", "", "binary md5 reported in hello")
	configFile := flag.String("configFile", "", "properties file (key = value lines)")
	checkpointDir := flag.String("checkpointDir", "", "metadata checkpoint directory (enables the store reader)")
	logDir := flag.String("logDir", "", "metadata log segment directory")
	redisAddr := flag.String("redisAddr", "", "redis address for the connection-health window (optional)")
	statusPort := flag.Int("statusPort", 8610, "http status server port (0 disables)")
	logLevel := flag.String("logLevel", "info", "logging level (debug, info, warn, error)")
	flag.Parse()

	switch *logLevel {
	case "debug", "info", "warn", "error":
	default:
		return config{}, fmt.Errorf("invalid log level %q", *logLevel)
	}
	if *clusterKey == "" {
		return config{}, fmt.Errorf("clusterKey is required")
	}
	if (*checkpointDir == "") != (*logDir == "") {
		return config{}, fmt.Errorf("checkpointDir and logDir must be set together")
	}
	return config{
		MetaAddr:      *metaAddr,
		ClusterKey:    *clusterKey,
		RackId:        *rackId,
		MD5Sum:        *md5sum,
		ConfigFile:    *configFile,
		CheckpointDir: *checkpointDir,
		LogDir:        *logDir,
		RedisAddr:     *redisAddr,
		StatusPort:    *statusPort,
		LogLevel:      *logLevel,
	}, nil
}

func parseLocation(addr string) (common.ServerLocation, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return common.ServerLocation{}, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return common.ServerLocation{}, err
	}
	return common.ServerLocation{Hostname: host, Port: port}, nil
}

// chunkServerShim stands in for the surrounding chunk server: it tracks
// the advertised location and completes ops without data-plane work.
type chunkServerShim struct {
	nm       *netman.NetManager
	session  *metasession.Session
	location common.ServerLocation
}

func (c *chunkServerShim) CanUpdateServerIp() bool             { return true }
func (c *chunkServerShim) Location() common.ServerLocation     { return c.location }
func (c *chunkServerShim) SetLocation(l common.ServerLocation) { c.location = l }

func (c *chunkServerShim) SubmitOp(op rpc_struct.Op) {
	// Real execution belongs to the chunk server; complete in place on
	// the event loop.
	c.nm.Dispatch(func() { c.session.OpDone(op) })
}

func (c *chunkServerShim) SubmitOpResponse(op rpc_struct.Op) {
	if op.Base().Status != 0 {
		log.Debug().Msgf("op completed: %s", op.Show())
	}
}

func (c *chunkServerShim) FileSystemId() common.FileSystemId { return -1 }

func (c *chunkServerShim) SetFileSystemId(id common.FileSystemId, deleteAll bool) {
	log.Info().Msgf("meta filesystem id: %d delete all chunks: %v", id, deleteAll)
}

func (c *chunkServerShim) CurrentCryptoKey() (common.KeyId, string, bool) {
	return 0, "", false
}

func (c *chunkServerShim) MetaServerConnectionLost() {}
func (c *chunkServerShim) UnregisterAllLeases()      {}
func (c *chunkServerShim) CancelSession(gen uint64)  {}

func main() {
	cfg, err := parseConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.Usage()
		os.Exit(1)
	}
	level, _ := zerolog.ParseLevel(cfg.LogLevel)
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	props := common.NewProperties()
	if cfg.ConfigFile != "" {
		f, err := os.Open(cfg.ConfigFile)
		if err != nil {
			log.Fatal().Err(err).Msgf("cannot open config file %s", cfg.ConfigFile)
		}
		if err := props.Load(f, '='); err != nil {
			log.Fatal().Err(err).Msgf("cannot parse config file %s", cfg.ConfigFile)
		}
		f.Close()
	}

	metaLoc, err := parseLocation(cfg.MetaAddr)
	if err != nil {
		log.Fatal().Err(err).Msgf("invalid meta address %s", cfg.MetaAddr)
	}

	nm := netman.New(time.Second)
	nm.Start()

	var health *detector.HealthWindow
	if cfg.RedisAddr != "" {
		health, err = detector.NewHealthWindow(
			"qfs:meta-session", 256, time.Hour,
			&redis.Options{Addr: cfg.RedisAddr})
		if err != nil {
			log.Fatal().Err(err).Msg("cannot open connection-health window")
		}
		defer health.Close()
	}

	shim := &chunkServerShim{nm: nm}
	session := metasession.New(nm, metasession.Dependencies{
		ChunkServer:  shim,
		ChunkManager: shim,
		LeaseClerk:   shim,
		Replicator:   shim,
		Executor:     shim,
		Health:       health,
		Logger:       log.Logger,
	})
	shim.session = session
	if err := session.SetMetaInfo(
		metaLoc, cfg.ClusterKey, common.RackId(cfg.RackId), cfg.MD5Sum, props); err != nil {
		log.Fatal().Err(err).Msg("invalid meta session configuration")
	}
	session.Init()

	var store *metastore.Store
	if cfg.CheckpointDir != "" {
		store = metastore.New(nm, func(op *metastore.ReadOp) {
			log.Debug().Msgf("read done: seq %d status %d", op.StartLogSeq, op.Status)
		}, log.Logger)
		store.SetParameters("metaServer.metaDataStore.", props)
		if err := store.Start(); err != nil {
			log.Fatal().Err(err).Msg("cannot start metadata store")
		}
		if err := store.Load(cfg.CheckpointDir, cfg.LogDir, true); err != nil {
			log.Fatal().Err(err).Msg("cannot load metadata directories")
		}
	}

	var status *gateway.Server
	if cfg.StatusPort > 0 {
		providers := gateway.Providers{
			SessionStatus: func(ctx context.Context) (gateway.SessionStatus, error) {
				done := make(chan gateway.SessionStatus, 1)
				nm.Dispatch(func() {
					done <- gateway.SessionStatus{
						IsUp:          session.IsUp(),
						HandshakeDone: session.IsHandshakeDone(),
						UptimeSeconds: session.ConnectionUptime().Seconds(),
						Generation:    session.Generation(),
						Counters:      session.Counters().Snapshot(),
					}
				})
				select {
				case st := <-done:
					return st, nil
				case <-ctx.Done():
					return gateway.SessionStatus{}, ctx.Err()
				case <-time.After(5 * time.Second):
					return gateway.SessionStatus{}, fmt.Errorf("event loop unresponsive")
				}
			},
			Health: health,
		}
		if store != nil {
			providers.StoreStats = store.Stats
		}
		gcfg := gateway.DefaultConfig()
		gcfg.Port = cfg.StatusPort
		gcfg.Logger = os.Stderr
		status, err = gateway.New(gcfg, providers)
		if err != nil {
			log.Fatal().Err(err).Msg("cannot create status server")
		}
		status.Start()
	}

	log.Info().Msgf("control plane running; meta server %s", metaLoc)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	<-sigCh

	log.Info().Msg("shutting down")
	if status != nil {
		_ = status.Shutdown()
	}
	if store != nil {
		store.Shutdown()
	}
	nm.Dispatch(func() { session.Shutdown() })
	time.Sleep(100 * time.Millisecond)
	nm.Shutdown()
}
