// Command bridge-server runs a standalone bridge server.
//
// The embedding host application would normally construct the Server and
// expose its own objects; this binary stands in for it with a small
// built-in namespace, which is enough to smoke-test clients against.
package main

import (
	"flag"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/atiploit/ghidra-bridge/config"
	"github.com/atiploit/ghidra-bridge/logger"
	"github.com/atiploit/ghidra-bridge/middleware"
	"github.com/atiploit/ghidra-bridge/registry"
	"github.com/atiploit/ghidra-bridge/server"
)

func main() {
	configPath := flag.String("config", ".", "directory containing config.json")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}
	if err := logger.Init(&cfg.Log); err != nil {
		panic(err)
	}
	log := logger.WithComponent("main")

	svr := server.NewServer()
	svr.SetCallTimeout(cfg.Server.CallTimeout)
	svr.SetDispatchPoolSize(cfg.Server.DispatchPool)
	svr.Use(middleware.LoggingMiddleware(logger.WithComponent("dispatch")))

	svr.Expose("hostname", mustHostname())
	svr.Expose("go_version", runtime.Version())
	svr.Expose("env", envMap())
	svr.Expose("now", func() string { return time.Now().Format(time.RFC3339) })

	var reg registry.Registry
	if len(cfg.Etcd.Endpoints) > 0 {
		etcdReg, err := registry.NewEtcdRegistry(cfg.Etcd.Endpoints)
		if err != nil {
			log.Warn().Err(err).Msg("etcd unavailable, serving without discovery")
		} else {
			reg = etcdReg
		}
	}

	go func() {
		if err := svr.Serve("tcp", cfg.Server.ListenAddr, cfg.Server.AdvertiseAddr, reg); err != nil {
			log.Fatal().Err(err).Msg("serve failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info().Msg("shutting down")
	if err := svr.Shutdown(10 * time.Second); err != nil {
		log.Error().Err(err).Msg("shutdown incomplete")
	}
}

func mustHostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return name
}

func envMap() map[string]string {
	out := make(map[string]string)
	for _, kv := range os.Environ() {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				out[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	return out
}
