// Command gotun2socks is a thin wrapper around the tunnel package: it
// loads a YAML config file, adopts the TUN fd it names, runs until
// signaled, and tears down. Opening/configuring the TUN device itself
// (name, address, routes) and all signal handling are the embedder's
// responsibility per the library's scope; this binary only demonstrates
// wiring a config file to tunnel.New/Run/Stop/Fini.
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/robin/gotun2socks/internal/config"
	"github.com/robin/gotun2socks/tunnel"
)

func main() {
	configPath := flag.String("config", "gotun2socks.yaml", "path to configuration file")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	data, err := os.ReadFile(*configPath)
	if err != nil {
		log.WithError(err).Fatal("failed to read config file")
	}
	cfg, err := config.Load(data)
	if err != nil {
		log.WithError(err).Fatal("failed to load config")
	}

	tun, err := tunnel.New(cfg, logrus.NewEntry(log))
	if err != nil {
		log.WithError(err).Fatal("failed to initialize tunnel")
	}

	tun.Run()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	tun.Stop()
	tun.Fini()
}
