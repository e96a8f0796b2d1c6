// Command fastnet-demo runs a minimal echo server over fastnet, grounded on
// the reference server's main.go startup sequence (banner, config, signal
// handling, graceful shutdown) but driven by package manager's Run tick
// instead of the reference's separate listener/updater goroutines.
package main

import (
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"fastnet/internal/logging"
	"fastnet/pkg/event"
	"fastnet/pkg/manager"
	"fastnet/pkg/peer"
)

const version = "1.0.0"

type config struct {
	Host       string
	Port       int
	MaxPeers   int
	ProtocolID uint32
}

func loadConfig() config {
	return config{
		Host:       "0.0.0.0",
		Port:       7777,
		MaxPeers:   64,
		ProtocolID: 1,
	}
}

func main() {
	logging.Banner("fastnet demo server", version)
	log := logging.New(logrus.InfoLevel)

	cfg := loadConfig()
	logging.Section("Configuration")
	log.WithFields(logrus.Fields{
		"host": cfg.Host, "port": cfg.Port, "maxPeers": cfg.MaxPeers,
	}).Info("server configuration loaded")

	mgrCfg := manager.DefaultConfig()
	mgrCfg.MaxConnections = cfg.MaxPeers
	mgrCfg.ProtocolID = cfg.ProtocolID
	mgrCfg.EnableReliableOrdered = true
	mgrCfg.EnableSequenced = true
	mgrCfg.EnableSimple = true

	mgr := manager.New(mgrCfg, log)
	if err := mgr.Start(cfg.Host, cfg.Port); err != nil {
		log.WithError(err).Fatal("failed to bind socket")
	}
	log.Infof("listening on %s:%d", cfg.Host, cfg.Port)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	stopCh := make(chan struct{})
	go runLoop(mgr, log, stopCh)

	sig := <-sigCh
	log.WithField("signal", sig).Warn("received shutdown signal")
	mgr.DisconnectAll(nil, time.Now())
	time.Sleep(mgrCfg.DisconnectTimeout)
	close(stopCh)
	log.Info("server stopped")
}

func runLoop(mgr *manager.Manager, log logrus.FieldLogger, stop <-chan struct{}) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			now := time.Now()
			err := mgr.Run(now, 50*time.Millisecond, func(e *event.Event) {
				onEvent(mgr, log, e)
			})
			if err != nil {
				log.WithError(err).Warn("tick error")
			}
		}
	}
}

// onEvent echoes every Receive payload back to its sender on the same
// channel, and logs every other event type (demo wiring only).
func onEvent(mgr *manager.Manager, log logrus.FieldLogger, e *event.Event) {
	switch e.Type {
	case event.Connect:
		log.WithFields(logrus.Fields{"addr": e.PeerAddr, "id": e.PeerID}).Info("peer connected")
	case event.Disconnect:
		log.WithFields(logrus.Fields{
			"addr": e.PeerAddr, "id": e.PeerID, "reason": peer.DisconnectReason(e.DisconnectReason),
		}).Info("peer disconnected")
	case event.Receive:
		addr, err := net.ResolveUDPAddr("udp", e.PeerAddr)
		if err != nil {
			return
		}
		if p := mgr.PeerAt(addr); p != nil {
			mgr.Send(p, e.Data, peer.DeliveryMethod(e.Delivery))
		}
	case event.ConnectionRequest:
		log.WithField("addr", e.PeerAddr).Info("connection request, accepting")
		e.Pending.Accept()
	case event.Error:
		log.WithFields(logrus.Fields{"code": e.ErrorCode, "text": e.ErrorText}).Warn("transport error")
	}
}
