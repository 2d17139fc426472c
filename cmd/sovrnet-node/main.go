package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/sovrnet/identity"
	"github.com/opd-ai/sovrnet/kernelif"
	"github.com/opd-ai/sovrnet/node"
)

// cliConfig holds parsed command-line flags.
type cliConfig struct {
	name           string
	tcpPort        uint
	wsAddr         string
	pkiPath        string
	routers        string
	maxPassthrough uint
	logLevel       string
}

func parseFlags() *cliConfig {
	cfg := &cliConfig{}
	flag.StringVar(&cfg.name, "name", "", "this node's PKI name (required)")
	flag.UintVar(&cfg.tcpPort, "tcp-port", 9000, "TCP listen port (0 disables TCP)")
	flag.StringVar(&cfg.wsAddr, "ws-addr", "", "WebSocket listen address, e.g. :9001 (empty disables WS)")
	flag.StringVar(&cfg.pkiPath, "pki", "", "path to a JSON file of seed kernelif.HnsEntry records")
	flag.StringVar(&cfg.routers, "routers", "", "comma-separated router names this node is indirect through")
	flag.UintVar(&cfg.maxPassthrough, "max-passthrough", 64, "concurrent passthroughs this node will relay")
	flag.StringVar(&cfg.logLevel, "log-level", "info", "logrus level name")
	flag.Parse()
	return cfg
}

func main() {
	os.Exit(run())
}

func run() int {
	cfg := parseFlags()

	if cfg.name == "" {
		fmt.Fprintln(os.Stderr, "sovrnet-node: -name is required")
		return 1
	}
	level, err := logrus.ParseLevel(cfg.logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sovrnet-node: invalid -log-level %q: %v\n", cfg.logLevel, err)
		return 1
	}
	logrus.SetLevel(level)

	localKey, err := identity.GenerateKeyPair()
	if err != nil {
		logrus.WithError(err).Error("failed to generate local keypair")
		return 1
	}

	pki := identity.NewPKI()
	if cfg.pkiPath != "" {
		if err := loadPKI(pki, cfg.pkiPath); err != nil {
			logrus.WithError(err).WithField("path", cfg.pkiPath).Error("failed to load seed PKI")
			return 1
		}
	}

	var routers []string
	if cfg.routers != "" {
		routers = strings.Split(cfg.routers, ",")
	}

	n := node.New(node.Config{
		Self:           cfg.name,
		LocalKey:       localKey,
		PKI:            pki,
		Routers:        routers,
		MaxPassthrough: uint32(cfg.maxPassthrough),
	})

	go logInbound(n)

	if cfg.tcpPort != 0 {
		addr := fmt.Sprintf(":%d", cfg.tcpPort)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			logrus.WithError(err).WithField("addr", addr).Error("failed to listen on tcp")
			return 1
		}
		logrus.WithField("addr", ln.Addr().String()).Info("listening for tcp peers")
		go n.ServeTCP(ln)
	}

	if cfg.wsAddr != "" {
		logrus.WithField("addr", cfg.wsAddr).Info("listening for websocket peers")
		go func() {
			if err := n.ServeWS(cfg.wsAddr); err != nil {
				logrus.WithError(err).Error("websocket listener exited")
			}
		}()
	}

	select {}
}

func logInbound(n *node.Node) {
	for {
		select {
		case km := <-n.Inbound():
			if km.Message.Request != nil {
				if text, _, ok := kernelif.HandleHello(km.Target.Node, *km.Message.Request); ok {
					fmt.Println(text)
					continue
				}
			}
			logrus.WithFields(logrus.Fields{
				"source": km.Source.String(),
				"target": km.Target.String(),
			}).Info("received message")
		case werr := <-n.Offline():
			logrus.WithFields(logrus.Fields{
				"target": werr.Error.Target.String(),
				"kind":   werr.Error.Kind.String(),
			}).Warn("delivery failed")
		}
	}
}

func loadPKI(pki *identity.PKI, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read pki file: %w", err)
	}
	var entries []kernelif.HnsEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("parse pki file: %w", err)
	}
	return pki.Apply(entries...)
}
