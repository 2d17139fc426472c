// Package main provides the command-line entry point for running a
// single sovrnet transport node.
//
// # Overview
//
// sovrnet-node starts a node's TCP and WebSocket listeners, loads a
// seed PKI from a JSON file, and (if configured indirect) maintains
// connections to its routers. As a minimal demonstration harness it
// prints the text of inbound hello messages to stdout and logs every
// other inbound KernelMessage and every WrappedSendError through logrus;
// a real embedder would consume Node.Inbound()/Offline() instead.
//
// # Usage
//
//	go run ./cmd/sovrnet-node -name alice -tcp-port 9000 -ws-addr :9001 -pki pki.json
//
// # Configuration
//
//   - -name: this node's PKI name (required)
//   - -tcp-port: TCP listen port (0 disables TCP)
//   - -ws-addr: WebSocket listen address, e.g. ":9001" (empty disables WS)
//   - -pki: path to a JSON file of kernelif.HnsEntry seed records
//   - -routers: comma-separated router names this node is indirect through
//   - -max-passthrough: concurrent passthroughs this node will relay
//   - -log-level: logrus level name
package main
