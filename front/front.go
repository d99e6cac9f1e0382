/*
Package front fans consensus traffic out to the cluster and routes
inbound frames to the module that registered for them. It sits on top
of the conn transport and owns the node directory mapping node IDs to
their listen addresses.
*/
package front

import (
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/quorumnet/pbft/conn"
)

// ModulePBFT identifies the consensus engine's traffic.
const ModulePBFT uint8 = 0x01

// Dispatcher handles one inbound frame for a module. respond sends a
// reply back to the originating node.
type Dispatcher func(err error, fromNode string, data []byte, respond func(data []byte))

// Service is the surface the consensus engine consumes.
type Service interface {
	RegisterMessageDispatcher(module uint8, dispatcher Dispatcher)
	AsyncSendMessageByNodeIDs(module uint8, nodeIDs []string, data []byte)
}

// Transport implements Service over a TCP NetworkTransport.
type Transport struct {
	name        string
	trans       *conn.NetworkTransport
	directory   map[string]string // map from node ID to addr:port
	dispatchers map[uint8]Dispatcher
	dispatchMu  sync.RWMutex
	logger      hclog.Logger
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewTransport binds a TCP listener on the given port and returns a
// front service for the cluster described by addrs and ports.
func NewTransport(name string, port int, clusterAddr map[string]string, clusterPort map[string]int,
	maxPool int, logger hclog.Logger) (*Transport, error) {
	if logger == nil {
		logger = hclog.New(&hclog.LoggerOptions{
			Name:   "pbft-front",
			Output: hclog.DefaultOutput,
			Level:  hclog.DefaultLevel,
		})
	}
	trans, err := conn.NewTCPTransport(":"+strconv.Itoa(port), 30*time.Second, nil, maxPool)
	if err != nil {
		return nil, err
	}
	directory := make(map[string]string, len(clusterAddr))
	for nodeID, addr := range clusterAddr {
		directory[nodeID] = addr + ":" + strconv.Itoa(clusterPort[nodeID])
	}
	t := &Transport{
		name:        name,
		trans:       trans,
		directory:   directory,
		dispatchers: make(map[uint8]Dispatcher),
		logger:      logger,
		stopCh:      make(chan struct{}),
	}
	go t.dispatchLoop()
	return t, nil
}

// RegisterMessageDispatcher installs the handler for a module's frames.
func (t *Transport) RegisterMessageDispatcher(module uint8, dispatcher Dispatcher) {
	t.dispatchMu.Lock()
	defer t.dispatchMu.Unlock()
	t.dispatchers[module] = dispatcher
}

// AsyncSendMessageByNodeIDs sends the data to every listed node without
// waiting for delivery. Failures are logged and skipped; the protocol
// tolerates lost messages.
func (t *Transport) AsyncSendMessageByNodeIDs(module uint8, nodeIDs []string, data []byte) {
	go func() {
		for _, nodeID := range nodeIDs {
			if err := t.sendToNode(module, nodeID, data); err != nil {
				t.logger.Warn("fail to send the message", "to", nodeID, "error", err)
			}
		}
	}()
}

func (t *Transport) sendToNode(module uint8, nodeID string, data []byte) error {
	target, ok := t.directory[nodeID]
	if !ok {
		return errors.New("node is not in the directory: " + nodeID)
	}
	netConn, err := t.trans.GetConn(target)
	if err != nil {
		return err
	}
	if err = conn.SendEnvelope(netConn, module, t.name, data); err != nil {
		return err
	}
	return t.trans.ReturnConn(netConn)
}

// EstablishConns dials every node in the directory once so later sends
// reuse pooled connections.
func (t *Transport) EstablishConns() error {
	for nodeID, target := range t.directory {
		netConn, err := t.trans.GetConn(target)
		if err != nil {
			return err
		}
		if err = t.trans.ReturnConn(netConn); err != nil {
			return err
		}
		t.logger.Debug("connection has been established", "sender", t.name, "receiver", nodeID)
	}
	return nil
}

func (t *Transport) dispatchLoop() {
	envCh := t.trans.EnvelopeChan()
	for {
		select {
		case env := <-envCh:
			t.dispatchMu.RLock()
			dispatcher, ok := t.dispatchers[env.Module]
			t.dispatchMu.RUnlock()
			if !ok {
				t.logger.Debug("no dispatcher for the module", "module", env.Module)
				continue
			}
			from := env.From
			module := env.Module
			respond := func(data []byte) {
				if err := t.sendToNode(module, from, data); err != nil {
					t.logger.Warn("fail to respond", "to", from, "error", err)
				}
			}
			dispatcher(nil, env.From, env.Payload, respond)
		case <-t.stopCh:
			return
		}
	}
}

// Close stops the dispatch loop and the underlying transport.
func (t *Transport) Close() error {
	t.stopOnce.Do(func() { close(t.stopCh) })
	return t.trans.Close()
}
