package pbft

import (
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/quorumnet/pbft/config"
	"github.com/quorumnet/pbft/front"
	"github.com/quorumnet/pbft/protocol"
	"github.com/quorumnet/pbft/sign"
)

// newTestConfigs builds one config per node sharing the same
// committee keys, without any network addressing.
func newTestConfigs(t *testing.T, n int, consensusTimeoutMs int64) []*config.Config {
	t.Helper()
	nodes := make([]*config.ConsensusNode, n)
	privKeys := make([][]byte, n)
	for i := 0; i < n; i++ {
		privKey, pubKey := sign.GenED25519Keys()
		privKeys[i] = privKey
		nodes[i] = &config.ConsensusNode{
			Index:  uint32(i),
			NodeID: "node" + strconv.Itoa(i),
			Weight: 1,
			PubKey: pubKey,
		}
	}
	confs := make([]*config.Config, n)
	for i := 0; i < n; i++ {
		confs[i] = config.New("node"+strconv.Itoa(i), 2, nil, nil, nodes, privKeys[i], 4,
			config.DefaultWaterMarkWindow, consensusTimeoutMs)
	}
	return confs
}

// memHub wires in-process front services together so a cluster of
// engines can run inside one test.
type memHub struct {
	mu    sync.Mutex
	peers map[string]*memFront
}

func newMemHub() *memHub {
	return &memHub{peers: make(map[string]*memFront)}
}

func (h *memHub) register(f *memFront) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.peers[f.name] = f
}

func (h *memHub) peer(name string) *memFront {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.peers[name]
}

// memFront implements front.Service with asynchronous in-memory
// delivery, mirroring the fan-out semantics of the TCP transport.
type memFront struct {
	name        string
	hub         *memHub
	mu          sync.RWMutex
	dispatchers map[uint8]front.Dispatcher
}

func newMemFront(name string, hub *memHub) *memFront {
	f := &memFront{
		name:        name,
		hub:         hub,
		dispatchers: make(map[uint8]front.Dispatcher),
	}
	hub.register(f)
	return f
}

func (f *memFront) RegisterMessageDispatcher(module uint8, dispatcher front.Dispatcher) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dispatchers[module] = dispatcher
}

func (f *memFront) AsyncSendMessageByNodeIDs(module uint8, nodeIDs []string, data []byte) {
	for _, nodeID := range nodeIDs {
		peer := f.hub.peer(nodeID)
		if peer == nil {
			continue
		}
		go peer.deliver(module, f.name, data)
	}
}

func (f *memFront) deliver(module uint8, fromNode string, data []byte) {
	f.mu.RLock()
	dispatcher, ok := f.dispatchers[module]
	f.mu.RUnlock()
	if !ok {
		return
	}
	respond := func(resp []byte) {
		if peer := f.hub.peer(fromNode); peer != nil {
			go peer.deliver(module, f.name, resp)
		}
	}
	dispatcher(nil, fromNode, data, respond)
}

// memStorage is a map-backed Storage double for engine tests; the
// badger implementation has its own tests.
type memStorage struct {
	mu        sync.Mutex
	proposals map[uint64]*protocol.Proposal
	maxIndex  uint64
}

func newMemStorage() *memStorage {
	return &memStorage{proposals: make(map[uint64]*protocol.Proposal)}
}

func (s *memStorage) LoadState(stabledIndex uint64) ([]*protocol.Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var proposals []*protocol.Proposal
	for index, p := range s.proposals {
		if index > stabledIndex {
			proposals = append(proposals, p)
		}
	}
	return proposals, nil
}

func (s *memStorage) AsyncCommitProposal(p *protocol.Proposal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.proposals[p.Index] = p
}

func (s *memStorage) AsyncCommitStableCheckPoint(p *protocol.Proposal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.proposals[p.Index] = p
	if p.Index > s.maxIndex {
		s.maxIndex = p.Index
	}
}

func (s *memStorage) AsyncGetCommittedProposals(start uint64, offset uint64,
	onSuccess func([]*protocol.Proposal)) {
	s.mu.Lock()
	var proposals []*protocol.Proposal
	for index := start; index < start+offset; index++ {
		p, ok := s.proposals[index]
		if !ok {
			break
		}
		proposals = append(proposals, p)
	}
	s.mu.Unlock()
	onSuccess(proposals)
}

func (s *memStorage) MaxCommittedProposalIndex() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxIndex
}

func (s *memStorage) RegisterConfigResetHandler(func(*protocol.LedgerConfig)) {}
func (s *memStorage) RegisterFinalizeHandler(func(*protocol.LedgerConfig))    {}
func (s *memStorage) RegisterNotifyHandler(func(*protocol.Proposal))          {}

// waitFor polls the condition until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, desc string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not reached in time: %s", desc)
}

// newPhaseMsg hand-crafts a signed three-phase message from the given
// node, the way a remote replica would emit it.
func newPhaseMsg(t *testing.T, conf *config.Config, packetType uint8, view uint64, index uint64,
	proposal *protocol.Proposal) *protocol.PBFTMessage {
	t.Helper()
	msg := populateMessage(conf, packetType, view, index, proposal)
	if err := signMessage(conf, msg); err != nil {
		t.Fatal(err)
	}
	return msg
}
