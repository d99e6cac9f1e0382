package pbft

import (
	"bytes"
	"encoding/hex"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/quorumnet/pbft/config"
	"github.com/quorumnet/pbft/front"
	"github.com/quorumnet/pbft/protocol"
	"github.com/quorumnet/pbft/storage"
)

const (
	defaultSyncTimeout = 2 * time.Second
	defaultSyncRetries = 3
)

// pendingFetch tracks one outstanding precommit-data request.
type pendingFetch struct {
	summary  *protocol.PBFTMessage
	onFilled func(*protocol.PBFTMessage)
	timer    *time.Timer
	retries  int
	peerPos  int
}

// LogSync answers peers' requests for committed proposals and
// precommit payloads, and fetches the payloads this replica misses
// after a view change.
type LogSync struct {
	cfg     *config.Config
	frontSv front.Service
	store   storage.Storage
	logger  hclog.Logger

	// fetchPrecommit reads the local precommit cache through the
	// engine so cache access stays serialized.
	fetchPrecommit func(hash []byte) *protocol.PBFTMessage
	// onCommitted hands synced committed proposals back to the engine.
	onCommitted func([]*protocol.Proposal)

	syncTimeout time.Duration
	syncRetries int

	mu      sync.Mutex
	pending map[string]*pendingFetch
}

// NewLogSync wires the log synchronizer with its capabilities.
func NewLogSync(cfg *config.Config, frontSv front.Service, store storage.Storage, logger hclog.Logger,
	fetchPrecommit func(hash []byte) *protocol.PBFTMessage,
	onCommitted func([]*protocol.Proposal)) *LogSync {
	return &LogSync{
		cfg:            cfg,
		frontSv:        frontSv,
		store:          store,
		logger:         logger,
		fetchPrecommit: fetchPrecommit,
		onCommitted:    onCommitted,
		syncTimeout:    defaultSyncTimeout,
		syncRetries:    defaultSyncRetries,
		pending:        make(map[string]*pendingFetch),
	}
}

// OnReceiveCommittedProposalRequest serves proposals in
// [m.Index, m.Index+m.Offset) from the ledger store.
func (ls *LogSync) OnReceiveCommittedProposalRequest(m *protocol.ProposalRequest, respond func([]byte)) {
	ls.store.AsyncGetCommittedProposals(m.Index, m.Offset, func(proposals []*protocol.Proposal) {
		resp := &protocol.ProposalResponse{
			BaseMessage: protocol.BaseMessage{
				Version:       protocol.DefaultVersion,
				PacketType:    protocol.CommittedProposalResponsePacket,
				Index:         m.Index,
				Timestamp:     time.Now().UnixNano(),
				GeneratedFrom: ls.cfg.NodeIndex(),
			},
			Proposals: proposals,
		}
		ls.respondWith(resp, respond)
	})
}

// OnReceivePrecommitRequest serves the payload of a precommitted
// proposal looked up by hash.
func (ls *LogSync) OnReceivePrecommitRequest(m *protocol.ProposalRequest, respond func([]byte)) {
	prePrepare := ls.fetchPrecommit(m.Hash)
	if prePrepare == nil {
		ls.logger.Debug("no precommitted payload for the requested hash",
			"hash", hex.EncodeToString(m.Hash), "from", m.From)
		return
	}
	resp := &protocol.ProposalResponse{
		BaseMessage: protocol.BaseMessage{
			Version:       protocol.DefaultVersion,
			PacketType:    protocol.PreparedProposalResponsePacket,
			Index:         prePrepare.Index,
			Timestamp:     time.Now().UnixNano(),
			GeneratedFrom: ls.cfg.NodeIndex(),
		},
		Proposals: []*protocol.Proposal{prePrepare.Proposal},
	}
	ls.respondWith(resp, respond)
}

func (ls *LogSync) respondWith(resp *protocol.ProposalResponse, respond func([]byte)) {
	if err := signMessage(ls.cfg, resp); err != nil {
		ls.logger.Error("fail to sign the log-sync response", "error", err)
		return
	}
	data, err := protocol.Encode(resp)
	if err != nil {
		ls.logger.Error("fail to encode the log-sync response", "error", err)
		return
	}
	respond(data)
}

// RequestCommittedProposals asks a peer for committed proposals the
// local ledger misses.
func (ls *LogSync) RequestCommittedProposals(peer string, start uint64, offset uint64) {
	req := &protocol.ProposalRequest{
		BaseMessage: protocol.BaseMessage{
			Version:       protocol.DefaultVersion,
			PacketType:    protocol.CommittedProposalRequestPacket,
			Index:         start,
			Timestamp:     time.Now().UnixNano(),
			GeneratedFrom: ls.cfg.NodeIndex(),
		},
		Offset: offset,
	}
	ls.sendRequest(peer, req)
}

// OnReceiveCommittedProposalResponse hands the synced proposals to the
// engine.
func (ls *LogSync) OnReceiveCommittedProposalResponse(m *protocol.ProposalResponse) {
	if len(m.Proposals) == 0 {
		return
	}
	ls.onCommitted(m.Proposals)
}

// RequestPrecommitData fetches the payload behind a reconstructed
// pre-prepare. The pending callback is keyed by hash; the request
// times out and retries against a rotating peer.
func (ls *LogSync) RequestPrecommitData(peer string, summary *protocol.PBFTMessage,
	onFilled func(*protocol.PBFTMessage)) {
	key := hex.EncodeToString(summary.Hash())
	ls.mu.Lock()
	if _, ok := ls.pending[key]; ok {
		ls.mu.Unlock()
		return
	}
	fetch := &pendingFetch{
		summary:  summary,
		onFilled: onFilled,
	}
	fetch.timer = time.AfterFunc(ls.syncTimeout, func() { ls.retry(key) })
	ls.pending[key] = fetch
	ls.mu.Unlock()

	ls.sendPrecommitRequest(peer, summary)
}

func (ls *LogSync) sendPrecommitRequest(peer string, summary *protocol.PBFTMessage) {
	req := &protocol.ProposalRequest{
		BaseMessage: protocol.BaseMessage{
			Version:       protocol.DefaultVersion,
			PacketType:    protocol.PreparedProposalRequestPacket,
			Index:         summary.Index,
			Timestamp:     time.Now().UnixNano(),
			GeneratedFrom: ls.cfg.NodeIndex(),
		},
		Hash: summary.Hash(),
	}
	ls.sendRequest(peer, req)
}

func (ls *LogSync) sendRequest(peer string, req *protocol.ProposalRequest) {
	if err := signMessage(ls.cfg, req); err != nil {
		ls.logger.Error("fail to sign the log-sync request", "error", err)
		return
	}
	data, err := protocol.Encode(req)
	if err != nil {
		ls.logger.Error("fail to encode the log-sync request", "error", err)
		return
	}
	ls.frontSv.AsyncSendMessageByNodeIDs(front.ModulePBFT, []string{peer}, data)
}

// retry re-issues a timed-out fetch against the next peer in the
// rotation, then gives up after syncRetries attempts.
func (ls *LogSync) retry(key string) {
	ls.mu.Lock()
	fetch, ok := ls.pending[key]
	if !ok {
		ls.mu.Unlock()
		return
	}
	fetch.retries++
	if fetch.retries > ls.syncRetries {
		delete(ls.pending, key)
		ls.mu.Unlock()
		ls.logger.Warn("give up fetching the precommit payload",
			"hash", key, "error", ErrSyncTimeout)
		return
	}
	peers := ls.cfg.ConsensusNodeIDList()
	var peer string
	for range peers {
		fetch.peerPos = (fetch.peerPos + 1) % len(peers)
		if peers[fetch.peerPos] != ls.cfg.NodeID() {
			peer = peers[fetch.peerPos]
			break
		}
	}
	fetch.timer = time.AfterFunc(ls.syncTimeout, func() { ls.retry(key) })
	summary := fetch.summary
	ls.mu.Unlock()

	if peer == "" {
		return
	}
	ls.logger.Debug("retry fetching the precommit payload", "hash", key, "peer", peer)
	ls.sendPrecommitRequest(peer, summary)
}

// OnReceivePrecommitResponse completes pending fetches whose payload
// arrived. The payload must match the digest it was requested by.
func (ls *LogSync) OnReceivePrecommitResponse(m *protocol.ProposalResponse) {
	for _, p := range m.Proposals {
		if p == nil || p.Data == nil {
			continue
		}
		if !bytes.Equal(protocol.HashProposalData(p.Data), p.Hash) {
			ls.logger.Warn("precommit payload does not match its digest", "index", p.Index)
			continue
		}
		key := hex.EncodeToString(p.Hash)
		ls.mu.Lock()
		fetch, ok := ls.pending[key]
		if ok {
			delete(ls.pending, key)
			fetch.timer.Stop()
		}
		ls.mu.Unlock()
		if !ok {
			continue
		}
		fetch.summary.Proposal = &protocol.Proposal{
			Index:      fetch.summary.Index,
			Hash:       p.Hash,
			Data:       p.Data,
			Signatures: fetch.summary.Proposal.Signatures,
		}
		fetch.onFilled(fetch.summary)
	}
}

// Stop cancels every outstanding fetch.
func (ls *LogSync) Stop() {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	for key, fetch := range ls.pending {
		fetch.timer.Stop()
		delete(ls.pending, key)
	}
}
