/*
Package pbft implements the consensus core: the three-phase protocol,
quorum evidence aggregation, view changes and log synchronization
between replicas.

The engine owns a single worker goroutine that drains the inbound
queue. Every state transition, whether it comes from the worker, the
view-change timer, a submission or an asynchronous callback, runs
under the engine mutex. Validator and log-sync callbacks check the
stopped flag before taking the mutex, so a callback that outlives the
engine returns silently.
*/
package pbft

import (
	"bytes"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/quorumnet/pbft/config"
	"github.com/quorumnet/pbft/front"
	"github.com/quorumnet/pbft/protocol"
	"github.com/quorumnet/pbft/sign"
	"github.com/quorumnet/pbft/storage"
)

// popWait bounds how long the worker blocks on an empty queue before
// it runs the expiration sweep.
const popWait = 100 * time.Millisecond

const defaultQueueSize = 1024

// Engine drives the replicated state machine.
type Engine struct {
	cfg       *config.Config
	frontSv   front.Service
	store     storage.Storage
	validator Validator

	logger   hclog.Logger
	metrics  *Metrics
	registry *prometheus.Registry

	cache   *CacheProcessor
	logSync *LogSync
	timer   *PBFTTimer
	queue   *msgQueue

	mu       sync.Mutex
	condMu   sync.Mutex
	cond     *sync.Cond
	stopOnce sync.Once
	stopped  uint32
}

// NewEngine assembles an engine over its collaborators. A nil
// validator disables proposal verification.
func NewEngine(cfg *config.Config, frontSv front.Service, store storage.Storage,
	validator Validator) *Engine {
	logger := hclog.New(&hclog.LoggerOptions{
		Name:   "pbft-engine",
		Output: hclog.DefaultOutput,
		Level:  hclog.Level(cfg.LogLevel),
	}).With("node", cfg.Name)
	registry := prometheus.NewRegistry()
	e := &Engine{
		cfg:       cfg,
		frontSv:   frontSv,
		store:     store,
		validator: validator,
		logger:    logger,
		metrics:   NewMetrics(registry),
		registry:  registry,
		queue:     newMsgQueue(defaultQueueSize, logger),
	}
	e.cond = sync.NewCond(&e.condMu)
	e.cache = NewCacheProcessor(cfg, logger, e.broadcastMessage, e.commitProposal)
	e.logSync = NewLogSync(cfg, frontSv, store, logger, e.precommitByHash, e.onSyncedCommittedProposals)
	e.timer = NewPBFTTimer(cfg.ConsensusTimeout, e.onTimeout)
	return e
}

// Registry exposes the engine's metrics for scraping.
func (e *Engine) Registry() *prometheus.Registry {
	return e.registry
}

// Cache exposes the evidence cache, mainly to the facade and tests.
func (e *Engine) Cache() *CacheProcessor {
	return e.cache
}

// Config returns the engine's live configuration.
func (e *Engine) Config() *config.Config {
	return e.cfg
}

// Start registers the inbound dispatcher, restores the persisted
// state and spins up the worker and the view-change timer.
func (e *Engine) Start() {
	e.frontSv.RegisterMessageDispatcher(front.ModulePBFT, e.OnReceivePBFTMessage)
	e.restoreState()
	go e.workerLoop()
	e.timer.Start()
	e.logger.Info("consensus engine started",
		"nodeIndex", e.cfg.NodeIndex(), "quorum", e.cfg.Quorum())
}

func (e *Engine) restoreState() {
	maxIndex := e.store.MaxCommittedProposalIndex()
	if maxIndex == 0 {
		return
	}
	proposals, err := e.store.LoadState(maxIndex - 1)
	if err != nil {
		e.logger.Error("fail to load the persisted state", "error", err)
		return
	}
	for _, p := range proposals {
		if p.Index == maxIndex {
			e.cfg.SetCommittedProposal(p)
			e.logger.Info("restored the committed proposal", "index", p.Index)
			return
		}
	}
}

// Stop halts the worker, cancels the timers and drops late callbacks.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		atomic.StoreUint32(&e.stopped, 1)
		e.timer.Stop()
		e.logSync.Stop()
		e.cond.Broadcast()
	})
}

func (e *Engine) isStopped() bool {
	return atomic.LoadUint32(&e.stopped) == 1
}

// OnReceivePBFTMessage is the dispatcher registered with the front
// service. Log-sync traffic is routed directly; protocol messages go
// through the inbound queue to the worker.
func (e *Engine) OnReceivePBFTMessage(err error, fromNode string, data []byte, respond func([]byte)) {
	if err != nil {
		return
	}
	if !e.cfg.IsConsensusNode() {
		e.logger.Trace("reject the message for the node is not the consensus node", "from", fromNode)
		return
	}
	msg, decodeErr := protocol.Decode(data)
	if decodeErr != nil {
		e.metrics.RejectedMessages.Inc()
		e.logger.Warn("fail to decode the message", "from", fromNode, "error", decodeErr)
		return
	}
	msg.Base().From = fromNode
	switch typed := msg.(type) {
	case *protocol.ProposalRequest:
		if typed.PacketType == protocol.CommittedProposalRequestPacket {
			e.logSync.OnReceiveCommittedProposalRequest(typed, respond)
		} else {
			e.logSync.OnReceivePrecommitRequest(typed, respond)
		}
	case *protocol.ProposalResponse:
		if typed.PacketType == protocol.CommittedProposalResponsePacket {
			e.logSync.OnReceiveCommittedProposalResponse(typed)
		} else {
			e.logSync.OnReceivePrecommitResponse(typed)
		}
	default:
		e.queue.push(msg)
	}
}

func (e *Engine) workerLoop() {
	for {
		if e.isStopped() {
			return
		}
		if !e.cfg.IsConsensusNode() {
			e.waitConsensusNode()
			continue
		}
		msg, ok := e.queue.tryPop(popWait)
		if ok {
			e.handleMsg(msg)
		}
		e.mu.Lock()
		e.cache.ClearExpiredCache()
		e.mu.Unlock()
	}
}

// waitConsensusNode parks the worker until a configuration change
// makes this node part of the committee again.
func (e *Engine) waitConsensusNode() {
	e.condMu.Lock()
	for !e.isStopped() && !e.cfg.IsConsensusNode() {
		e.cond.Wait()
	}
	e.condMu.Unlock()
}

func (e *Engine) handleMsg(msg protocol.ConsensusMessage) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch typed := msg.(type) {
	case *protocol.PBFTMessage:
		switch typed.PacketType {
		case protocol.PrePreparePacket:
			e.handlePrePrepareMsg(typed, e.validator != nil, false)
		case protocol.PreparePacket:
			e.handlePrepareMsg(typed)
		case protocol.CommitPacket:
			e.handleCommitMsg(typed)
		default:
			e.logger.Debug("unknown three-phase packet", "type", typed.PacketType)
		}
	case *protocol.ViewChangeMessage:
		e.handleViewChangeMsg(typed)
	case *protocol.NewViewMessage:
		e.handleNewViewMsg(typed)
	default:
		e.logger.Debug("unknown PBFT message",
			"type", msg.Base().PacketType, "genIdx", msg.Base().GeneratedFrom)
	}
}

// checkPBFTMsgState rejects messages outside the watermark window or
// behind the current view.
func (e *Engine) checkPBFTMsgState(m *protocol.PBFTMessage) error {
	if m.Index < e.cfg.ProgressedIndex() || m.Index >= e.cfg.HighWaterMark() {
		return ErrOutOfWindow
	}
	if m.View < e.cfg.View() {
		return ErrStaleView
	}
	return nil
}

func (e *Engine) checkPrePrepareMsg(m *protocol.PBFTMessage) error {
	if e.cache.ExistPrePrepare(m) {
		return ErrDuplicateMessage
	}
	if e.cache.ConflictWithPrecommitReq(m) {
		return ErrConflict
	}
	if e.cache.ConflictWithProcessedReq(m) {
		return ErrConflict
	}
	return e.checkPBFTMsgState(m)
}

// checkPBFTMsg is the shared gate for prepares and commits.
func (e *Engine) checkPBFTMsg(m *protocol.PBFTMessage) error {
	if err := e.checkPBFTMsgState(m); err != nil {
		return err
	}
	if m.GeneratedFrom == e.cfg.NodeIndex() {
		e.logger.Trace("recv own req", "index", m.Index, "view", m.View)
		return ErrDuplicateMessage
	}
	if e.cache.ConflictWithProcessedReq(m) {
		return ErrConflict
	}
	return verifyMessageSignature(e.cfg, m)
}

func (e *Engine) rejectMsg(m *protocol.PBFTMessage, phase string, err error) {
	e.metrics.RejectedMessages.Inc()
	e.logger.Debug("reject the "+phase,
		"index", m.Index, "view", m.View, "from", m.GeneratedFrom, "error", err)
}

// handlePrePrepareMsg runs the pre-prepare pipeline. fromNewView
// marks packets reconstructed by a new-view, whose aggregate proof
// already covers the leader and signature checks.
func (e *Engine) handlePrePrepareMsg(m *protocol.PBFTMessage, needVerifyProposal bool,
	fromNewView bool) bool {
	if err := e.checkPrePrepareMsg(m); err != nil {
		e.rejectMsg(m, "pre-prepare", err)
		return false
	}
	if !fromNewView {
		// the proposal must be generated from the leader
		if e.cfg.LeaderIndex(m.Index) != m.GeneratedFrom {
			e.rejectMsg(m, "pre-prepare", ErrUnknownSender)
			return false
		}
		if err := verifyMessageSignature(e.cfg, m); err != nil {
			e.rejectMsg(m, "pre-prepare", err)
			return false
		}
	}
	if !needVerifyProposal {
		e.cache.AddPrePrepareCache(m)
		e.broadcastPrepareMsg(m)
		e.logger.Debug("handle the pre-prepare",
			"index", m.Index, "view", m.View, "from", m.GeneratedFrom)
		return true
	}
	// hand the proposal to the validator; the result re-enters the
	// engine and is dropped when the engine stopped meanwhile
	e.validator.VerifyProposal(e.cfg.NodeID(), m.Proposal, func(err error, ok bool) {
		if e.isStopped() {
			return
		}
		if err != nil {
			e.logger.Warn("verify proposal exceptioned",
				"index", m.Index, "view", m.View, "error", err)
			return
		}
		if !ok {
			e.logger.Warn("verify proposal failed",
				"index", m.Index, "view", m.View, "error", ErrVerificationFailed)
			return
		}
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.isStopped() {
			return
		}
		e.handlePrePrepareMsg(m, false, fromNewView)
	})
	return true
}

// broadcastPrepareMsg signs a prepare for the accepted pre-prepare's
// (index, view, hash), caches it locally, fans it out and checks for
// a precommit certificate.
func (e *Engine) broadcastPrepareMsg(prePrepareMsg *protocol.PBFTMessage) {
	prepareMsg := populateMessage(e.cfg, protocol.PreparePacket, prePrepareMsg.View,
		prePrepareMsg.Index, &protocol.Proposal{
			Index: prePrepareMsg.Index,
			Hash:  prePrepareMsg.Hash(),
		})
	if err := signMessage(e.cfg, prepareMsg); err != nil {
		e.logger.Error("fail to sign the prepare", "index", prepareMsg.Index, "error", err)
		return
	}
	e.cache.AddPrepareCache(prepareMsg)
	e.broadcastMessage(prepareMsg)
	e.cache.CheckAndPreCommit()
}

func (e *Engine) handlePrepareMsg(m *protocol.PBFTMessage) bool {
	if err := e.checkPBFTMsg(m); err != nil {
		e.rejectMsg(m, "prepare", err)
		return false
	}
	e.cache.AddPrepareCache(m)
	e.cache.CheckAndPreCommit()
	return true
}

func (e *Engine) handleCommitMsg(m *protocol.PBFTMessage) bool {
	if err := e.checkPBFTMsg(m); err != nil {
		e.rejectMsg(m, "commit", err)
		return false
	}
	e.cache.AddCommitReq(m)
	e.cache.CheckAndCommit()
	return true
}

// onTimeout fires on the view-change timer: move the target view
// forward, drop stale evidence and ask the cluster to change views.
func (e *Engine) onTimeout() {
	if e.isStopped() {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.cfg.IsConsensusNode() {
		return
	}
	e.cfg.IncToView(1)
	e.metrics.ViewChanges.Inc()
	e.logger.Warn("view-change timeout",
		"view", e.cfg.View(), "toView", e.cfg.ToView(), "progressedIndex", e.cfg.ProgressedIndex())
	e.cache.RemoveInvalidViewChange()
	e.broadcastViewChangeReq()
}

func (e *Engine) broadcastViewChangeReq() {
	committed := e.cfg.CommittedProposal()
	viewChangeMsg := &protocol.ViewChangeMessage{
		BaseMessage: protocol.BaseMessage{
			Version:       protocol.DefaultVersion,
			PacketType:    protocol.ViewChangePacket,
			View:          e.cfg.ToView(),
			Index:         committed.Index,
			Timestamp:     time.Now().UnixNano(),
			GeneratedFrom: e.cfg.NodeIndex(),
		},
		CommittedProposal: committed,
		PreparedProposals: e.cache.PreCommitCachesWithoutData(),
	}
	if err := signMessage(e.cfg, viewChangeMsg); err != nil {
		e.logger.Error("fail to sign the view-change", "toView", viewChangeMsg.View, "error", err)
		return
	}
	e.broadcastMessage(viewChangeMsg)
	e.cache.AddViewChangeReq(viewChangeMsg)
	e.tryIntoNewView()
}

func (e *Engine) tryIntoNewView() {
	newViewMsg := e.cache.CheckAndTryIntoNewView()
	if newViewMsg == nil {
		return
	}
	e.broadcastMessage(newViewMsg)
	e.reHandlePrePrepareProposals(newViewMsg)
}

// isValidViewChangeMsg gates a view-change request. A signature
// failure is a hard reject.
func (e *Engine) isValidViewChangeMsg(m *protocol.ViewChangeMessage) bool {
	local := e.cfg.CommittedProposal()
	if m.CommittedProposal == nil || m.CommittedProposal.Index < local.Index {
		e.logger.Debug("invalid view-change: stale committed proposal",
			"from", m.GeneratedFrom, "view", m.View)
		return false
	}
	if m.View <= e.cfg.View() {
		e.logger.Debug("invalid view-change: stale view",
			"from", m.GeneratedFrom, "view", m.View, "error", ErrStaleView)
		return false
	}
	if m.CommittedProposal.Index == local.Index && local.Hash != nil &&
		!bytes.Equal(m.CommittedProposal.Hash, local.Hash) {
		e.logger.Debug("invalid view-change: conflict with local committed proposal",
			"from", m.GeneratedFrom, "index", m.CommittedProposal.Index, "error", ErrConflict)
		return false
	}
	for _, prepared := range m.PreparedProposals {
		if !e.cache.CheckPrecommitMsg(prepared) {
			e.logger.Debug("invalid view-change: conflicting prepared proposal",
				"from", m.GeneratedFrom, "index", prepared.Index)
			return false
		}
	}
	if err := verifyMessageSignature(e.cfg, m); err != nil {
		e.logger.Debug("invalid view-change: bad signature", "from", m.GeneratedFrom, "error", err)
		return false
	}
	return true
}

func (e *Engine) handleViewChangeMsg(m *protocol.ViewChangeMessage) bool {
	if !e.isValidViewChangeMsg(m) {
		e.metrics.RejectedMessages.Inc()
		return false
	}
	// the sender committed further than this replica: sync the gap
	local := e.cfg.CommittedProposal()
	if m.CommittedProposal.Index > local.Index && m.From != "" {
		offset := m.CommittedProposal.Index - local.Index
		e.logSync.RequestCommittedProposals(m.From, local.Index+1, offset)
	}
	e.cache.AddViewChangeReq(m)
	// quorum weight already asks for a view this replica has not
	// reached: catch up so the new-view can be accepted
	if m.View > e.cfg.ToView() && e.cache.ViewChangeWeight(m.View) >= e.cfg.Quorum() {
		e.cfg.SetToView(m.View)
	}
	e.tryIntoNewView()
	return true
}

// isValidNewViewMsg gates a new-view message: right leader, fresh
// view, valid view-change proof of quorum weight and a good
// signature. The bundled pre-prepares are validated when re-fed.
func (e *Engine) isValidNewViewMsg(m *protocol.NewViewMessage) bool {
	expectedLeader := e.cfg.LeaderIndexAfterViewChange()
	if m.Index != uint64(expectedLeader) || m.GeneratedFrom != expectedLeader {
		e.logger.Debug("invalid new-view: unexpected leader",
			"expectedLeader", expectedLeader, "recvIdx", m.Index)
		return false
	}
	if m.View <= e.cfg.View() {
		e.logger.Debug("invalid new-view: stale view", "view", m.View, "error", ErrStaleView)
		return false
	}
	var weight uint64
	seen := make(map[uint32]bool)
	for _, viewChangeMsg := range m.ViewChangeList {
		if !e.isValidViewChangeMsg(viewChangeMsg) {
			e.logger.Debug("invalid new-view: view-change check failed",
				"from", viewChangeMsg.GeneratedFrom)
			return false
		}
		node := e.cfg.GetConsensusNodeByIndex(viewChangeMsg.GeneratedFrom)
		if node == nil || seen[node.Index] {
			continue
		}
		seen[node.Index] = true
		weight += node.Weight
	}
	if weight < e.cfg.Quorum() {
		e.logger.Debug("invalid new-view: insufficient weight",
			"weight", weight, "quorum", e.cfg.Quorum())
		return false
	}
	if err := verifyMessageSignature(e.cfg, m); err != nil {
		e.logger.Debug("invalid new-view: bad signature", "from", m.GeneratedFrom, "error", err)
		return false
	}
	return true
}

func (e *Engine) handleNewViewMsg(m *protocol.NewViewMessage) bool {
	if !e.isValidNewViewMsg(m) {
		e.metrics.RejectedMessages.Inc()
		return false
	}
	e.reHandlePrePrepareProposals(m)
	return true
}

// reachNewView closes the pending view change.
func (e *Engine) reachNewView() {
	e.timer.ResetChangeCycle()
	e.timer.Reset()
	e.cfg.SetView(e.cfg.ToView())
	e.cfg.IncToView(1)
	e.metrics.CurrentView.Set(float64(e.cfg.View()))
	e.logger.Info("reach the new view", "view", e.cfg.View(), "toView", e.cfg.ToView())
}

// reHandlePrePrepareProposals replays the new-view's reconstructed
// pre-prepares: empty blocks and locally cached payloads feed through
// directly, missing payloads are fetched from peers first.
func (e *Engine) reHandlePrePrepareProposals(newViewMsg *protocol.NewViewMessage) {
	for _, prePrepareMsg := range newViewMsg.PrePrepareList {
		if sign.IsEmptyHash(prePrepareMsg.Hash()) {
			e.logger.Debug("re-handle the empty-block pre-prepare", "index", prePrepareMsg.Index)
			e.handlePrePrepareMsg(prePrepareMsg, false, true)
			continue
		}
		if e.cache.TryToFillProposal(prePrepareMsg) {
			e.logger.Debug("re-handle the pre-prepare from the local cache",
				"index", prePrepareMsg.Index)
			e.handlePrePrepareMsg(prePrepareMsg, false, true)
			continue
		}
		// miss the cache, request the payload from the node that
		// prepared it
		peer := ""
		if node := e.cfg.GetConsensusNodeByIndex(prePrepareMsg.GeneratedFrom); node != nil {
			peer = node.NodeID
		} else if list := e.cfg.ConsensusNodeIDList(); len(list) > 0 {
			peer = list[0]
		}
		e.logSync.RequestPrecommitData(peer, prePrepareMsg, func(filled *protocol.PBFTMessage) {
			if e.isStopped() {
				return
			}
			e.mu.Lock()
			defer e.mu.Unlock()
			e.handlePrePrepareMsg(filled, false, true)
		})
	}
	e.reachNewView()
}

// AsyncSubmitProposal enters a proposal into consensus when this node
// leads its index. Only ErrNotConsensusNode and storage failures are
// surfaced to the submitter.
func (e *Engine) AsyncSubmitProposal(data []byte, index uint64, hash []byte,
	onSubmitted func(error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.cfg.IsConsensusNode() {
		if onSubmitted != nil {
			onSubmitted(ErrNotConsensusNode)
		}
		return
	}
	if e.cfg.LeaderIndex(index) != e.cfg.NodeIndex() {
		e.logger.Debug("drop the submitted proposal for the node is not the leader",
			"index", index, "leader", e.cfg.LeaderIndex(index))
		if onSubmitted != nil {
			onSubmitted(nil)
		}
		return
	}
	prePrepareMsg := populateMessage(e.cfg, protocol.PrePreparePacket, e.cfg.View(), index,
		&protocol.Proposal{Index: index, Hash: hash, Data: data})
	if err := signMessage(e.cfg, prePrepareMsg); err != nil {
		e.logger.Error("fail to sign the pre-prepare", "index", index, "error", err)
		if onSubmitted != nil {
			onSubmitted(nil)
		}
		return
	}
	encoded, err := protocol.Encode(prePrepareMsg)
	if err != nil {
		e.logger.Error("fail to encode the pre-prepare", "index", index, "error", err)
		if onSubmitted != nil {
			onSubmitted(nil)
		}
		return
	}
	// enter the three-phase flow locally as well
	e.handlePrePrepareMsg(prePrepareMsg, false, false)
	e.frontSv.AsyncSendMessageByNodeIDs(front.ModulePBFT, e.cfg.ConsensusNodeIDList(), encoded)
	if onSubmitted != nil {
		onSubmitted(nil)
	}
}

// AsyncNotifyNewBlock applies the configuration carried with a new
// block, resets the view-change timer and expires stale evidence.
func (e *Engine) AsyncNotifyNewBlock(ledgerConfig *protocol.LedgerConfig, onRecv func(error)) {
	e.mu.Lock()
	e.cfg.ApplyLedgerConfig(ledgerConfig)
	e.timer.ResetChangeCycle()
	e.timer.Reset()
	e.cache.ClearExpiredCache()
	e.metrics.ProgressedIndex.Set(float64(e.cfg.ProgressedIndex()))
	e.mu.Unlock()
	// a committee change may turn this node into a consensus node
	e.cond.Broadcast()
	if onRecv != nil {
		onRecv(nil)
	}
}

// broadcastMessage is the fan-out capability handed to the cache.
func (e *Engine) broadcastMessage(msg protocol.ConsensusMessage) {
	data, err := protocol.Encode(msg)
	if err != nil {
		e.logger.Error("fail to encode the outbound message",
			"type", msg.Base().PacketType, "error", err)
		return
	}
	e.frontSv.AsyncSendMessageByNodeIDs(front.ModulePBFT, e.cfg.ConsensusNodeIDList(), data)
}

// commitProposal is the commit capability handed to the cache: hand
// the proposal over to the ledger and slide the watermark window.
func (e *Engine) commitProposal(p *protocol.Proposal) bool {
	e.store.AsyncCommitProposal(p)
	e.store.AsyncCommitStableCheckPoint(p)
	e.cfg.SetCommittedProposal(p)
	e.timer.ResetChangeCycle()
	e.timer.Reset()
	e.metrics.CommittedProposals.Inc()
	e.metrics.ProgressedIndex.Set(float64(e.cfg.ProgressedIndex()))
	e.logger.Info("commit the proposal", "index", p.Index, "view", e.cfg.View())
	return true
}

// precommitByHash reads the precommit cache on behalf of log-sync.
func (e *Engine) precommitByHash(hash []byte) *protocol.PBFTMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cache.PrecommitWithData(hash)
}

// onSyncedCommittedProposals applies proposals fetched from a peer
// that committed ahead of this replica.
func (e *Engine) onSyncedCommittedProposals(proposals []*protocol.Proposal) {
	if e.isStopped() {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	sorted := make([]*protocol.Proposal, len(proposals))
	copy(sorted, proposals)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })
	for _, p := range sorted {
		if p.Index != e.cfg.ProgressedIndex() {
			continue
		}
		if p.Data != nil && !bytes.Equal(protocol.HashProposalData(p.Data), p.Hash) {
			e.logger.Warn("synced proposal does not match its digest", "index", p.Index)
			continue
		}
		e.commitProposal(p)
	}
}
