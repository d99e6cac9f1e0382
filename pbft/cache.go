package pbft

import (
	"bytes"
	"sort"

	"github.com/hashicorp/go-hclog"

	"github.com/quorumnet/pbft/config"
	"github.com/quorumnet/pbft/protocol"
	"github.com/quorumnet/pbft/sign"
)

// CacheEntry aggregates the three-phase evidence for one (index, view).
type CacheEntry struct {
	prePrepare   *protocol.PBFTMessage
	prepares     map[uint32]*protocol.PBFTMessage
	commits      map[uint32]*protocol.PBFTMessage
	precommitted bool
	committed    bool
}

func newCacheEntry() *CacheEntry {
	return &CacheEntry{
		prepares: make(map[uint32]*protocol.PBFTMessage),
		commits:  make(map[uint32]*protocol.PBFTMessage),
	}
}

// CacheProcessor owns all protocol evidence and emits phase
// transitions. It is mutated only under the engine mutex; it calls out
// through the broadcast and commit capabilities it was built with,
// never back into the engine.
type CacheProcessor struct {
	cfg    *config.Config
	logger hclog.Logger

	caches      map[uint64]map[uint64]*CacheEntry // map from index to view to entry
	viewChanges map[uint64]map[uint32]*protocol.ViewChangeMessage

	broadcast      func(protocol.ConsensusMessage)
	commitProposal func(*protocol.Proposal) bool
}

// NewCacheProcessor builds the evidence cache with its outbound
// capabilities.
func NewCacheProcessor(cfg *config.Config, logger hclog.Logger,
	broadcast func(protocol.ConsensusMessage),
	commitProposal func(*protocol.Proposal) bool) *CacheProcessor {
	return &CacheProcessor{
		cfg:            cfg,
		logger:         logger,
		caches:         make(map[uint64]map[uint64]*CacheEntry),
		viewChanges:    make(map[uint64]map[uint32]*protocol.ViewChangeMessage),
		broadcast:      broadcast,
		commitProposal: commitProposal,
	}
}

func (c *CacheProcessor) entry(index, view uint64) *CacheEntry {
	views, ok := c.caches[index]
	if !ok {
		views = make(map[uint64]*CacheEntry)
		c.caches[index] = views
	}
	e, ok := views[view]
	if !ok {
		e = newCacheEntry()
		views[view] = e
	}
	return e
}

func (c *CacheProcessor) lookup(index, view uint64) *CacheEntry {
	if views, ok := c.caches[index]; ok {
		return views[view]
	}
	return nil
}

// ExistPrePrepare reports whether the entry for the message's
// (index, view) already holds a pre-prepare with a matching hash.
func (c *CacheProcessor) ExistPrePrepare(m *protocol.PBFTMessage) bool {
	e := c.lookup(m.Index, m.View)
	return e != nil && e.prePrepare != nil && bytes.Equal(e.prePrepare.Hash(), m.Hash())
}

// ConflictWithPrecommitReq reports whether a precommitted entry at the
// message's index with a lower view carries a different hash: such a
// pre-prepare would fork a value the replica already prepared.
func (c *CacheProcessor) ConflictWithPrecommitReq(m *protocol.PBFTMessage) bool {
	for view, e := range c.caches[m.Index] {
		if e.precommitted && view < m.View && e.prePrepare != nil &&
			!bytes.Equal(e.prePrepare.Hash(), m.Hash()) {
			return true
		}
	}
	return false
}

// ConflictWithProcessedReq reports whether the stored pre-prepare at
// the message's (index, view) carries a different hash.
func (c *CacheProcessor) ConflictWithProcessedReq(m *protocol.PBFTMessage) bool {
	e := c.lookup(m.Index, m.View)
	return e != nil && e.prePrepare != nil && !bytes.Equal(e.prePrepare.Hash(), m.Hash())
}

// AddPrePrepareCache stores the pre-prepare; the first one wins.
func (c *CacheProcessor) AddPrePrepareCache(m *protocol.PBFTMessage) {
	e := c.entry(m.Index, m.View)
	if e.prePrepare == nil {
		e.prePrepare = m
	}
}

// AddPrepareCache stores a prepare deduplicated by sender.
func (c *CacheProcessor) AddPrepareCache(m *protocol.PBFTMessage) {
	e := c.entry(m.Index, m.View)
	if _, ok := e.prepares[m.GeneratedFrom]; ok {
		c.logger.Trace("duplicate prepare", "index", m.Index, "view", m.View, "from", m.GeneratedFrom)
		return
	}
	e.prepares[m.GeneratedFrom] = m
}

// AddCommitReq stores a commit deduplicated by sender.
func (c *CacheProcessor) AddCommitReq(m *protocol.PBFTMessage) {
	e := c.entry(m.Index, m.View)
	if _, ok := e.commits[m.GeneratedFrom]; ok {
		c.logger.Trace("duplicate commit", "index", m.Index, "view", m.View, "from", m.GeneratedFrom)
		return
	}
	e.commits[m.GeneratedFrom] = m
}

// matchingWeight sums the voting weight of distinct senders whose
// message carries the given hash.
func (c *CacheProcessor) matchingWeight(msgs map[uint32]*protocol.PBFTMessage, hash []byte) uint64 {
	var weight uint64
	for from, m := range msgs {
		if !bytes.Equal(m.Hash(), hash) {
			continue
		}
		node := c.cfg.GetConsensusNodeByIndex(from)
		if node == nil {
			continue
		}
		weight += node.Weight
	}
	return weight
}

// CheckAndPreCommit scans entries that lack a precommit certificate;
// once quorum matching prepares back a pre-prepare, it marks the entry
// precommitted, signs a commit, caches it locally and broadcasts it.
func (c *CacheProcessor) CheckAndPreCommit() {
	for index, views := range c.caches {
		for view, e := range views {
			if e.precommitted || e.prePrepare == nil {
				continue
			}
			hash := e.prePrepare.Hash()
			if c.matchingWeight(e.prepares, hash) < c.cfg.Quorum() {
				continue
			}
			e.precommitted = true
			c.logger.Debug("reach the precommit certificate", "index", index, "view", view)

			proposal := &protocol.Proposal{Index: index, Hash: hash}
			proposal.Signatures = []protocol.ProposalSignature{{
				NodeIndex: c.cfg.NodeIndex(),
				Sig:       sign.SignEd25519(c.cfg.PrivateKey, hash),
			}}
			commitMsg := populateMessage(c.cfg, protocol.CommitPacket, view, index, proposal)
			if err := signMessage(c.cfg, commitMsg); err != nil {
				c.logger.Error("fail to sign the commit", "index", index, "error", err)
				continue
			}
			c.AddCommitReq(commitMsg)
			c.broadcast(commitMsg)
		}
	}
	c.CheckAndCommit()
}

// CheckAndCommit commits precommitted entries that gathered quorum
// matching commits. Indices advance strictly in order; evidence for
// later indices stays cached until its turn.
func (c *CacheProcessor) CheckAndCommit() {
	for {
		progressed := c.cfg.ProgressedIndex()
		var target *CacheEntry
		for view, e := range c.caches[progressed] {
			if !e.precommitted || e.committed || e.prePrepare == nil {
				continue
			}
			hash := e.prePrepare.Hash()
			if c.matchingWeight(e.commits, hash) < c.cfg.Quorum() {
				continue
			}
			target = e
			c.logger.Debug("reach the commit certificate", "index", progressed, "view", view)
			break
		}
		if target == nil {
			return
		}
		proposal := c.buildCommittedProposal(target)
		target.committed = true
		if !c.commitProposal(proposal) {
			return
		}
		if c.cfg.ProgressedIndex() == progressed {
			// the commit callback did not advance; avoid spinning
			return
		}
	}
}

// buildCommittedProposal attaches the aggregated commit signatures to
// the proposal handed to the ledger.
func (c *CacheProcessor) buildCommittedProposal(e *CacheEntry) *protocol.Proposal {
	p := e.prePrepare.Proposal
	hash := e.prePrepare.Hash()
	var sigs []protocol.ProposalSignature
	for from, m := range e.commits {
		if !bytes.Equal(m.Hash(), hash) || m.Proposal == nil {
			continue
		}
		for _, s := range m.Proposal.Signatures {
			if s.NodeIndex == from {
				sigs = append(sigs, s)
				break
			}
		}
	}
	sort.Slice(sigs, func(i, j int) bool { return sigs[i].NodeIndex < sigs[j].NodeIndex })
	p.Signatures = sigs
	return p
}

// AddViewChangeReq stores a view-change request; the first message per
// sender and view wins.
func (c *CacheProcessor) AddViewChangeReq(v *protocol.ViewChangeMessage) {
	views, ok := c.viewChanges[v.View]
	if !ok {
		views = make(map[uint32]*protocol.ViewChangeMessage)
		c.viewChanges[v.View] = views
	}
	if _, ok := views[v.GeneratedFrom]; !ok {
		views[v.GeneratedFrom] = v
	}
}

// ViewChangeWeight sums the voting weight collected for a view.
func (c *CacheProcessor) ViewChangeWeight(view uint64) uint64 {
	var weight uint64
	for from := range c.viewChanges[view] {
		if node := c.cfg.GetConsensusNodeByIndex(from); node != nil {
			weight += node.Weight
		}
	}
	return weight
}

// RemoveInvalidViewChange discards view-change evidence for views the
// node already passed.
func (c *CacheProcessor) RemoveInvalidViewChange() {
	current := c.cfg.View()
	for view := range c.viewChanges {
		if view <= current {
			delete(c.viewChanges, view)
		}
	}
}

// CheckAndTryIntoNewView assembles a NewView once this node is the
// leader after the pending view change and quorum weight of
// view-change requests arrived. It returns nil otherwise.
func (c *CacheProcessor) CheckAndTryIntoNewView() *protocol.NewViewMessage {
	if c.cfg.LeaderIndexAfterViewChange() != c.cfg.NodeIndex() {
		return nil
	}
	toView := c.cfg.ToView()
	if c.ViewChangeWeight(toView) < c.cfg.Quorum() {
		return nil
	}

	viewChangeList := make([]*protocol.ViewChangeMessage, 0, len(c.viewChanges[toView]))
	for _, vc := range c.viewChanges[toView] {
		viewChangeList = append(viewChangeList, vc)
	}
	sort.Slice(viewChangeList, func(i, j int) bool {
		return viewChangeList[i].GeneratedFrom < viewChangeList[j].GeneratedFrom
	})

	committedIndex := c.cfg.CommittedProposal().Index
	maxPrepared := committedIndex
	for _, vc := range viewChangeList {
		for _, pp := range vc.PreparedProposals {
			if pp.Index > maxPrepared {
				maxPrepared = pp.Index
			}
		}
	}

	// for every index the new view must re-propose, pick the prepared
	// pre-prepare with the highest view, or an empty block when no
	// replica prepared anything there
	var prePrepareList []*protocol.PBFTMessage
	for index := committedIndex + 1; index <= maxPrepared; index++ {
		var best *protocol.PBFTMessage
		for _, vc := range viewChangeList {
			for _, pp := range vc.PreparedProposals {
				if pp.Index != index {
					continue
				}
				if best == nil || pp.View > best.View {
					best = pp
				}
			}
		}
		var reissued *protocol.PBFTMessage
		if best != nil {
			reissued = populateMessage(c.cfg, protocol.PrePreparePacket, toView, index, &protocol.Proposal{
				Index:      index,
				Hash:       best.Hash(),
				Signatures: best.Proposal.Signatures,
			})
			reissued.GeneratedFrom = best.GeneratedFrom
		} else {
			reissued = populateMessage(c.cfg, protocol.PrePreparePacket, toView, index, &protocol.Proposal{
				Index: index,
				Hash:  sign.EmptyHash,
			})
		}
		prePrepareList = append(prePrepareList, reissued)
	}

	newViewMsg := &protocol.NewViewMessage{
		BaseMessage: protocol.BaseMessage{
			Version:       protocol.DefaultVersion,
			PacketType:    protocol.NewViewPacket,
			View:          toView,
			Index:         uint64(c.cfg.NodeIndex()),
			GeneratedFrom: c.cfg.NodeIndex(),
		},
		ViewChangeList: viewChangeList,
		PrePrepareList: prePrepareList,
	}
	if err := signMessage(c.cfg, newViewMsg); err != nil {
		c.logger.Error("fail to sign the new-view", "toView", toView, "error", err)
		return nil
	}
	return newViewMsg
}

// CheckPrecommitMsg verifies a prepared-proposal summary against the
// local prepared certificate at its index, if any.
func (c *CacheProcessor) CheckPrecommitMsg(m *protocol.PBFTMessage) bool {
	var best *CacheEntry
	var bestView uint64
	for view, e := range c.caches[m.Index] {
		if e.precommitted && e.prePrepare != nil && (best == nil || view > bestView) {
			best = e
			bestView = view
		}
	}
	if best == nil || bestView < m.View {
		return true
	}
	return bytes.Equal(best.prePrepare.Hash(), m.Hash())
}

// TryToFillProposal splices the full payload into the summary when the
// local cache holds it. It reports whether the payload was found.
func (c *CacheProcessor) TryToFillProposal(m *protocol.PBFTMessage) bool {
	for _, e := range c.caches[m.Index] {
		if e.prePrepare == nil || e.prePrepare.Proposal == nil {
			continue
		}
		stored := e.prePrepare.Proposal
		if stored.Data != nil && bytes.Equal(stored.Hash, m.Hash()) {
			m.Proposal = &protocol.Proposal{
				Index:      m.Index,
				Hash:       stored.Hash,
				Data:       stored.Data,
				Signatures: m.Proposal.Signatures,
			}
			return true
		}
	}
	return false
}

// PrecommitWithData returns the precommitted pre-prepare holding the
// full payload for the hash, serving log-sync requests.
func (c *CacheProcessor) PrecommitWithData(hash []byte) *protocol.PBFTMessage {
	for _, views := range c.caches {
		for _, e := range views {
			if !e.precommitted || e.prePrepare == nil || e.prePrepare.Proposal == nil {
				continue
			}
			if e.prePrepare.Proposal.Data != nil && bytes.Equal(e.prePrepare.Hash(), hash) {
				return e.prePrepare
			}
		}
	}
	return nil
}

// PreCommitCachesWithoutData snapshots every precommitted entry with
// the payload stripped, as carried inside a view-change request.
func (c *CacheProcessor) PreCommitCachesWithoutData() []*protocol.PBFTMessage {
	var summaries []*protocol.PBFTMessage
	for _, views := range c.caches {
		for _, e := range views {
			if e.precommitted && !e.committed && e.prePrepare != nil {
				summaries = append(summaries, e.prePrepare.CopyWithoutData())
			}
		}
	}
	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].Index != summaries[j].Index {
			return summaries[i].Index < summaries[j].Index
		}
		return summaries[i].View < summaries[j].View
	})
	return summaries
}

// ClearExpiredCache drops entries that fell below the retain window
// and view-change evidence for views already passed.
func (c *CacheProcessor) ClearExpiredCache() {
	progressed := c.cfg.ProgressedIndex()
	window := c.cfg.WaterMarkWindow()
	if progressed > window {
		floor := progressed - window
		for index := range c.caches {
			if index < floor {
				delete(c.caches, index)
			}
		}
	}
	c.RemoveInvalidViewChange()
}
