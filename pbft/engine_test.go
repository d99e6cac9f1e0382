package pbft

import (
	"bytes"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/quorumnet/pbft/config"
	"github.com/quorumnet/pbft/front"
	"github.com/quorumnet/pbft/protocol"
)

type testCluster struct {
	confs   []*config.Config
	engines []*Engine
	stores  []*memStorage
	hub     *memHub
}

func newTestCluster(t *testing.T, n int, consensusTimeoutMs int64, validator Validator) *testCluster {
	t.Helper()
	cluster := &testCluster{
		confs: newTestConfigs(t, n, consensusTimeoutMs),
		hub:   newMemHub(),
	}
	for i := 0; i < n; i++ {
		frontSv := newMemFront("node"+strconv.Itoa(i), cluster.hub)
		store := newMemStorage()
		cluster.stores = append(cluster.stores, store)
		cluster.engines = append(cluster.engines, NewEngine(cluster.confs[i], frontSv, store, validator))
	}
	return cluster
}

func (c *testCluster) start() {
	for _, engine := range c.engines {
		engine.Start()
	}
}

func (c *testCluster) stop() {
	for _, engine := range c.engines {
		engine.Stop()
	}
}

func (c *testCluster) allCommitted(index uint64) bool {
	for _, conf := range c.confs {
		if conf.CommittedProposal().Index < index {
			return false
		}
	}
	return true
}

func TestHappyPathCommit(t *testing.T) {
	cluster := newTestCluster(t, 4, 60000, nil)
	cluster.start()
	defer cluster.stop()

	data := []byte("block-1")
	hash := protocol.HashProposalData(data)
	// node 0 leads index 1 at view 0
	cluster.engines[0].AsyncSubmitProposal(data, 1, hash, func(err error) {
		if err != nil {
			t.Errorf("submit failed: %v", err)
		}
	})
	waitFor(t, 5*time.Second, func() bool { return cluster.allCommitted(1) },
		"all nodes commit index 1")
	for i, conf := range cluster.confs {
		if !bytes.Equal(conf.CommittedProposal().Hash, hash) {
			t.Fatalf("node%d committed a different hash at index 1", i)
		}
	}

	// the rotation hands index 2 to node 1
	data2 := []byte("block-2")
	hash2 := protocol.HashProposalData(data2)
	cluster.engines[1].AsyncSubmitProposal(data2, 2, hash2, nil)
	waitFor(t, 5*time.Second, func() bool { return cluster.allCommitted(2) },
		"all nodes commit index 2")
	for i, conf := range cluster.confs {
		if !bytes.Equal(conf.CommittedProposal().Hash, hash2) {
			t.Fatalf("node%d committed a different hash at index 2", i)
		}
	}
	// every ledger store's stable checkpoint reached index 2
	for i, store := range cluster.stores {
		if store.MaxCommittedProposalIndex() != 2 {
			t.Fatalf("node%d stable checkpoint did not advance to 2", i)
		}
	}
}

func TestHappyPathWithProposalVerification(t *testing.T) {
	cluster := newTestCluster(t, 4, 60000, HashValidator{})
	cluster.start()
	defer cluster.stop()

	data := []byte("verified-block")
	hash := protocol.HashProposalData(data)
	cluster.engines[0].AsyncSubmitProposal(data, 1, hash, nil)
	waitFor(t, 5*time.Second, func() bool { return cluster.allCommitted(1) },
		"all nodes commit the verified proposal")
}

func TestOutOfWindowMessageRejected(t *testing.T) {
	cluster := newTestCluster(t, 4, 60000, nil)
	engine := cluster.engines[0]
	engine.Config().SetCommittedProposal(&protocol.Proposal{Index: 99})

	prepare := newPhaseMsg(t, cluster.confs[1], protocol.PreparePacket, 0, 99,
		&protocol.Proposal{Index: 99, Hash: protocol.HashProposalData([]byte("old"))})
	engine.handleMsg(prepare)
	if len(engine.cache.caches) != 0 {
		t.Fatal("an out-of-window prepare must not mutate the cache")
	}

	beyond := newPhaseMsg(t, cluster.confs[1], protocol.PreparePacket, 0,
		engine.Config().HighWaterMark(),
		&protocol.Proposal{Index: engine.Config().HighWaterMark(), Hash: protocol.HashProposalData([]byte("far"))})
	engine.handleMsg(beyond)
	if len(engine.cache.caches) != 0 {
		t.Fatal("a prepare at the high watermark must not mutate the cache")
	}
}

func TestSelfAndStaleMessagesRejected(t *testing.T) {
	cluster := newTestCluster(t, 4, 60000, nil)
	engine := cluster.engines[0]

	own := newPhaseMsg(t, cluster.confs[0], protocol.PreparePacket, 0, 1,
		&protocol.Proposal{Index: 1, Hash: protocol.HashProposalData([]byte("b"))})
	engine.handleMsg(own)
	if len(engine.cache.caches) != 0 {
		t.Fatal("a prepare generated by self must be rejected")
	}

	engine.Config().SetView(2)
	stale := newPhaseMsg(t, cluster.confs[1], protocol.PreparePacket, 1, 1,
		&protocol.Proposal{Index: 1, Hash: protocol.HashProposalData([]byte("b"))})
	engine.handleMsg(stale)
	if len(engine.cache.caches) != 0 {
		t.Fatal("a prepare behind the current view must be rejected")
	}
}

func TestConflictingPrePrepareRejected(t *testing.T) {
	cluster := newTestCluster(t, 4, 60000, nil)
	engine := cluster.engines[1]

	dataH1 := []byte("value-h1")
	hashH1 := protocol.HashProposalData(dataH1)
	prePrepare := newPhaseMsg(t, cluster.confs[0], protocol.PrePreparePacket, 0, 1,
		&protocol.Proposal{Index: 1, Hash: hashH1, Data: dataH1})
	engine.handleMsg(prePrepare)

	entry := engine.cache.lookup(1, 0)
	if entry == nil || entry.prePrepare == nil {
		t.Fatal("the first pre-prepare must be accepted")
	}

	dataH2 := []byte("value-h2")
	conflict := newPhaseMsg(t, cluster.confs[0], protocol.PrePreparePacket, 0, 1,
		&protocol.Proposal{Index: 1, Hash: protocol.HashProposalData(dataH2), Data: dataH2})
	engine.handleMsg(conflict)

	entry = engine.cache.lookup(1, 0)
	if !bytes.Equal(entry.prePrepare.Hash(), hashH1) {
		t.Fatal("a conflicting pre-prepare must not replace the accepted one")
	}
}

func TestPrePrepareFromNonLeaderRejected(t *testing.T) {
	cluster := newTestCluster(t, 4, 60000, nil)
	engine := cluster.engines[0]

	data := []byte("impostor")
	prePrepare := newPhaseMsg(t, cluster.confs[2], protocol.PrePreparePacket, 0, 1,
		&protocol.Proposal{Index: 1, Hash: protocol.HashProposalData(data), Data: data})
	engine.handleMsg(prePrepare)
	if len(engine.cache.caches) != 0 {
		t.Fatal("a pre-prepare from a non-leader must be rejected")
	}
}

func TestBadSignatureRejected(t *testing.T) {
	cluster := newTestCluster(t, 4, 60000, nil)
	engine := cluster.engines[0]

	prepare := newPhaseMsg(t, cluster.confs[1], protocol.PreparePacket, 0, 1,
		&protocol.Proposal{Index: 1, Hash: protocol.HashProposalData([]byte("b"))})
	prepare.Signature[0] ^= 0xff
	engine.handleMsg(prepare)
	if len(engine.cache.caches) != 0 {
		t.Fatal("a prepare with a bad signature must be rejected")
	}
}

func TestAsyncSubmitProposalNotConsensusNode(t *testing.T) {
	confs := newTestConfigs(t, 4, 60000)
	outsider := config.New("outsider", 2, nil, nil, confs[0].ConsensusNodeList(), nil, 4,
		config.DefaultWaterMarkWindow, 60000)
	hub := newMemHub()
	engine := NewEngine(outsider, newMemFront("outsider", hub), newMemStorage(), nil)

	var submitErr error
	var called bool
	engine.AsyncSubmitProposal([]byte("data"), 1, protocol.HashProposalData([]byte("data")),
		func(err error) {
			called = true
			submitErr = err
		})
	if !called || submitErr != ErrNotConsensusNode {
		t.Fatalf("expected ErrNotConsensusNode, got %v", submitErr)
	}
}

func TestViewChangeOnSilentLeader(t *testing.T) {
	cluster := newTestCluster(t, 4, 300, nil)
	cluster.start()
	defer cluster.stop()

	// nothing is submitted: the change cycle fires on every node and
	// the cluster agrees on a higher view
	waitFor(t, 15*time.Second, func() bool {
		for _, conf := range cluster.confs {
			if conf.View() == 0 {
				return false
			}
		}
		return true
	}, "every node passes view 0")

	for _, conf := range cluster.confs {
		if conf.View() > conf.ToView() {
			t.Fatal("view must never run ahead of toView")
		}
	}
}

// TestPreparedEvidenceCarriedAcrossViews replays the view-change path
// on one replica: the new-view reissues a prepared value, the replica
// fills the payload from its cache, prepares it at the new view and
// closes the view change.
func TestPreparedEvidenceCarriedAcrossViews(t *testing.T) {
	confs := newTestConfigs(t, 4, 60000)
	hub := newMemHub()

	// a sink peer records what node3 broadcasts
	var sinkMu sync.Mutex
	var sinkMsgs []protocol.ConsensusMessage
	sink := newMemFront("node1", hub)
	sink.RegisterMessageDispatcher(front.ModulePBFT, func(err error, fromNode string,
		data []byte, respond func([]byte)) {
		msg, decodeErr := protocol.Decode(data)
		if decodeErr != nil {
			return
		}
		sinkMu.Lock()
		sinkMsgs = append(sinkMsgs, msg)
		sinkMu.Unlock()
	})

	engine := NewEngine(confs[3], newMemFront("node3", hub), newMemStorage(), nil)
	defer engine.Stop()

	// node3 accepted the pre-prepare for H1 at view 0 before the
	// leader died
	data := []byte("carried-value")
	hash := protocol.HashProposalData(data)
	prePrepare := newPhaseMsg(t, confs[0], protocol.PrePreparePacket, 0, 1,
		&protocol.Proposal{Index: 1, Hash: hash, Data: data})
	engine.handleMsg(prePrepare)

	// its timer fires: toView moves to 1
	engine.onTimeout()
	if engine.Config().ToView() != 1 {
		t.Fatalf("expected toView 1 after the timeout, got %d", engine.Config().ToView())
	}

	// quorum view-changes carry the prepared summary for H1
	summary := prePrepare.CopyWithoutData()
	var viewChangeList []*protocol.ViewChangeMessage
	for _, i := range []int{1, 2, 3} {
		viewChange := &protocol.ViewChangeMessage{
			BaseMessage: protocol.BaseMessage{
				Version:       protocol.DefaultVersion,
				PacketType:    protocol.ViewChangePacket,
				View:          1,
				GeneratedFrom: uint32(i),
			},
			CommittedProposal: confs[i].CommittedProposal(),
			PreparedProposals: []*protocol.PBFTMessage{summary},
		}
		if err := signMessage(confs[i], viewChange); err != nil {
			t.Fatal(err)
		}
		viewChangeList = append(viewChangeList, viewChange)
	}

	// node1 is the leader after the view change and reissues H1
	newViewMsg := &protocol.NewViewMessage{
		BaseMessage: protocol.BaseMessage{
			Version:       protocol.DefaultVersion,
			PacketType:    protocol.NewViewPacket,
			View:          1,
			Index:         1,
			GeneratedFrom: 1,
		},
		ViewChangeList: viewChangeList,
		PrePrepareList: []*protocol.PBFTMessage{{
			BaseMessage: protocol.BaseMessage{
				Version:       protocol.DefaultVersion,
				PacketType:    protocol.PrePreparePacket,
				View:          1,
				Index:         1,
				GeneratedFrom: 0,
			},
			Proposal: &protocol.Proposal{Index: 1, Hash: hash},
		}},
	}
	if err := signMessage(confs[1], newViewMsg); err != nil {
		t.Fatal(err)
	}
	engine.handleMsg(newViewMsg)

	if engine.Config().View() != 1 || engine.Config().ToView() != 2 {
		t.Fatalf("the view change must close: view=%d toView=%d",
			engine.Config().View(), engine.Config().ToView())
	}

	// the replica converged on H1 at the new view and voted for it
	entry := engine.cache.lookup(1, 1)
	if entry == nil || entry.prePrepare == nil || !bytes.Equal(entry.prePrepare.Hash(), hash) {
		t.Fatal("the prepared value must be re-accepted at the new view")
	}
	if !bytes.Equal(entry.prePrepare.Proposal.Data, data) {
		t.Fatal("the payload must be filled from the local cache")
	}
	waitFor(t, 2*time.Second, func() bool {
		sinkMu.Lock()
		defer sinkMu.Unlock()
		for _, msg := range sinkMsgs {
			if typed, ok := msg.(*protocol.PBFTMessage); ok &&
				typed.PacketType == protocol.PreparePacket &&
				typed.View == 1 && typed.Index == 1 && bytes.Equal(typed.Hash(), hash) {
				return true
			}
		}
		return false
	}, "node3 prepares H1 at the new view")
}

func TestNewViewFromWrongLeaderRejected(t *testing.T) {
	confs := newTestConfigs(t, 4, 60000)
	hub := newMemHub()
	engine := NewEngine(confs[3], newMemFront("node3", hub), newMemStorage(), nil)
	defer engine.Stop()
	engine.onTimeout()

	newViewMsg := &protocol.NewViewMessage{
		BaseMessage: protocol.BaseMessage{
			Version:       protocol.DefaultVersion,
			PacketType:    protocol.NewViewPacket,
			View:          1,
			Index:         2,
			GeneratedFrom: 2,
		},
	}
	if err := signMessage(confs[2], newViewMsg); err != nil {
		t.Fatal(err)
	}
	engine.handleMsg(newViewMsg)
	if engine.Config().View() != 0 {
		t.Fatal("a new-view from the wrong leader must be rejected")
	}
}

func TestAsyncNotifyNewBlockAppliesConfig(t *testing.T) {
	cluster := newTestCluster(t, 4, 60000, nil)
	engine := cluster.engines[0]

	var notified bool
	engine.AsyncNotifyNewBlock(&protocol.LedgerConfig{
		CommittedIndex:     5,
		CommittedHash:      []byte{0x05},
		ConsensusTimeoutMs: 1000,
	}, func(err error) {
		notified = err == nil
	})
	if !notified {
		t.Fatal("the notification callback must fire")
	}
	if engine.Config().ProgressedIndex() != 6 {
		t.Fatal("the notification must advance the progressed index")
	}
	if engine.Config().ConsensusTimeout() != time.Second {
		t.Fatal("the notification must apply the consensus timeout")
	}
}
