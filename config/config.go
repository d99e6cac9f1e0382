/*
Package config implements the type to pass the arguments to the node
and implements a function to load the parameters from a configuration file.
It also owns the live consensus state: view counters, watermarks, the
committed proposal and the consensus-node snapshot.
*/
package config

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/spf13/viper"

	"github.com/quorumnet/pbft/protocol"
)

// DefaultWaterMarkWindow bounds how far ahead of the progressed index
// a message may run before it is rejected.
const DefaultWaterMarkWindow uint64 = 50

// DefaultConsensusTimeoutMs is the base view-change timeout.
const DefaultConsensusTimeoutMs int64 = 3000

// ConsensusNode is one member of the committee with its parsed key.
type ConsensusNode struct {
	Index  uint32
	NodeID string
	Weight uint64
	PubKey ed25519.PublicKey
}

// nodeSnapshot is the immutable view of the committee published with
// copy-on-write semantics. Readers never take a lock.
type nodeSnapshot struct {
	nodes       []*ConsensusNode // sorted by ascending index
	byIndex     map[uint32]*ConsensusNode
	nodeIDList  []string
	totalWeight uint64
	quorum      uint64
	selfIndex   uint32
	isConsensus bool
}

// Config describes one node's configuration and live consensus state.
type Config struct {
	Name        string
	MaxPool     int
	LogLevel    int
	StorageDir  string
	MetricsPort int

	ClusterAddr map[string]string // map from name to address
	ClusterPort map[string]int    // map from name to port

	PrivateKey ed25519.PrivateKey

	waterMarkWindow    uint64
	view               uint64
	toView             uint64
	progressedIndex    uint64
	consensusTimeoutMs int64
	committed          atomic.Value // *protocol.Proposal
	snapshot           atomic.Value // *nodeSnapshot
}

// New creates a new variable of type Config for test.
func New(name string, maxPool int, clusterAddr map[string]string, clusterPort map[string]int,
	nodes []*ConsensusNode, privateKey ed25519.PrivateKey, logLevel int,
	waterMarkWindow uint64, consensusTimeoutMs int64) *Config {
	c := &Config{
		Name:               name,
		MaxPool:            maxPool,
		LogLevel:           logLevel,
		ClusterAddr:        clusterAddr,
		ClusterPort:        clusterPort,
		PrivateKey:         privateKey,
		waterMarkWindow:    waterMarkWindow,
		progressedIndex:    1,
		consensusTimeoutMs: consensusTimeoutMs,
	}
	c.committed.Store(&protocol.Proposal{Index: 0, Hash: nil})
	c.applySnapshot(nodes)
	return c
}

// LoadConfig loads configuration files by package viper.
func LoadConfig(configPrefix, configName string) (*Config, error) {
	viperConfig := viper.New()

	// for environment variables
	viperConfig.SetEnvPrefix(configPrefix)
	viperConfig.AutomaticEnv()
	replacer := strings.NewReplacer(".", "_")
	viperConfig.SetEnvKeyReplacer(replacer)
	viperConfig.SetConfigName(configName)
	viperConfig.AddConfigPath("./")
	err := viperConfig.ReadInConfig()
	if err != nil {
		return nil, err
	}

	privKeyEDAsString := viperConfig.GetString("privkeyed")
	privKeyED, err := hex.DecodeString(privKeyEDAsString)
	if err != nil {
		return nil, err
	}

	waterMarkWindow := viperConfig.GetUint64("high_watermark_window")
	if waterMarkWindow == 0 {
		waterMarkWindow = DefaultWaterMarkWindow
	}
	consensusTimeoutMs := viperConfig.GetInt64("consensus_timeout_ms")
	if consensusTimeoutMs == 0 {
		consensusTimeoutMs = DefaultConsensusTimeoutMs
	}

	peersP2PPortMapString := viperConfig.GetStringMap("peers_p2p_port")
	peersIPsMapString := viperConfig.GetStringMap("cluster_ips")
	pubKeyMapString := viperConfig.GetStringMap("cluster_pubkeyed")
	weightMapString := viperConfig.GetStringMap("cluster_weights")
	clusterAddr := make(map[string]string, len(pubKeyMapString))
	clusterPort := make(map[string]int, len(pubKeyMapString))
	nodes := make([]*ConsensusNode, 0, len(pubKeyMapString))
	for name, pkAsInterface := range pubKeyMapString {
		pkAsString, ok := pkAsInterface.(string)
		if !ok {
			return nil, errors.New("public key in the config file cannot be decoded correctly")
		}
		pubKey, err := hex.DecodeString(pkAsString)
		if err != nil {
			return nil, err
		}
		clusterPort[name] = peersP2PPortMapString[name].(int)
		clusterAddr[name] = peersIPsMapString[name].(string)
		idStr := name[4:]
		id, err := strconv.Atoi(idStr)
		if err != nil {
			return nil, err
		}
		weight := uint64(1)
		if weightAsInterface, ok := weightMapString[name]; ok {
			weight = uint64(weightAsInterface.(int))
		}
		nodes = append(nodes, &ConsensusNode{
			Index:  uint32(id),
			NodeID: name,
			Weight: weight,
			PubKey: pubKey,
		})
	}

	conf := New(
		viperConfig.GetString("name"),
		viperConfig.GetInt("max_pool"),
		clusterAddr,
		clusterPort,
		nodes,
		privKeyED,
		viperConfig.GetInt("log_level"),
		waterMarkWindow,
		consensusTimeoutMs,
	)
	conf.StorageDir = viperConfig.GetString("storage_dir")
	conf.MetricsPort = viperConfig.GetInt("metrics_port")
	return conf, nil
}

func (c *Config) applySnapshot(nodes []*ConsensusNode) {
	sorted := make([]*ConsensusNode, len(nodes))
	copy(sorted, nodes)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })
	snap := &nodeSnapshot{
		nodes:   sorted,
		byIndex: make(map[uint32]*ConsensusNode, len(sorted)),
	}
	for _, node := range sorted {
		snap.byIndex[node.Index] = node
		snap.nodeIDList = append(snap.nodeIDList, node.NodeID)
		snap.totalWeight += node.Weight
		if node.NodeID == c.Name {
			snap.selfIndex = node.Index
			snap.isConsensus = true
		}
	}
	// quorum is the smallest integer strictly greater than two thirds
	// of the total weight
	snap.quorum = snap.totalWeight*2/3 + 1
	c.snapshot.Store(snap)
}

func (c *Config) loadSnapshot() *nodeSnapshot {
	return c.snapshot.Load().(*nodeSnapshot)
}

// View returns the current view.
func (c *Config) View() uint64 {
	return atomic.LoadUint64(&c.view)
}

// SetView updates the current view.
func (c *Config) SetView(view uint64) {
	atomic.StoreUint64(&c.view, view)
}

// ToView returns the view the node is trying to change to.
func (c *Config) ToView() uint64 {
	return atomic.LoadUint64(&c.toView)
}

// IncToView advances the target view by delta.
func (c *Config) IncToView(delta uint64) {
	atomic.AddUint64(&c.toView, delta)
}

// SetToView overwrites the target view.
func (c *Config) SetToView(toView uint64) {
	atomic.StoreUint64(&c.toView, toView)
}

// ProgressedIndex is the next index the node expects to commit.
func (c *Config) ProgressedIndex() uint64 {
	return atomic.LoadUint64(&c.progressedIndex)
}

// SetProgressedIndex updates the next expected index.
func (c *Config) SetProgressedIndex(index uint64) {
	atomic.StoreUint64(&c.progressedIndex, index)
}

// HighWaterMark bounds the admissible index window.
func (c *Config) HighWaterMark() uint64 {
	return c.ProgressedIndex() + c.waterMarkWindow
}

// WaterMarkWindow returns the width of the admissible index window.
func (c *Config) WaterMarkWindow() uint64 {
	return c.waterMarkWindow
}

// CommittedProposal returns the latest committed proposal.
func (c *Config) CommittedProposal() *protocol.Proposal {
	return c.committed.Load().(*protocol.Proposal)
}

// SetCommittedProposal records the latest committed proposal and
// slides the watermark window after it.
func (c *Config) SetCommittedProposal(p *protocol.Proposal) {
	c.committed.Store(p)
	c.SetProgressedIndex(p.Index + 1)
}

// ConsensusTimeout returns the live view-change timeout.
func (c *Config) ConsensusTimeout() time.Duration {
	return time.Duration(atomic.LoadInt64(&c.consensusTimeoutMs)) * time.Millisecond
}

// SetConsensusTimeout updates the view-change timeout.
func (c *Config) SetConsensusTimeout(ms int64) {
	atomic.StoreInt64(&c.consensusTimeoutMs, ms)
}

// NodeIndex returns this node's index in the committee.
func (c *Config) NodeIndex() uint32 {
	return c.loadSnapshot().selfIndex
}

// NodeID returns this node's identity.
func (c *Config) NodeID() string {
	return c.Name
}

// IsConsensusNode reports whether this node is part of the committee.
func (c *Config) IsConsensusNode() bool {
	return c.loadSnapshot().isConsensus
}

// Quorum returns the weight a certificate must reach.
func (c *Config) Quorum() uint64 {
	return c.loadSnapshot().quorum
}

// TotalWeight returns the committee's total voting weight.
func (c *Config) TotalWeight() uint64 {
	return c.loadSnapshot().totalWeight
}

// ConsensusNodeList returns the committee ordered by ascending index.
func (c *Config) ConsensusNodeList() []*ConsensusNode {
	return c.loadSnapshot().nodes
}

// ConsensusNodeIDList returns the committee's node IDs ordered by
// ascending index.
func (c *Config) ConsensusNodeIDList() []string {
	return c.loadSnapshot().nodeIDList
}

// GetConsensusNodeByIndex looks a committee member up; nil when the
// index is unknown.
func (c *Config) GetConsensusNodeByIndex(index uint32) *ConsensusNode {
	return c.loadSnapshot().byIndex[index]
}

// LeaderIndex returns the leader for the given index at the current
// view. The rotation is
//
//	(committedIndex + (index - committedIndex - 1) + view) mod n
//
// over the committee ordered by ascending node index. This mapping is
// a compatibility constant across a network.
func (c *Config) LeaderIndex(index uint64) uint32 {
	snap := c.loadSnapshot()
	n := uint64(len(snap.nodes))
	if n == 0 {
		return 0
	}
	committedIndex := c.CommittedProposal().Index
	var delta uint64
	if index > committedIndex {
		delta = index - committedIndex - 1
	}
	pos := (committedIndex + delta + c.View()) % n
	return snap.nodes[pos].Index
}

// LeaderIndexAfterViewChange returns the node expected to lead once
// the pending view change completes: toView mod n against the current
// snapshot.
func (c *Config) LeaderIndexAfterViewChange() uint32 {
	snap := c.loadSnapshot()
	n := uint64(len(snap.nodes))
	if n == 0 {
		return 0
	}
	pos := c.ToView() % n
	return snap.nodes[pos].Index
}

// ApplyLedgerConfig installs the configuration carried with a new
// block: committee, timeout and the committed proposal.
func (c *Config) ApplyLedgerConfig(ledgerConfig *protocol.LedgerConfig) {
	if len(ledgerConfig.ConsensusNodes) > 0 {
		nodes := make([]*ConsensusNode, 0, len(ledgerConfig.ConsensusNodes))
		for _, info := range ledgerConfig.ConsensusNodes {
			nodes = append(nodes, &ConsensusNode{
				Index:  info.Index,
				NodeID: info.NodeID,
				Weight: info.Weight,
				PubKey: info.PubKey,
			})
		}
		c.applySnapshot(nodes)
	}
	if ledgerConfig.ConsensusTimeoutMs > 0 {
		c.SetConsensusTimeout(ledgerConfig.ConsensusTimeoutMs)
	}
	if ledgerConfig.CommittedIndex > c.CommittedProposal().Index {
		c.SetCommittedProposal(&protocol.Proposal{
			Index: ledgerConfig.CommittedIndex,
			Hash:  ledgerConfig.CommittedHash,
		})
	}
}
