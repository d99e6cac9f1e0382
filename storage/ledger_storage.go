package storage

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v2"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/quorumnet/pbft/protocol"
)

const (
	maxCommittedProposalKey = "max_committed_proposal"
	pbftCommitDBPrefix      = "pbftCommitDB/"

	maxCommitRetry   = 5
	commitRetryDelay = 100 * time.Millisecond
)

// LedgerStorage implements Storage on top of a badger key-value store.
type LedgerStorage struct {
	db           *badger.DB
	retainWindow uint64
	logger       hclog.Logger

	maxCommittedProposalIndex uint64

	handlerLock        sync.RWMutex
	resetConfigHandler func(*protocol.LedgerConfig)
	finalizeHandler    func(*protocol.LedgerConfig)
	notifyHandler      func(*protocol.Proposal)
}

// Open opens (or creates) the ledger store under dirPath. An empty
// path opens an in-memory store, which the tests use.
func Open(dirPath string, retainWindow uint64, logger hclog.Logger) (*LedgerStorage, error) {
	var badgerOpts badger.Options
	if dirPath == "" {
		badgerOpts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		badgerOpts = badger.DefaultOptions(dirPath).WithSyncWrites(false).WithTruncate(true)
	}
	badgerOpts = badgerOpts.WithLogger(nil)
	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, errors.WithMessage(err, "could not open backing db")
	}
	if logger == nil {
		logger = hclog.New(&hclog.LoggerOptions{
			Name:   "pbft-storage",
			Output: hclog.DefaultOutput,
			Level:  hclog.DefaultLevel,
		})
	}
	s := &LedgerStorage{
		db:           db,
		retainWindow: retainWindow,
		logger:       logger,
	}
	if err := s.fetchMaxCommittedProposalIndex(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func commitKey(index uint64) []byte {
	key := make([]byte, len(pbftCommitDBPrefix)+8)
	copy(key, pbftCommitDBPrefix)
	binary.BigEndian.PutUint64(key[len(pbftCommitDBPrefix):], index)
	return key
}

func (s *LedgerStorage) fetchMaxCommittedProposalIndex() error {
	return s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(maxCommittedProposalKey))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return errors.WithMessage(err, "could not fetch the max committed proposal index")
		}
		return item.Value(func(val []byte) error {
			if len(val) == 8 {
				atomic.StoreUint64(&s.maxCommittedProposalIndex, binary.BigEndian.Uint64(val))
			}
			return nil
		})
	})
}

// MaxCommittedProposalIndex returns the highest stable index.
func (s *LedgerStorage) MaxCommittedProposalIndex() uint64 {
	return atomic.LoadUint64(&s.maxCommittedProposalIndex)
}

// RegisterConfigResetHandler installs the hook fired with the ledger
// configuration after every stable checkpoint.
func (s *LedgerStorage) RegisterConfigResetHandler(handler func(*protocol.LedgerConfig)) {
	s.handlerLock.Lock()
	defer s.handlerLock.Unlock()
	s.resetConfigHandler = handler
}

// RegisterFinalizeHandler installs the hook fired when a checkpoint
// becomes durable.
func (s *LedgerStorage) RegisterFinalizeHandler(handler func(*protocol.LedgerConfig)) {
	s.handlerLock.Lock()
	defer s.handlerLock.Unlock()
	s.finalizeHandler = handler
}

// RegisterNotifyHandler installs the hook fired with every stable
// proposal.
func (s *LedgerStorage) RegisterNotifyHandler(handler func(*protocol.Proposal)) {
	s.handlerLock.Lock()
	defer s.handlerLock.Unlock()
	s.notifyHandler = handler
}

// AsyncCommitProposal durably records a committed proposal, retrying
// with back-off. A permanent failure halts progress and is surfaced
// with a fatal log.
func (s *LedgerStorage) AsyncCommitProposal(p *protocol.Proposal) {
	go s.putProposalWithRetry(p, 0)
}

func (s *LedgerStorage) putProposalWithRetry(p *protocol.Proposal, retryTime int) {
	err := s.putProposal(p)
	if err == nil {
		return
	}
	if retryTime >= maxCommitRetry {
		s.logger.Error("fatal: commit proposal failed permanently, consensus halts",
			"index", p.Index, "error", err)
		panic(errors.WithMessage(err, "commit proposal failed permanently"))
	}
	s.logger.Warn("commit proposal failed, retrying",
		"index", p.Index, "retryTime", retryTime, "error", err)
	time.Sleep(commitRetryDelay << uint(retryTime))
	s.putProposalWithRetry(p, retryTime+1)
}

func (s *LedgerStorage) putProposal(p *protocol.Proposal) error {
	data, err := protocol.MarshalProposal(p)
	if err != nil {
		return errors.WithMessage(err, "could not marshal the proposal")
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(commitKey(p.Index), data)
	})
}

// AsyncCommitStableCheckPoint makes the proposal the stable
// checkpoint: persists it, advances the max committed index, prunes
// entries that fell out of the retain window and fires the handlers.
func (s *LedgerStorage) AsyncCommitStableCheckPoint(p *protocol.Proposal) {
	go func() {
		if err := s.putProposal(p); err != nil {
			s.logger.Error("fail to persist the stable checkpoint", "index", p.Index, "error", err)
			return
		}
		err := s.db.Update(func(txn *badger.Txn) error {
			val := make([]byte, 8)
			binary.BigEndian.PutUint64(val, p.Index)
			return txn.Set([]byte(maxCommittedProposalKey), val)
		})
		if err != nil {
			s.logger.Error("fail to advance the max committed proposal", "index", p.Index, "error", err)
			return
		}
		for {
			max := atomic.LoadUint64(&s.maxCommittedProposalIndex)
			if p.Index <= max || atomic.CompareAndSwapUint64(&s.maxCommittedProposalIndex, max, p.Index) {
				break
			}
		}
		s.removeStabledCheckPoints(p.Index)

		ledgerConfig := &protocol.LedgerConfig{
			CommittedIndex: p.Index,
			CommittedHash:  p.Hash,
		}
		s.handlerLock.RLock()
		resetConfig := s.resetConfigHandler
		finalize := s.finalizeHandler
		notify := s.notifyHandler
		s.handlerLock.RUnlock()
		if notify != nil {
			notify(p)
		}
		if finalize != nil {
			finalize(ledgerConfig)
		}
		if resetConfig != nil {
			resetConfig(ledgerConfig)
		}
	}()
}

// removeStabledCheckPoints prunes commit entries below the retain
// window; they are durable in the chain and no peer syncs them from
// here anymore.
func (s *LedgerStorage) removeStabledCheckPoints(stableIndex uint64) {
	if stableIndex <= s.retainWindow {
		return
	}
	floor := stableIndex - s.retainWindow
	err := s.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(pbftCommitDBPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().KeyCopy(nil)
			index := binary.BigEndian.Uint64(key[len(pbftCommitDBPrefix):])
			if index >= floor {
				break
			}
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("fail to prune stabled checkpoints", "floor", floor, "error", err)
	}
}

// LoadState replays the proposals committed above the stable index.
func (s *LedgerStorage) LoadState(stabledIndex uint64) ([]*protocol.Proposal, error) {
	var proposals []*protocol.Proposal
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(pbftCommitDBPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(commitKey(stabledIndex + 1)); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				p, err := protocol.UnmarshalProposal(val)
				if err != nil {
					return err
				}
				proposals = append(proposals, p)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.WithMessage(err, "could not load the consensus state")
	}
	return proposals, nil
}

// AsyncGetCommittedProposals reads proposals in [start, start+offset)
// and hands them to onSuccess. The read stops at the first gap.
func (s *LedgerStorage) AsyncGetCommittedProposals(start uint64, offset uint64,
	onSuccess func([]*protocol.Proposal)) {
	go func() {
		var proposals []*protocol.Proposal
		err := s.db.View(func(txn *badger.Txn) error {
			for index := start; index < start+offset; index++ {
				item, err := txn.Get(commitKey(index))
				if err == badger.ErrKeyNotFound {
					return nil
				}
				if err != nil {
					return err
				}
				err = item.Value(func(val []byte) error {
					p, err := protocol.UnmarshalProposal(val)
					if err != nil {
						return err
					}
					proposals = append(proposals, p)
					return nil
				})
				if err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			s.logger.Warn("fail to read committed proposals", "start", start, "offset", offset, "error", err)
			return
		}
		onSuccess(proposals)
	}()
}

// Close releases the backing store.
func (s *LedgerStorage) Close() error {
	return s.db.Close()
}
