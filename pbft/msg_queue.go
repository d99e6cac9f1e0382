package pbft

import (
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/quorumnet/pbft/protocol"
)

// msgQueue is the multi-producer single-consumer channel between the
// front-service dispatcher and the worker.
type msgQueue struct {
	ch     chan protocol.ConsensusMessage
	logger hclog.Logger
}

func newMsgQueue(size int, logger hclog.Logger) *msgQueue {
	return &msgQueue{
		ch:     make(chan protocol.ConsensusMessage, size),
		logger: logger,
	}
}

// push enqueues without blocking; a full queue sheds the message, the
// protocol tolerates the loss.
func (q *msgQueue) push(msg protocol.ConsensusMessage) {
	select {
	case q.ch <- msg:
	default:
		q.logger.Warn("inbound queue is full, dropping the message",
			"packetType", msg.Base().PacketType, "from", msg.Base().GeneratedFrom)
	}
}

// tryPop waits up to the given duration for one message.
func (q *msgQueue) tryPop(wait time.Duration) (protocol.ConsensusMessage, bool) {
	select {
	case msg := <-q.ch:
		return msg, true
	case <-time.After(wait):
		return nil, false
	}
}
