package session

import (
	"context"

	"github.com/MarcoPoloResearchLab/easel/internal/op"
	"go.uber.org/zap"
)

// AgentMessageKind enumerates the messages exchanged with the background
// sync agent, which keeps syncing after the foreground is suspended.
type AgentMessageKind string

const (
	AgentCacheSnapshot         AgentMessageKind = "CACHE_SNAPSHOT"
	AgentStorePendingOperation AgentMessageKind = "STORE_PENDING_OPERATION"
	AgentRequestSync           AgentMessageKind = "REQUEST_SYNC"
	AgentSyncComplete          AgentMessageKind = "SYNC_COMPLETE"
)

// AgentMessage is one message of the background-agent protocol. Operation
// accompanies STORE_PENDING_OPERATION; Count accompanies SYNC_COMPLETE.
type AgentMessage struct {
	Kind      AgentMessageKind
	Operation *op.Operation
	Count     int
}

// Send posts a message from the background agent to the session loop.
func (s *Session) Send(ctx context.Context, message AgentMessage) error {
	select {
	case s.agentIn <- message:
		return nil
	case <-s.stopped:
		return errSessionStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AgentEvents returns messages the session emits back to the background
// agent, currently SYNC_COMPLETE with the delivered count.
func (s *Session) AgentEvents() <-chan AgentMessage {
	return s.agentOut
}

func (s *Session) handleAgentMessage(ctx context.Context, message AgentMessage) {
	switch message.Kind {
	case AgentCacheSnapshot:
		s.cacheSnapshot()
	case AgentStorePendingOperation:
		if message.Operation == nil {
			s.logger.Warn("store-pending agent message without operation")
			return
		}
		s.enqueue(*message.Operation)
	case AgentRequestSync:
		count := s.flush(ctx)
		select {
		case s.agentOut <- AgentMessage{Kind: AgentSyncComplete, Count: count}:
		default:
			s.logger.Debug("sync-complete message dropped, agent not reading")
		}
	default:
		s.logger.Warn("unknown agent message", zap.String("kind", string(message.Kind)))
	}
}
