// Package artifacts groups documents a run created into a collection and
// links that collection to the run and, for email-sourced runs, to the
// thread's conversation.
package artifacts

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/unbracketed/zoea-collab-sub000/internal/domain"
)

// DocumentsSink receives the documents created during a run. It must not
// fail the run: implementations log and swallow every error and return
// the collection id, or nil when nothing was linked.
type DocumentsSink interface {
	OnDocumentsCreated(ctx context.Context, run domain.Run, documentIDs []int64) *int64
}

type Collections interface {
	CreateCollection(ctx context.Context, c domain.DocumentCollection) (domain.DocumentCollection, error)
	AddCollectionItems(ctx context.Context, collectionID int64, documentIDs []int64) error
	LinkRunCollection(ctx context.Context, runID, collectionID int64) error
}

type Conversations interface {
	// ConversationForEmailThread returns domain.ErrNotFound when the thread
	// has no conversation yet.
	ConversationForEmailThread(ctx context.Context, orgID int64, threadID string) (int64, error)
	LinkConversationCollection(ctx context.Context, conversationID, collectionID int64) error
}

type Linker struct {
	collections   Collections
	conversations Conversations
	logger        *zap.Logger
}

var _ DocumentsSink = (*Linker)(nil)

func NewLinker(collections Collections, conversations Conversations) *Linker {
	return &Linker{
		collections:   collections,
		conversations: conversations,
		logger:        zap.NewNop(),
	}
}

func (l *Linker) WithLogger(log *zap.Logger) *Linker {
	l.logger = log
	return l
}

func (l *Linker) OnDocumentsCreated(ctx context.Context, run domain.Run, documentIDs []int64) *int64 {
	if len(documentIDs) == 0 {
		return nil
	}
	log := l.logger.With(zap.Int64("run_id", run.ID), zap.Int("documents", len(documentIDs)))

	coll, err := l.collections.CreateCollection(ctx, domain.DocumentCollection{
		OrganizationID: run.OrganizationID,
		ProjectID:      run.ProjectID,
		Name:           collectionName(run),
		RunID:          run.ID,
	})
	if err != nil {
		log.Warn("artifacts: create collection failed", zap.Error(err))
		return nil
	}
	if err := l.collections.AddCollectionItems(ctx, coll.ID, documentIDs); err != nil {
		log.Warn("artifacts: add items failed", zap.Int64("collection_id", coll.ID), zap.Error(err))
	}
	if err := l.collections.LinkRunCollection(ctx, run.ID, coll.ID); err != nil {
		log.Warn("artifacts: link run failed", zap.Int64("collection_id", coll.ID), zap.Error(err))
	}

	if run.InputEnvelope.SourceType == domain.SourceTypeEmailThread && l.conversations != nil {
		l.linkConversation(ctx, log, run, coll.ID)
	}

	id := coll.ID
	return &id
}

func (l *Linker) linkConversation(ctx context.Context, log *zap.Logger, run domain.Run, collectionID int64) {
	threadID := run.InputEnvelope.SourceID
	if threadID == "" {
		return
	}
	convID, err := l.conversations.ConversationForEmailThread(ctx, run.OrganizationID, threadID)
	if err != nil {
		log.Info("artifacts: no conversation for email thread", zap.String("thread_id", threadID), zap.Error(err))
		return
	}
	if err := l.conversations.LinkConversationCollection(ctx, convID, collectionID); err != nil {
		log.Warn("artifacts: link conversation failed", zap.Int64("conversation_id", convID), zap.Error(err))
	}
}

func collectionName(run domain.Run) string {
	short := run.RunID.String()
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("Run %s artifacts (trigger %s)", short, strconv.FormatInt(run.TriggerID, 10))
}
