package artifacts

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unbracketed/zoea-collab-sub000/internal/domain"
)

type fakeCollections struct {
	mu        sync.Mutex
	created   []domain.DocumentCollection
	items     map[int64][]int64
	runLinks  map[int64]int64
	createErr error
	addErr    error
}

func newFakeCollections() *fakeCollections {
	return &fakeCollections{items: map[int64][]int64{}, runLinks: map[int64]int64{}}
}

func (f *fakeCollections) CreateCollection(ctx context.Context, c domain.DocumentCollection) (domain.DocumentCollection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return domain.DocumentCollection{}, f.createErr
	}
	c.ID = int64(len(f.created) + 100)
	f.created = append(f.created, c)
	return c, nil
}

func (f *fakeCollections) AddCollectionItems(ctx context.Context, collectionID int64, ids []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addErr != nil {
		return f.addErr
	}
	f.items[collectionID] = append(f.items[collectionID], ids...)
	return nil
}

func (f *fakeCollections) LinkRunCollection(ctx context.Context, runID, collectionID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runLinks[runID] = collectionID
	return nil
}

type fakeConversations struct {
	threads map[string]int64
	links   map[int64]int64
}

func (f *fakeConversations) ConversationForEmailThread(ctx context.Context, orgID int64, threadID string) (int64, error) {
	id, ok := f.threads[threadID]
	if !ok {
		return 0, domain.ErrNotFound
	}
	return id, nil
}

func (f *fakeConversations) LinkConversationCollection(ctx context.Context, conversationID, collectionID int64) error {
	f.links[conversationID] = collectionID
	return nil
}

func run(sourceType, sourceID string) domain.Run {
	r := domain.NewRun(domain.Trigger{ID: 4, OrganizationID: 1},
		domain.Event{Type: domain.EventTypeEmailReceived, SourceType: sourceType, SourceID: sourceID}, testNow)
	r.ID = 9
	return r
}

func TestOnDocumentsCreated_LinksRunAndConversation(t *testing.T) {
	colls := newFakeCollections()
	convs := &fakeConversations{threads: map[string]int64{"t-1": 55}, links: map[int64]int64{}}
	l := NewLinker(colls, convs)

	id := l.OnDocumentsCreated(context.Background(), run(domain.SourceTypeEmailThread, "t-1"), []int64{1, 2})
	require.NotNil(t, id)
	assert.Equal(t, []int64{1, 2}, colls.items[*id])
	assert.Equal(t, *id, colls.runLinks[9])
	assert.Equal(t, *id, convs.links[55])
	assert.Equal(t, int64(9), colls.created[0].RunID)
}

func TestOnDocumentsCreated_NonEmailRunSkipsConversation(t *testing.T) {
	colls := newFakeCollections()
	convs := &fakeConversations{threads: map[string]int64{"42": 55}, links: map[int64]int64{}}

	id := NewLinker(colls, convs).OnDocumentsCreated(context.Background(), run(domain.SourceTypeDocument, "42"), []int64{1})
	require.NotNil(t, id)
	assert.Empty(t, convs.links)
}

func TestOnDocumentsCreated_MissingConversationIsSwallowed(t *testing.T) {
	colls := newFakeCollections()
	convs := &fakeConversations{threads: map[string]int64{}, links: map[int64]int64{}}

	id := NewLinker(colls, convs).OnDocumentsCreated(context.Background(), run(domain.SourceTypeEmailThread, "t-2"), []int64{3})
	assert.NotNil(t, id)
}

func TestOnDocumentsCreated_CreateFailureReturnsNil(t *testing.T) {
	colls := newFakeCollections()
	colls.createErr = errors.New("db down")

	assert.Nil(t, NewLinker(colls, nil).OnDocumentsCreated(context.Background(), run(domain.SourceTypeDocument, "1"), []int64{1}))
}

func TestOnDocumentsCreated_AddFailureStillLinks(t *testing.T) {
	colls := newFakeCollections()
	colls.addErr = errors.New("constraint")

	id := NewLinker(colls, nil).OnDocumentsCreated(context.Background(), run(domain.SourceTypeDocument, "1"), []int64{1})
	require.NotNil(t, id)
	assert.Equal(t, *id, colls.runLinks[9])
}

func TestOnDocumentsCreated_NoDocuments(t *testing.T) {
	colls := newFakeCollections()
	assert.Nil(t, NewLinker(colls, nil).OnDocumentsCreated(context.Background(), run(domain.SourceTypeDocument, "1"), nil))
	assert.Empty(t, colls.created)
}

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
