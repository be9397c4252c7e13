package convo

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corehr/portal-sync/internal/bus"
	"github.com/corehr/portal-sync/internal/models"
	"github.com/corehr/portal-sync/internal/portal"
)

// fakeAPI is a scriptable stand-in for the portal client.
type fakeAPI struct {
	mu        sync.Mutex
	sendFn    func(req portal.SendMessageRequest) (*portal.SendMessageResponse, error)
	listFn    func() (*portal.ConversationListResponse, error)
	convResp  *portal.ConversationResponse
	convErr   error
	listResp  *portal.ConversationListResponse
	listErr   error
	sendCalls []portal.SendMessageRequest
	listCalls int
}

func (f *fakeAPI) SendMessage(_ context.Context, req portal.SendMessageRequest) (*portal.SendMessageResponse, error) {
	f.mu.Lock()
	f.sendCalls = append(f.sendCalls, req)
	fn := f.sendFn
	f.mu.Unlock()

	if fn == nil {
		return &portal.SendMessageResponse{Message: models.Message{
			ID:        "srv-" + req.ClientTempID,
			Content:   req.Content,
			CreatedAt: time.Now(),
		}}, nil
	}

	return fn(req)
}

func (f *fakeAPI) FetchConversation(context.Context, string) (*portal.ConversationResponse, error) {
	if f.convErr != nil {
		return nil, f.convErr
	}
	if f.convResp != nil {
		return f.convResp, nil
	}

	return &portal.ConversationResponse{ID: "c1"}, nil
}

func (f *fakeAPI) FetchConversationList(context.Context) (*portal.ConversationListResponse, error) {
	f.mu.Lock()
	f.listCalls++
	fn := f.listFn
	f.mu.Unlock()

	if fn != nil {
		return fn()
	}
	if f.listErr != nil {
		return nil, f.listErr
	}
	if f.listResp != nil {
		return f.listResp, nil
	}

	return &portal.ConversationListResponse{}, nil
}

func newTestSynchronizer(t *testing.T, api *fakeAPI) (*Synchronizer, *bus.Bus) {
	t.Helper()

	b := bus.New(slog.Default())
	s := NewSynchronizer(api, b, "me", slog.Default())

	return s, b
}

func at(sec int) time.Time {
	return time.Date(2026, 3, 1, 12, 0, sec, 0, time.UTC)
}

// subscribeChanged collects conversation-change announcements, which
// arrive from the background list refresh.
func subscribeChanged(t *testing.T, b *bus.Bus) <-chan string {
	t.Helper()

	ch := make(chan string, 16)
	b.Subscribe(bus.TopicConversationChanged, func(payload any) {
		id, ok := payload.(string)
		require.True(t, ok)
		ch <- id
	})

	return ch
}

func recvChanged(t *testing.T, ch <-chan string) string {
	t.Helper()

	select {
	case id := <-ch:
		return id
	case <-time.After(5 * time.Second):
		t.Fatal("no conversation change announced")
		return ""
	}
}

// --- Open ---

func TestOpen_MergesServerHistory(t *testing.T) {
	api := &fakeAPI{convResp: &portal.ConversationResponse{
		ID:             "c1",
		ParticipantIDs: []string{"me", "them"},
		Messages: []models.Message{
			{ID: "m2", Content: "second", CreatedAt: at(2)},
			{ID: "m1", Content: "first", CreatedAt: at(1)},
		},
		UnreadCount: 3,
	}}
	s, _ := newTestSynchronizer(t, api)

	msgs, err := s.Open(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, "m2", msgs[1].ID)
	assert.Equal(t, models.MessageSent, msgs[0].Status)
}

func TestOpen_FetchError(t *testing.T) {
	api := &fakeAPI{convErr: fmt.Errorf("boom")}
	s, _ := newTestSynchronizer(t, api)

	_, err := s.Open(context.Background(), "c1")
	require.Error(t, err)
	assert.ErrorContains(t, err, "c1")
}

func TestOpen_ReopenKeepsLocalEntries(t *testing.T) {
	api := &fakeAPI{
		convResp: &portal.ConversationResponse{ID: "c1"},
		sendFn: func(portal.SendMessageRequest) (*portal.SendMessageResponse, error) {
			return nil, fmt.Errorf("offline")
		},
	}
	s, _ := newTestSynchronizer(t, api)

	_, err := s.Open(context.Background(), "c1")
	require.NoError(t, err)

	tempID, sendErr := s.Send(context.Background(), "c1", "hi", nil)
	require.Error(t, sendErr)

	api.convResp = &portal.ConversationResponse{
		ID:       "c1",
		Messages: []models.Message{{ID: "m1", Content: "server", CreatedAt: at(0)}},
	}

	msgs, err := s.Open(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	var foundFailed bool
	for _, m := range msgs {
		if m.ClientTempID == tempID {
			foundFailed = true
			assert.Equal(t, models.MessageFailed, m.Status)
		}
	}
	assert.True(t, foundFailed, "failed local entry should survive reopen")
}

// --- Send ---

func TestSend_ConfirmReplacesOptimisticEntry(t *testing.T) {
	confirmed := models.Message{ID: "srv-1", Content: "hi", CreatedAt: at(5)}
	api := &fakeAPI{sendFn: func(req portal.SendMessageRequest) (*portal.SendMessageResponse, error) {
		return &portal.SendMessageResponse{Message: confirmed}, nil
	}}
	s, _ := newTestSynchronizer(t, api)

	_, err := s.Open(context.Background(), "c1")
	require.NoError(t, err)

	tempID, err := s.Send(context.Background(), "c1", "hi", nil)
	require.NoError(t, err)

	msgs := s.Messages("c1")
	require.Len(t, msgs, 1)
	assert.Equal(t, "srv-1", msgs[0].ID)
	assert.Equal(t, tempID, msgs[0].ClientTempID)
	assert.Equal(t, models.MessageSent, msgs[0].Status)

	require.Len(t, api.sendCalls, 1)
	assert.Equal(t, tempID, api.sendCalls[0].ClientTempID)
}

func TestSend_OptimisticEntryVisibleDuringFlight(t *testing.T) {
	inFlight := make(chan struct{})
	release := make(chan struct{})

	api := &fakeAPI{}
	api.sendFn = func(req portal.SendMessageRequest) (*portal.SendMessageResponse, error) {
		close(inFlight)
		<-release

		return &portal.SendMessageResponse{Message: models.Message{ID: "srv-1", Content: req.Content}}, nil
	}
	s, _ := newTestSynchronizer(t, api)

	_, err := s.Open(context.Background(), "c1")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.Send(context.Background(), "c1", "hi", nil)
	}()

	<-inFlight
	msgs := s.Messages("c1")
	require.Len(t, msgs, 1)
	assert.Equal(t, models.MessagePending, msgs[0].Status)

	close(release)
	<-done
}

func TestSend_FailureMarksEntryFailed(t *testing.T) {
	api := &fakeAPI{sendFn: func(portal.SendMessageRequest) (*portal.SendMessageResponse, error) {
		return nil, fmt.Errorf("network down")
	}}
	s, _ := newTestSynchronizer(t, api)

	_, err := s.Open(context.Background(), "c1")
	require.NoError(t, err)

	tempID, err := s.Send(context.Background(), "c1", "hi", nil)
	require.Error(t, err)

	var sendErr *SendError
	require.ErrorAs(t, err, &sendErr)
	assert.Equal(t, "c1", sendErr.ChatID)
	assert.Equal(t, tempID, sendErr.ClientTempID)

	msgs := s.Messages("c1")
	require.Len(t, msgs, 1)
	assert.Equal(t, models.MessageFailed, msgs[0].Status)
	assert.Equal(t, "hi", msgs[0].Content)
}

// --- Retry ---

func TestRetry_ReusesTempID(t *testing.T) {
	fail := true
	api := &fakeAPI{}
	api.sendFn = func(req portal.SendMessageRequest) (*portal.SendMessageResponse, error) {
		if fail {
			return nil, fmt.Errorf("flaky")
		}

		return &portal.SendMessageResponse{Message: models.Message{ID: "srv-1", Content: req.Content}}, nil
	}
	s, _ := newTestSynchronizer(t, api)

	_, err := s.Open(context.Background(), "c1")
	require.NoError(t, err)

	tempID, err := s.Send(context.Background(), "c1", "hi", nil)
	require.Error(t, err)

	fail = false
	require.NoError(t, s.Retry(context.Background(), "c1", tempID))

	require.Len(t, api.sendCalls, 2)
	assert.Equal(t, api.sendCalls[0].ClientTempID, api.sendCalls[1].ClientTempID)

	msgs := s.Messages("c1")
	require.Len(t, msgs, 1)
	assert.Equal(t, models.MessageSent, msgs[0].Status)
}

func TestRetry_RejectsNonFailedMessage(t *testing.T) {
	api := &fakeAPI{}
	s, _ := newTestSynchronizer(t, api)

	_, err := s.Open(context.Background(), "c1")
	require.NoError(t, err)

	tempID, err := s.Send(context.Background(), "c1", "hi", nil)
	require.NoError(t, err)

	// Confirmed entries have a canonical id and no longer match by
	// temp id, so the retry is rejected.
	err = s.Retry(context.Background(), "c1", tempID)
	assert.Error(t, err)
}

func TestRetry_UnknownConversation(t *testing.T) {
	s, _ := newTestSynchronizer(t, &fakeAPI{})

	err := s.Retry(context.Background(), "ghost", "t1")
	assert.ErrorContains(t, err, "not open")
}

// --- ApplyPush ---

func TestApplyPush_DropsDuplicateID(t *testing.T) {
	api := &fakeAPI{convResp: &portal.ConversationResponse{
		ID:       "c1",
		Messages: []models.Message{{ID: "m1", Content: "hello", CreatedAt: at(1)}},
	}}
	s, _ := newTestSynchronizer(t, api)

	_, err := s.Open(context.Background(), "c1")
	require.NoError(t, err)

	s.ApplyPush("c1", models.Message{ID: "m1", Content: "hello again", CreatedAt: at(1)})

	msgs := s.Messages("c1")
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Content)
}

func TestApplyPush_IgnoresClosedConversation(t *testing.T) {
	api := &fakeAPI{}
	s, _ := newTestSynchronizer(t, api)

	s.ApplyPush("never-opened", models.Message{ID: "m1"})
	assert.Nil(t, s.Messages("never-opened"))
	assert.Zero(t, api.listCalls, "no list refresh for ignored push")
}

func TestApplyPush_OrderedByCreatedAt(t *testing.T) {
	api := &fakeAPI{}
	s, _ := newTestSynchronizer(t, api)

	_, err := s.Open(context.Background(), "c1")
	require.NoError(t, err)

	// Pushes arrive out of order.
	s.ApplyPush("c1", models.Message{ID: "m3", CreatedAt: at(3)})
	s.ApplyPush("c1", models.Message{ID: "m1", CreatedAt: at(1)})
	s.ApplyPush("c1", models.Message{ID: "m2", CreatedAt: at(2)})

	msgs := s.Messages("c1")
	require.Len(t, msgs, 3)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, "m2", msgs[1].ID)
	assert.Equal(t, "m3", msgs[2].ID)
}

func TestApplyPush_EqualTimestampsKeepArrivalOrder(t *testing.T) {
	api := &fakeAPI{}
	s, _ := newTestSynchronizer(t, api)

	_, err := s.Open(context.Background(), "c1")
	require.NoError(t, err)

	s.ApplyPush("c1", models.Message{ID: "a", CreatedAt: at(1)})
	s.ApplyPush("c1", models.Message{ID: "b", CreatedAt: at(1)})

	msgs := s.Messages("c1")
	require.Len(t, msgs, 2)
	assert.Equal(t, "a", msgs[0].ID)
	assert.Equal(t, "b", msgs[1].ID)
}

// --- confirmation vs push race ---

// The push echo for our own send can arrive before the HTTP response.
// Whichever order they land in, exactly one entry must remain.
func TestConfirmation_PushEchoWinsRace(t *testing.T) {
	api := &fakeAPI{}
	s, _ := newTestSynchronizer(t, api)

	echoed := make(chan struct{})
	api.sendFn = func(req portal.SendMessageRequest) (*portal.SendMessageResponse, error) {
		// Simulate the push echo landing before the response.
		s.ApplyPush("c1", models.Message{ID: "srv-1", Content: req.Content, CreatedAt: at(1)})
		close(echoed)

		return &portal.SendMessageResponse{Message: models.Message{ID: "srv-1", Content: req.Content, CreatedAt: at(1)}}, nil
	}

	_, err := s.Open(context.Background(), "c1")
	require.NoError(t, err)

	_, err = s.Send(context.Background(), "c1", "hi", nil)
	require.NoError(t, err)
	<-echoed

	msgs := s.Messages("c1")
	require.Len(t, msgs, 1)
	assert.Equal(t, "srv-1", msgs[0].ID)
}

func TestConfirmation_ThenPushEchoDeduplicated(t *testing.T) {
	api := &fakeAPI{}
	s, _ := newTestSynchronizer(t, api)

	_, err := s.Open(context.Background(), "c1")
	require.NoError(t, err)

	_, err = s.Send(context.Background(), "c1", "hi", nil)
	require.NoError(t, err)

	srvID := s.Messages("c1")[0].ID
	s.ApplyPush("c1", models.Message{ID: srvID, Content: "hi"})

	assert.Len(t, s.Messages("c1"), 1)
}

func TestConfirmation_AfterCloseIsNoop(t *testing.T) {
	api := &fakeAPI{}
	s, _ := newTestSynchronizer(t, api)

	started := make(chan struct{})
	release := make(chan struct{})
	api.sendFn = func(req portal.SendMessageRequest) (*portal.SendMessageResponse, error) {
		close(started)
		<-release

		return &portal.SendMessageResponse{Message: models.Message{ID: "srv-1"}}, nil
	}

	_, err := s.Open(context.Background(), "c1")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, sendErr := s.Send(context.Background(), "c1", "hi", nil)
		done <- sendErr
	}()

	<-started
	s.Close("c1")
	close(release)

	require.NoError(t, <-done)
	assert.Nil(t, s.Messages("c1"))
}

// --- afterMerge / summaries ---

func TestAfterMerge_PublishesConversationChanged(t *testing.T) {
	api := &fakeAPI{}
	s, b := newTestSynchronizer(t, api)
	changed := subscribeChanged(t, b)

	_, err := s.Open(context.Background(), "c1")
	require.NoError(t, err)

	_, err = s.Send(context.Background(), "c1", "hi", nil)
	require.NoError(t, err)

	assert.Equal(t, "c1", recvChanged(t, changed))
}

func TestAfterMerge_ListFailureStillAnnounces(t *testing.T) {
	api := &fakeAPI{listErr: fmt.Errorf("list down")}
	s, b := newTestSynchronizer(t, api)
	changed := subscribeChanged(t, b)

	_, err := s.Open(context.Background(), "c1")
	require.NoError(t, err)

	_, err = s.Send(context.Background(), "c1", "hi", nil)
	require.NoError(t, err, "list refresh failure must not fail the send")
	assert.Equal(t, "c1", recvChanged(t, changed))
}

func TestAfterMerge_UpdatesSummaries(t *testing.T) {
	api := &fakeAPI{listResp: &portal.ConversationListResponse{
		Conversations: []models.ConversationSummary{
			{ID: "c1", LastMessage: "hi", UnreadCount: 4},
			{ID: "c2", LastMessage: "yo", UnreadCount: 1},
		},
	}}
	s, b := newTestSynchronizer(t, api)
	changed := subscribeChanged(t, b)

	_, err := s.Open(context.Background(), "c1")
	require.NoError(t, err)

	_, err = s.Send(context.Background(), "c1", "hi", nil)
	require.NoError(t, err)
	recvChanged(t, changed)

	sums := s.Summaries()
	require.Len(t, sums, 2)
	assert.Equal(t, "c1", sums[0].ID)
	assert.Equal(t, 4, sums[0].UnreadCount)
}

// A hung list refresh must never hold up message merges. The refresh
// runs off the merge path, so pushes keep landing while the fetch is
// stuck.
func TestAfterMerge_SlowListRefreshDoesNotStallMerges(t *testing.T) {
	release := make(chan struct{})
	api := &fakeAPI{listFn: func() (*portal.ConversationListResponse, error) {
		<-release
		return &portal.ConversationListResponse{}, nil
	}}
	s, b := newTestSynchronizer(t, api)
	changed := subscribeChanged(t, b)

	_, err := s.Open(context.Background(), "c1")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.ApplyPush("c1", models.Message{ID: "m1", CreatedAt: at(1)})
		s.ApplyPush("c1", models.Message{ID: "m2", CreatedAt: at(2)})
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("merges stalled behind the list refresh")
	}
	assert.Len(t, s.Messages("c1"), 2)

	close(release)
	assert.Equal(t, "c1", recvChanged(t, changed))
}

// --- HandleEvent ---

func TestHandleEvent_DecodesAndApplies(t *testing.T) {
	api := &fakeAPI{}
	s, _ := newTestSynchronizer(t, api)

	_, err := s.Open(context.Background(), "c1")
	require.NoError(t, err)

	s.HandleEvent(models.InboundEvent{
		Kind:    models.EventNewMessage,
		Payload: []byte(`{"chatId":"c1","message":{"id":"m1","content":"hello"}}`),
	})

	msgs := s.Messages("c1")
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ID)
}

func TestHandleEvent_IgnoresOtherKinds(t *testing.T) {
	api := &fakeAPI{}
	s, _ := newTestSynchronizer(t, api)

	_, err := s.Open(context.Background(), "c1")
	require.NoError(t, err)

	s.HandleEvent(models.InboundEvent{Kind: models.EventNewTask, Payload: []byte(`{}`)})
	assert.Empty(t, s.Messages("c1"))
}

func TestHandleEvent_MalformedPayload(t *testing.T) {
	api := &fakeAPI{}
	s, _ := newTestSynchronizer(t, api)

	assert.NotPanics(t, func() {
		s.HandleEvent(models.InboundEvent{Kind: models.EventNewMessage, Payload: []byte(`{broken`)})
	})
}

// --- concurrency ---

func TestSend_ConcurrentSendsAndEchoes(t *testing.T) {
	api := &fakeAPI{}
	s, _ := newTestSynchronizer(t, api)

	_, err := s.Open(context.Background(), "c1")
	require.NoError(t, err)

	const n = 16

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = s.Send(context.Background(), "c1", fmt.Sprintf("msg-%d", i), nil)
		}(i)

		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.ApplyPush("c1", models.Message{
				ID:        fmt.Sprintf("remote-%d", i),
				CreatedAt: at(i),
			})
		}(i)
	}
	wg.Wait()

	msgs := s.Messages("c1")
	assert.Len(t, msgs, 2*n)

	seen := make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		require.NotEmpty(t, m.ID)
		_, dup := seen[m.ID]
		require.False(t, dup, "duplicate id %s", m.ID)
		seen[m.ID] = struct{}{}
	}

	for i := 1; i < len(msgs); i++ {
		assert.False(t, msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt), "sequence out of order at %d", i)
	}
}
