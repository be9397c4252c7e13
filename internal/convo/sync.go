// Package convo merges the three message sources of an open chat
// thread - optimistic local sends, HTTP send confirmations, and push
// events - into one ordered, duplicate-free sequence per conversation.
package convo

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/corehr/portal-sync/internal/bus"
	"github.com/corehr/portal-sync/internal/models"
	"github.com/corehr/portal-sync/internal/portal"
)

// listRefreshTimeout bounds the background conversation-list fetch
// that follows a merge.
const listRefreshTimeout = 10 * time.Second

// API is the subset of the portal client the synchronizer needs.
// *portal.Client satisfies it.
type API interface {
	SendMessage(ctx context.Context, req portal.SendMessageRequest) (*portal.SendMessageResponse, error)
	FetchConversation(ctx context.Context, chatID string) (*portal.ConversationResponse, error)
	FetchConversationList(ctx context.Context) (*portal.ConversationListResponse, error)
}

// conversation is the per-thread state. messages stays sorted by
// CreatedAt ascending with ties kept in insertion order.
type conversation struct {
	id           string
	participants map[string]struct{}
	messages     []models.Message
	unreadCount  int
}

// Synchronizer owns the message sequences of all open conversations.
// Mutation happens only through Send, Retry, ApplyPush, and Open; the
// mutex serializes them, so a sequence is never observed mid-merge.
type Synchronizer struct {
	mu        sync.Mutex
	convos    map[string]*conversation
	summaries []models.ConversationSummary

	api    API
	bus    *bus.Bus
	logger *slog.Logger
	userID string
	now    func() time.Time
}

// NewSynchronizer creates a Synchronizer for a user's open threads.
func NewSynchronizer(api API, b *bus.Bus, userID string, logger *slog.Logger) *Synchronizer {
	return &Synchronizer{
		convos: make(map[string]*conversation),
		api:    api,
		bus:    b,
		logger: logger,
		userID: userID,
		now:    time.Now,
	}
}

// Open fetches a conversation and starts tracking it. Reopening an
// already-open conversation merges the server history into the
// existing sequence, keeping any pending or failed local entries.
func (s *Synchronizer) Open(ctx context.Context, chatID string) ([]models.Message, error) {
	resp, err := s.api.FetchConversation(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("opening conversation %s: %w", chatID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convos[chatID]
	if !ok {
		conv = &conversation{id: chatID, participants: make(map[string]struct{})}
		s.convos[chatID] = conv
	}
	for _, p := range resp.ParticipantIDs {
		conv.participants[p] = struct{}{}
	}
	conv.unreadCount = resp.UnreadCount

	for _, m := range resp.Messages {
		m.Status = models.MessageSent
		conv.insert(m)
	}

	return conv.snapshot(), nil
}

// Close stops tracking a conversation. Its push handlers go quiet and
// any in-flight confirmation becomes a no-op when it resolves.
func (s *Synchronizer) Close(chatID string) {
	s.mu.Lock()
	delete(s.convos, chatID)
	s.mu.Unlock()
}

// Messages returns a copy of the visible sequence for a conversation,
// sorted by CreatedAt ascending.
func (s *Synchronizer) Messages(chatID string) []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convos[chatID]
	if !ok {
		return nil
	}

	return conv.snapshot()
}

// Summaries returns the last fetched conversation-list summaries.
func (s *Synchronizer) Summaries() []models.ConversationSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.ConversationSummary, len(s.summaries))
	copy(out, s.summaries)

	return out
}

// Send appends a pending message to the visible sequence immediately,
// then blocks on the network send. The optimistic entry is visible to
// concurrent readers while the call is in flight. On failure the entry
// stays as failed and the returned error is a *SendError; Retry reuses
// the same client temp id.
func (s *Synchronizer) Send(ctx context.Context, chatID, content string, attachments []models.Attachment) (string, error) {
	tempID := uuid.NewString()

	s.mu.Lock()
	conv, ok := s.convos[chatID]
	if !ok {
		conv = &conversation{id: chatID, participants: make(map[string]struct{})}
		s.convos[chatID] = conv
	}
	conv.insert(models.Message{
		ClientTempID: tempID,
		SenderID:     s.userID,
		Content:      content,
		Attachments:  attachments,
		CreatedAt:    s.now(),
		Status:       models.MessagePending,
	})
	s.mu.Unlock()

	return tempID, s.deliver(ctx, chatID, tempID, content, attachments)
}

// Retry re-sends a failed message, reusing its client temp id so the
// confirmation still matches the existing entry.
func (s *Synchronizer) Retry(ctx context.Context, chatID, tempID string) error {
	s.mu.Lock()
	conv, ok := s.convos[chatID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("conversation %s is not open", chatID)
	}

	idx := conv.indexByTempID(tempID)
	if idx < 0 {
		s.mu.Unlock()
		return fmt.Errorf("no message with temp id %s in conversation %s", tempID, chatID)
	}
	if conv.messages[idx].Status != models.MessageFailed {
		s.mu.Unlock()
		return fmt.Errorf("message %s is not in a retryable state", tempID)
	}

	conv.messages[idx].Status = models.MessagePending
	content := conv.messages[idx].Content
	attachments := conv.messages[idx].Attachments
	s.mu.Unlock()

	return s.deliver(ctx, chatID, tempID, content, attachments)
}

// deliver performs the network send and applies the confirmation. The
// lock is not held across the network call.
func (s *Synchronizer) deliver(ctx context.Context, chatID, tempID, content string, attachments []models.Attachment) error {
	resp, err := s.api.SendMessage(ctx, portal.SendMessageRequest{
		ChatID:       chatID,
		ClientTempID: tempID,
		Content:      content,
		Attachments:  attachments,
	})
	if err != nil {
		s.markFailed(chatID, tempID)
		return &SendError{ChatID: chatID, ClientTempID: tempID, Err: err}
	}

	s.confirm(chatID, tempID, resp.Message)
	s.afterMerge(chatID)

	return nil
}

// confirm promotes the pending entry matching tempID to sent, recording
// the canonical id. If the conversation was closed while the request
// was in flight, the late confirmation is a no-op. If a push event
// already inserted the canonical message, the pending duplicate is
// removed instead of promoted.
func (s *Synchronizer) confirm(chatID, tempID string, canonical models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convos[chatID]
	if !ok {
		s.logger.Debug("confirmation for closed conversation dropped",
			slog.String("chat_id", chatID),
			slog.String("temp_id", tempID),
		)
		return
	}

	idx := conv.indexByTempID(tempID)
	if idx < 0 {
		// Already promoted or never existed. Nothing to do.
		return
	}

	if canonical.ID != "" && conv.indexByID(canonical.ID) >= 0 {
		// The push echo won the race and inserted the canonical entry.
		conv.messages = append(conv.messages[:idx:idx], conv.messages[idx+1:]...)
		return
	}

	canonical.ClientTempID = tempID
	canonical.Status = models.MessageSent
	if canonical.CreatedAt.IsZero() {
		canonical.CreatedAt = conv.messages[idx].CreatedAt
	}
	conv.messages[idx] = canonical
	conv.resort()
}

func (s *Synchronizer) markFailed(chatID, tempID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convos[chatID]
	if !ok {
		return
	}
	if idx := conv.indexByTempID(tempID); idx >= 0 {
		conv.messages[idx].Status = models.MessageFailed
	}
}

// ApplyPush merges a remotely pushed message into its conversation. A
// message whose canonical id is already present is dropped: the
// sender's own confirmation may race the push, or two code paths may
// observe the same event. Pushes for conversations that aren't open
// are ignored; the counter aggregator and notification store handle
// those independently.
func (s *Synchronizer) ApplyPush(chatID string, msg models.Message) {
	s.mu.Lock()
	conv, ok := s.convos[chatID]
	if !ok {
		s.mu.Unlock()
		return
	}

	if msg.ID != "" && conv.indexByID(msg.ID) >= 0 {
		s.mu.Unlock()
		return
	}

	msg.Status = models.MessageSent
	conv.insert(msg)
	s.mu.Unlock()

	s.afterMerge(chatID)
}

// HandleEvent adapts ApplyPush for dispatcher registration.
func (s *Synchronizer) HandleEvent(evt models.InboundEvent) {
	if evt.Kind != models.EventNewMessage {
		return
	}

	var payload models.MessagePayload
	if err := json.Unmarshal(evt.Payload, &payload); err != nil {
		s.logger.Warn("failed to decode message push",
			slog.String("error", err.Error()),
		)
		return
	}

	s.ApplyPush(payload.ChatID, payload.Message)
}

// afterMerge refreshes the conversation-list summaries in the
// background and announces the change once the fetch settles. ApplyPush
// runs on the push event loop, so the HTTP call must never run inline;
// the deadline keeps a hung backend from pinning goroutines. The
// refresh is best-effort: a failure is logged and the stale summaries
// stay visible until the next merge.
func (s *Synchronizer) afterMerge(chatID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), listRefreshTimeout)
		defer cancel()

		resp, err := s.api.FetchConversationList(ctx)
		if err != nil {
			s.logger.Warn("conversation list refresh failed",
				slog.String("chat_id", chatID),
				slog.String("error", err.Error()),
			)
		} else {
			s.mu.Lock()
			s.summaries = resp.Conversations
			for _, sum := range resp.Conversations {
				if conv, ok := s.convos[sum.ID]; ok {
					conv.unreadCount = sum.UnreadCount
				}
			}
			s.mu.Unlock()
		}

		s.bus.Publish(bus.TopicConversationChanged, chatID)
	}()
}

// insert places m into the sequence keeping CreatedAt ascending order,
// with equal timestamps kept in insertion order.
func (c *conversation) insert(m models.Message) {
	if m.ID != "" {
		if idx := c.indexByID(m.ID); idx >= 0 {
			return
		}
	}
	if m.ID == "" && m.ClientTempID != "" {
		if idx := c.indexByTempID(m.ClientTempID); idx >= 0 {
			return
		}
	}

	pos := sort.Search(len(c.messages), func(i int) bool {
		return c.messages[i].CreatedAt.After(m.CreatedAt)
	})
	c.messages = append(c.messages, models.Message{})
	copy(c.messages[pos+1:], c.messages[pos:])
	c.messages[pos] = m
}

// resort restores CreatedAt order after an in-place replacement whose
// canonical timestamp may differ from the optimistic one.
func (c *conversation) resort() {
	sort.SliceStable(c.messages, func(i, j int) bool {
		return c.messages[i].CreatedAt.Before(c.messages[j].CreatedAt)
	})
}

func (c *conversation) indexByID(id string) int {
	for i := range c.messages {
		if c.messages[i].ID == id {
			return i
		}
	}

	return -1
}

func (c *conversation) indexByTempID(tempID string) int {
	for i := range c.messages {
		if c.messages[i].ID == "" && c.messages[i].ClientTempID == tempID {
			return i
		}
	}

	return -1
}

func (c *conversation) snapshot() []models.Message {
	out := make([]models.Message, len(c.messages))
	copy(out, c.messages)

	return out
}
