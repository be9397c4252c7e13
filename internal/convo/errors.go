package convo

import "fmt"

// SendError reports that a single message failed to reach the server.
// The optimistic entry stays in the sequence as failed and may be
// retried with the same client temp id. This is the only failure in
// the sync core that is surfaced to the user.
type SendError struct {
	ChatID       string
	ClientTempID string
	Err          error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("sending message %s in conversation %s: %v", e.ClientTempID, e.ChatID, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}
