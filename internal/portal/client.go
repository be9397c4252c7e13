// Package portal talks to the HR portal REST API. The sync core treats
// these endpoints as opaque request/response collaborators; their
// business rules live on the backend.
package portal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// Client talks to the portal REST API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      func() string
}

// NewClient creates an API client. If httpClient is nil,
// http.DefaultClient is used. token is called per request so a session
// refresh picks up the new token without rebuilding the client.
func NewClient(httpClient *http.Client, baseURL string, token func() string) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if token == nil {
		token = func() string { return "" }
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		token:      token,
	}
}

// do sends a JSON request and decodes the response into result.
func (c *Client) do(ctx context.Context, method, endpoint string, body, result interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if tok := c.token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request to %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response from %s: %w", endpoint, err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr APIError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("API %s (%d): %s", endpoint, resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("API %s returned status %d: %s", endpoint, resp.StatusCode, string(respBody))
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decoding response from %s: %w", endpoint, err)
		}
	}

	return nil
}

// SendMessage submits a message and returns the server's canonical copy.
func (c *Client) SendMessage(ctx context.Context, req SendMessageRequest) (*SendMessageResponse, error) {
	var resp SendMessageResponse
	if err := c.do(ctx, http.MethodPost, "/chat/messages", req, &resp); err != nil {
		return nil, fmt.Errorf("sending message: %w", err)
	}

	return &resp, nil
}

// FetchConversation returns the full message history for one thread.
func (c *Client) FetchConversation(ctx context.Context, chatID string) (*ConversationResponse, error) {
	var resp ConversationResponse
	endpoint := "/chat/conversations/" + url.PathEscape(chatID)
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, fmt.Errorf("fetching conversation: %w", err)
	}

	return &resp, nil
}

// FetchConversationList returns the conversation-list summaries.
func (c *Client) FetchConversationList(ctx context.Context) (*ConversationListResponse, error) {
	var resp ConversationListResponse
	if err := c.do(ctx, http.MethodGet, "/chat/conversations", nil, &resp); err != nil {
		return nil, fmt.Errorf("fetching conversation list: %w", err)
	}

	return &resp, nil
}

// FetchUnreadCounts returns the authoritative per-category counts.
func (c *Client) FetchUnreadCounts(ctx context.Context) (*UnreadCountsResponse, error) {
	var resp UnreadCountsResponse
	if err := c.do(ctx, http.MethodGet, "/dashboard/unread-counts", nil, &resp); err != nil {
		return nil, fmt.Errorf("fetching unread counts: %w", err)
	}

	return &resp, nil
}
