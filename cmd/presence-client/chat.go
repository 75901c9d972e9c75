package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"go-chat-realtime/internal/models"
)

// chatClient calls the message endpoints.
type chatClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newChatClient(baseURL, token string) *chatClient {
	return &chatClient{baseURL: strings.TrimRight(baseURL, "/"), token: token, http: &http.Client{}}
}

func (c *chatClient) Post(ctx context.Context, conversationID, content string) error {
	body, err := json.Marshal(map[string]string{"content": content})
	if err != nil {
		return err
	}
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/messages"
	return c.do(ctx, http.MethodPost, path, body, nil)
}

func (c *chatClient) Recent(ctx context.Context, conversationID string, limit int) ([]models.MessageCreatedData, error) {
	q := url.Values{"conversationId": {conversationID}, "limit": {strconv.Itoa(limit)}}
	var page struct {
		Items []models.MessageCreatedData `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/direct-messages?"+q.Encode(), nil, &page); err != nil {
		return nil, err
	}
	return page.Items, nil
}

func (c *chatClient) do(ctx context.Context, method, path string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&e)
		return fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, e.Error)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
