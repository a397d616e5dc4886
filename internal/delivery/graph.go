package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultGraphBaseURL = "https://graph.facebook.com"
	DefaultGraphVersion = "v21.0"
)

// GraphMessenger sends Instagram DMs and comment replies through the Graph API.
type GraphMessenger struct {
	baseURL string
	version string
	client  *http.Client
	timeout time.Duration
}

func NewGraphMessenger(baseURL, version string, client *http.Client, timeout time.Duration) *GraphMessenger {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultGraphBaseURL
	}
	if strings.TrimSpace(version) == "" {
		version = DefaultGraphVersion
	}
	if client == nil {
		client = &http.Client{}
	}
	return &GraphMessenger{baseURL: baseURL, version: version, client: client, timeout: timeout}
}

type dmRequest struct {
	Recipient struct {
		ID string `json:"id"`
	} `json:"recipient"`
	Message struct {
		Text string `json:"text"`
	} `json:"message"`
}

func (m *GraphMessenger) SendDirectMessage(ctx context.Context, accessToken, recipientID, text string) Result {
	if strings.TrimSpace(accessToken) == "" {
		return FailedPermanent("missing access token")
	}
	if strings.TrimSpace(recipientID) == "" || strings.TrimSpace(text) == "" {
		return FailedPermanent("recipient and text are required")
	}
	var body dmRequest
	body.Recipient.ID = recipientID
	body.Message.Text = text
	return m.post(ctx, "/me/messages", accessToken, body)
}

func (m *GraphMessenger) PostCommentReply(ctx context.Context, accessToken, commentID, text string) Result {
	if strings.TrimSpace(accessToken) == "" {
		return FailedPermanent("missing access token")
	}
	if strings.TrimSpace(commentID) == "" || strings.TrimSpace(text) == "" {
		return FailedPermanent("comment id and text are required")
	}
	return m.post(ctx, "/"+url.PathEscape(commentID)+"/replies", accessToken, map[string]string{"message": text})
}

func (m *GraphMessenger) post(ctx context.Context, path, accessToken string, payload any) Result {
	ctx, cancel := withTimeout(ctx, m.timeout)
	defer cancel()

	b, _ := json.Marshal(payload)
	endpoint := m.baseURL + "/" + m.version + path + "?access_token=" + url.QueryEscape(accessToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(b))
	if err != nil {
		return Failed("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := m.client.Do(req)
	if err != nil {
		// The token is in the URL; keep it out of logs.
		return Failed("graph api: %s", strings.ReplaceAll(err.Error(), url.QueryEscape(accessToken), "***"))
	}
	defer resp.Body.Close()
	return httpResult("graph-api", resp)
}
