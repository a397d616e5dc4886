package automation

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/itsandyd/ppr-academy-sub023/internal/store"
)

// Event is one inbound DM or comment extracted from a platform webhook.
type Event struct {
	Kind      string `json:"kind"` // DM|COMMENT
	SenderID  string `json:"sender_id"`
	AccountID string `json:"account_id,omitempty"`
	Text      string `json:"text"`
	MessageID string `json:"message_id,omitempty"`
	MediaID   string `json:"media_id,omitempty"`
	CommentID string `json:"comment_id,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// DedupeKey identifies a delivery of the event; empty when the platform sent no id.
func (e Event) DedupeKey() string {
	if e.MessageID == "" {
		return ""
	}
	return strings.ToLower(e.Kind) + ":" + e.MessageID
}

type idRef struct {
	ID       string `json:"id"`
	Username string `json:"username,omitempty"`
}

type messagingEvent struct {
	Sender    *idRef `json:"sender"`
	Recipient *idRef `json:"recipient"`
	Timestamp int64  `json:"timestamp"`
	Message   *struct {
		MID    string `json:"mid"`
		Text   string `json:"text"`
		IsEcho bool   `json:"is_echo"`
	} `json:"message"`
}

type commentValue struct {
	ID    string `json:"id"`
	Text  string `json:"text"`
	From  *idRef `json:"from"`
	Media *idRef `json:"media"`
}

type change struct {
	Field string        `json:"field"`
	Value *commentValue `json:"value"`
}

type entry struct {
	ID        string           `json:"id"`
	Time      int64            `json:"time"`
	Messaging []messagingEvent `json:"messaging"`
	Changes   []change         `json:"changes"`
}

// envelope accepts the Meta webhook envelope as well as a bare messaging
// event or a bare comment change.
type envelope struct {
	Object string  `json:"object"`
	Entry  []entry `json:"entry"`

	messagingEvent
	Field string        `json:"field"`
	Value *commentValue `json:"value"`
}

var ErrUnrecognizedPayload = errors.New("unrecognized webhook payload")

// ParseEvents extracts the DMs and comments of a webhook payload. Echoes of
// the account's own messages and events without text are skipped.
func ParseEvents(payload []byte) ([]Event, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, err
	}
	var out []Event
	for _, en := range env.Entry {
		for _, m := range en.Messaging {
			if ev, ok := fromMessaging(m, en.ID); ok {
				out = append(out, ev)
			}
		}
		for _, c := range en.Changes {
			if c.Field != "" && c.Field != "comments" {
				continue
			}
			if ev, ok := fromComment(c.Value, en.ID, en.Time); ok {
				out = append(out, ev)
			}
		}
	}
	if len(env.Entry) == 0 {
		if ev, ok := fromMessaging(env.messagingEvent, ""); ok {
			out = append(out, ev)
		} else if ev, ok := fromComment(env.Value, "", 0); ok {
			out = append(out, ev)
		} else if env.Sender == nil && env.Value == nil {
			return nil, ErrUnrecognizedPayload
		}
	}
	return out, nil
}

func fromMessaging(m messagingEvent, accountID string) (Event, bool) {
	if m.Sender == nil || m.Message == nil || m.Message.IsEcho {
		return Event{}, false
	}
	text := strings.TrimSpace(m.Message.Text)
	if m.Sender.ID == "" || text == "" {
		return Event{}, false
	}
	if m.Recipient != nil && m.Recipient.ID != "" {
		accountID = m.Recipient.ID
	}
	return Event{
		Kind:      store.TriggerDM,
		SenderID:  m.Sender.ID,
		AccountID: accountID,
		Text:      text,
		MessageID: m.Message.MID,
		Timestamp: m.Timestamp,
	}, true
}

func fromComment(v *commentValue, accountID string, ts int64) (Event, bool) {
	if v == nil || v.From == nil || v.From.ID == "" {
		return Event{}, false
	}
	text := strings.TrimSpace(v.Text)
	if text == "" {
		return Event{}, false
	}
	ev := Event{
		Kind:      store.TriggerComment,
		SenderID:  v.From.ID,
		AccountID: accountID,
		Text:      text,
		MessageID: v.ID,
		CommentID: v.ID,
		Timestamp: ts,
	}
	if v.Media != nil {
		ev.MediaID = v.Media.ID
	}
	return ev, true
}
