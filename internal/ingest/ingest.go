// Package ingest turns marketplace events into contact state and workflow runs.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/itsandyd/ppr-academy-sub023/internal/engine"
	"github.com/itsandyd/ppr-academy-sub023/internal/store"
)

// Event types. Each one is also a workflow trigger type.
const (
	EventLeadSignup      = "lead_signup"
	EventProductPurchase = "product_purchase"
	EventTagAdded        = "tag_added"
	EventEmailOpened     = "email_opened"
	EventLinkClicked     = "link_clicked"
	EventManual          = "manual"
)

var ErrInvalidEvent = errors.New("invalid trigger event")

// TriggerEvent is the JSON body published on the event topic.
type TriggerEvent struct {
	Type      string         `json:"type"`
	StoreID   string         `json:"storeId"`
	Email     string         `json:"email"`
	ContactID string         `json:"contactId,omitempty"`
	FirstName string         `json:"firstName,omitempty"`
	LastName  string         `json:"lastName,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Starter is the part of the engine the ingestor drives.
type Starter interface {
	WorkflowsForTrigger(storeID, triggerType string) []uuid.UUID
	StartRun(ctx context.Context, workflowID uuid.UUID, subject engine.Subject) (engine.RunHandle, error)
}

type Ingestor struct {
	Repo         *store.Repo
	Engine       Starter
	TopicPrefix  string
	AllowRetains bool
}

type MQTTMessage interface {
	Topic() string
	Payload() []byte
	Retained() bool
}

func (i *Ingestor) HandleMessage(ctx context.Context, msg MQTTMessage) {
	topic := msg.Topic()
	if msg.Retained() && !i.AllowRetains {
		slog.Debug("trigger ingest ignoring retained", "topic", topic)
		return
	}
	if i.TopicPrefix != "" && !strings.HasPrefix(topic, i.TopicPrefix) {
		return
	}
	var ev TriggerEvent
	if err := json.Unmarshal(msg.Payload(), &ev); err != nil {
		slog.Warn("trigger ingest invalid json", "topic", topic, "error", err)
		return
	}
	if ev.Type == "" {
		ev.Type = strings.Trim(strings.TrimPrefix(topic, i.TopicPrefix), "/")
	}
	if _, err := i.Handle(ctx, ev); err != nil {
		slog.Warn("trigger ingest failed", "topic", topic, "type", ev.Type, "error", err)
	}
}

// Handle applies the event to the contact and starts every enabled workflow
// of the store listening for its type. Runs that fail to start are logged and
// skipped; the handles of the started runs are returned.
func (i *Ingestor) Handle(ctx context.Context, ev TriggerEvent) ([]engine.RunHandle, error) {
	ev.Type = strings.ToLower(strings.TrimSpace(ev.Type))
	ev.StoreID = strings.TrimSpace(ev.StoreID)
	ev.Email = strings.ToLower(strings.TrimSpace(ev.Email))
	if ev.Type == "" || ev.StoreID == "" || ev.Email == "" {
		return nil, fmt.Errorf("%w: type, storeId and email are required", ErrInvalidEvent)
	}

	contact, err := i.Repo.UpdateContact(ctx, ev.StoreID, ev.Email, func(c *store.Contact) { applyEvent(c, ev) })
	if err != nil {
		return nil, fmt.Errorf("update contact: %w", err)
	}

	var handles []engine.RunHandle
	for _, wfID := range i.Engine.WorkflowsForTrigger(ev.StoreID, ev.Type) {
		h, err := i.Engine.StartRun(ctx, wfID, engine.Subject{
			ContactID:     contact.ID.String(),
			StoreID:       ev.StoreID,
			CustomerEmail: ev.Email,
			ExecutionData: ev.Data,
		})
		if err != nil {
			slog.Warn("trigger ingest start failed", "workflow_id", wfID, "type", ev.Type, "error", err)
			continue
		}
		handles = append(handles, h)
	}
	slog.Info("trigger event ingested", "type", ev.Type, "store_id", ev.StoreID, "runs", len(handles))
	return handles, nil
}

func applyEvent(c *store.Contact, ev TriggerEvent) {
	if ev.FirstName != "" {
		c.FirstName = ev.FirstName
	}
	if ev.LastName != "" {
		c.LastName = ev.LastName
	}
	switch ev.Type {
	case EventProductPurchase:
		for _, key := range []string{"productId", "courseId"} {
			if id := stringField(ev.Data, key); id != "" {
				c.Purchases = appendUnique(c.PurchaseList(), id)
			}
		}
	case EventTagAdded:
		if tag := stringField(ev.Data, "tagId"); tag != "" {
			c.Tags = appendUnique(c.TagList(), tag)
		}
	case EventEmailOpened:
		c.OpenedEmail = true
	case EventLinkClicked:
		if link := stringField(ev.Data, "linkUrl"); link != "" {
			c.ClickedLinks = appendUnique(c.ClickedLinkList(), link)
		}
	}
}

func appendUnique(list []string, v string) datatypes.JSON {
	if !slices.Contains(list, v) {
		list = append(list, v)
	}
	return store.EncodeStrings(list)
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return strings.TrimSpace(s)
}
