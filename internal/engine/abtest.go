package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"unicode/utf16"

	"github.com/google/uuid"

	"github.com/itsandyd/ppr-academy-sub023/internal/store"
)

const (
	VariantA = "A"
	VariantB = "B"
)

// HashString is the 32-bit string hash used for variant buckets
// (h = h*31 + c over UTF-16 code units, wrapping), returned as its absolute value.
func HashString(s string) int64 {
	var h int32
	for _, c := range utf16.Encode([]rune(s)) {
		h = h<<5 - h + int32(c)
	}
	v := int64(h)
	if v < 0 {
		v = -v
	}
	return v
}

// AssignVariant buckets a subject key into A or B. Buckets below
// splitPercent go to A, so 0 sends everyone to B and 100 everyone to A.
func AssignVariant(subjectKey string, splitPercent int) string {
	splitPercent = max(0, min(100, splitPercent))
	if HashString(subjectKey)%100 < int64(splitPercent) {
		return VariantA
	}
	return VariantB
}

type ABVariant struct {
	TemplateID   string `json:"templateId" validate:"required"`
	DelayMinutes int    `json:"delayMinutes,omitempty" validate:"gte=0,lte=5256000"`
	DelayHours   int    `json:"delayHours,omitempty" validate:"gte=0,lte=87600"`
	DelayDays    int    `json:"delayDays,omitempty" validate:"gte=0,lte=3650"`
}

// ABTest describes a two-variant email test. It is stored as an ordinary
// workflow: trigger, split, then a delay and an email per variant.
type ABTest struct {
	Name            string    `json:"name" validate:"required"`
	StoreID         string    `json:"storeId" validate:"required"`
	TriggerType     string    `json:"triggerType,omitempty"`
	SplitPercentage *int      `json:"splitPercentage,omitempty" validate:"omitempty,gte=0,lte=100"`
	Winner          string    `json:"winner,omitempty" validate:"omitempty,oneof=A B"`
	VariantA        ABVariant `json:"variantA"`
	VariantB        ABVariant `json:"variantB"`
}

// SplitNodeID is the node id the split is stored under; reports use it.
const SplitNodeID = "split"

func (t ABTest) Definition() Definition {
	raw := func(v any) json.RawMessage {
		b, _ := json.Marshal(v)
		return b
	}
	d := Definition{
		Nodes: []Node{
			{ID: "trigger", Type: NodeTrigger, Data: raw(TriggerData{TriggerType: t.TriggerType})},
			{ID: SplitNodeID, Type: NodeSplit, Data: raw(SplitData{SplitPercentage: t.SplitPercentage, Winner: t.Winner})},
		},
		Edges: []Edge{{ID: "e-trigger", Source: "trigger", Target: SplitNodeID}},
	}
	for _, v := range []struct {
		name string
		cfg  ABVariant
	}{{"a", t.VariantA}, {"b", t.VariantB}} {
		delayID, emailID := "delay-"+v.name, "email-"+v.name
		d.Nodes = append(d.Nodes,
			Node{ID: delayID, Type: NodeDelay, Data: raw(DelayData{DelayMinutes: v.cfg.DelayMinutes, DelayHours: v.cfg.DelayHours, DelayDays: v.cfg.DelayDays})},
			Node{ID: emailID, Type: NodeEmail, Data: raw(EmailData{TemplateID: v.cfg.TemplateID})},
		)
		d.Edges = append(d.Edges,
			Edge{ID: "e-split-" + v.name, Source: SplitNodeID, Target: delayID, SourceHandle: v.name},
			Edge{ID: "e-" + delayID, Source: delayID, Target: emailID},
		)
	}
	return d
}

// CreateABTest validates and persists an A/B test workflow. The workflow is
// enabled immediately.
func (e *Engine) CreateABTest(ctx context.Context, t ABTest, createdBy string) (*store.Workflow, error) {
	t.Winner = strings.ToUpper(strings.TrimSpace(t.Winner))
	if err := validate.Struct(t); err != nil {
		return nil, err
	}
	d := t.Definition()
	if _, err := Compile(d); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	triggerType := t.TriggerType
	if triggerType == "" {
		triggerType = "manual"
	}
	w := &store.Workflow{
		ID:          uuid.New(),
		StoreID:     t.StoreID,
		Name:        t.Name,
		Enabled:     true,
		TriggerType: triggerType,
		Definition:  raw,
		CreatedBy:   createdBy,
	}
	if err := e.repo.CreateWorkflow(ctx, w); err != nil {
		return nil, err
	}
	e.remember(*w)
	return w, nil
}

// ABReport returns per-variant counts for a split node.
func (e *Engine) ABReport(ctx context.Context, workflowID uuid.UUID, nodeID string) ([]store.VariantStats, error) {
	if strings.TrimSpace(nodeID) == "" {
		return nil, errors.New("node id is required")
	}
	return e.repo.ABTestReport(ctx, workflowID, nodeID)
}
