package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Definition is the persisted campaign graph.
//
// Schema shape:
//
//	{
//	  "nodes": [{"id":"n1","type":"email","position":{"x":0,"y":0},"data":{"templateId":"..."}}],
//	  "edges": [{"id":"e1","source":"n0","target":"n1","sourceHandle":"true"}]
//	}
//
// Node types: trigger, email, delay, condition, action, stop, webhook, split,
// notify, goal. Unknown types are accepted and executed as no-ops.
//
// Edges are keyed by (source, sourceHandle): at most one edge per pair.
// Condition nodes branch on the "true"/"false" handles ("yes"/"no" are
// accepted as aliases); split nodes branch on the variant name ("a"/"b").
// The graph must be acyclic.
type Definition struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Node struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Position *Position       `json:"position,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

type Edge struct {
	ID           string `json:"id,omitempty"`
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceHandle string `json:"sourceHandle,omitempty"`
	TargetHandle string `json:"targetHandle,omitempty"`
}

const (
	NodeTrigger   = "trigger"
	NodeEmail     = "email"
	NodeDelay     = "delay"
	NodeCondition = "condition"
	NodeAction    = "action"
	NodeStop      = "stop"
	NodeWebhook   = "webhook"
	NodeSplit     = "split"
	NodeNotify    = "notify"
	NodeGoal      = "goal"
)

// --- Node payloads (typed decoding) ---

type TriggerData struct {
	TriggerType string `json:"triggerType,omitempty"`
}

type EmailData struct {
	TemplateID string `json:"templateId" validate:"required"`
}

type DelayData struct {
	DelayMinutes int `json:"delayMinutes,omitempty" validate:"gte=0,lte=5256000"`
	DelayHours   int `json:"delayHours,omitempty" validate:"gte=0,lte=87600"`
	DelayDays    int `json:"delayDays,omitempty" validate:"gte=0,lte=3650"`
}

// Duration is ((days*86400)+(hours*3600)+minutes*60)*1000 milliseconds.
func (d DelayData) Duration() time.Duration {
	ms := (int64(d.DelayDays)*86400 + int64(d.DelayHours)*3600 + int64(d.DelayMinutes)*60) * 1000
	return time.Duration(ms) * time.Millisecond
}

type Condition struct {
	Field    string `json:"field" validate:"required"`
	Operator string `json:"operator" validate:"required"`
	Value    any    `json:"value,omitempty"`
}

// ConditionData carries either a field/operator/value descriptor or one of
// the built-in subject checks named by ConditionType.
type ConditionData struct {
	Condition     *Condition     `json:"condition,omitempty"`
	ConditionType string         `json:"conditionType,omitempty" validate:"omitempty,oneof=opened_email clicked_link has_tag has_purchased_product time_based"`
	ConditionData map[string]any `json:"conditionData,omitempty"`
}

type WebhookData struct {
	WebhookURL string `json:"webhookUrl" validate:"required,http_url"`
}

type GoalData struct {
	GoalType  string `json:"goalType" validate:"required,oneof=has_purchased has_opened_email has_clicked_link tag_applied"`
	GoalValue any    `json:"goalValue,omitempty"`
}

type SplitData struct {
	SplitPercentage *int   `json:"splitPercentage,omitempty" validate:"omitempty,gte=0,lte=100"`
	Winner          string `json:"winner,omitempty" validate:"omitempty,oneof=A B a b"`
}

func (s SplitData) Percent() int {
	if s.SplitPercentage == nil {
		return 50
	}
	return *s.SplitPercentage
}

type ActionData struct {
	ActionType string `json:"actionType,omitempty"`
	TagID      string `json:"tagId,omitempty" validate:"required_if=ActionType add_tag,required_if=ActionType remove_tag"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// NormalizeAndValidate trims identifiers, decodes every known payload and
// rejects duplicate handles, dangling edges, incomplete conditions and cycles.
func (d *Definition) NormalizeAndValidate() error {
	if len(d.Nodes) == 0 {
		return errors.New("definition.nodes is required")
	}
	nodeByID := make(map[string]Node, len(d.Nodes))
	for i := range d.Nodes {
		n := &d.Nodes[i]
		n.ID = strings.TrimSpace(n.ID)
		n.Type = strings.ToLower(strings.TrimSpace(n.Type))
		if n.ID == "" {
			return fmt.Errorf("definition.nodes[%d].id is required", i)
		}
		if n.Type == "" {
			return fmt.Errorf("definition.nodes[%d].type is required", i)
		}
		if _, exists := nodeByID[n.ID]; exists {
			return fmt.Errorf("duplicate node id: %s", n.ID)
		}
		if _, err := decodePayload(*n); err != nil {
			return err
		}
		nodeByID[n.ID] = *n
	}

	seen := map[string]string{}
	for i := range d.Edges {
		e := &d.Edges[i]
		e.Source = strings.TrimSpace(e.Source)
		e.Target = strings.TrimSpace(e.Target)
		if e.Source == "" || e.Target == "" {
			return errors.New("definition.edges[].source and .target are required")
		}
		if e.Source == e.Target {
			return errors.New("self edges are not allowed")
		}
		src, ok := nodeByID[e.Source]
		if !ok {
			return fmt.Errorf("edge.source references unknown node: %s", e.Source)
		}
		if _, ok := nodeByID[e.Target]; !ok {
			return fmt.Errorf("edge.target references unknown node: %s", e.Target)
		}
		key := e.Source + "\x00" + normalizeHandle(src.Type, e.SourceHandle)
		if prev, dup := seen[key]; dup {
			return fmt.Errorf("node %s has more than one edge for handle %q (%s, %s)", e.Source, e.SourceHandle, prev, e.Target)
		}
		seen[key] = e.Target
	}

	for _, n := range d.Nodes {
		if n.Type != NodeCondition {
			continue
		}
		for _, h := range []string{"true", "false"} {
			if _, ok := seen[n.ID+"\x00"+h]; !ok {
				return fmt.Errorf("condition node %s is missing its %q edge", n.ID, h)
			}
		}
	}

	return validateAcyclic(nodeByID, d.Edges)
}

// decodePayload returns the typed payload for known node types and nil for
// types that carry no payload or are unknown.
func decodePayload(n Node) (any, error) {
	var (
		payload any
		err     error
	)
	switch n.Type {
	case NodeTrigger:
		payload, err = decodeData[TriggerData](n)
	case NodeEmail:
		payload, err = decodeData[EmailData](n)
	case NodeDelay:
		payload, err = decodeData[DelayData](n)
	case NodeCondition:
		var c ConditionData
		c, err = decodeData[ConditionData](n)
		if err == nil && c.Condition == nil && c.ConditionType == "" {
			err = fmt.Errorf("condition node %s: condition or conditionType is required", n.ID)
		}
		if err == nil && c.Condition != nil {
			c.Condition.Operator = normalizeOperator(c.Condition.Operator)
			if !knownOperator(c.Condition.Operator) {
				err = fmt.Errorf("condition node %s: unsupported operator %q", n.ID, c.Condition.Operator)
			}
		}
		payload = c
	case NodeWebhook:
		payload, err = decodeData[WebhookData](n)
	case NodeGoal:
		var g GoalData
		g, err = decodeData[GoalData](n)
		if err == nil && g.GoalType == "tag_applied" && stringValue(g.GoalValue) == "" {
			err = fmt.Errorf("goal node %s: goalValue is required for tag_applied", n.ID)
		}
		payload = g
	case NodeSplit:
		payload, err = decodeData[SplitData](n)
	case NodeAction:
		payload, err = decodeData[ActionData](n)
	}
	return payload, err
}

func decodeData[T any](n Node) (T, error) {
	var out T
	if len(n.Data) > 0 && string(n.Data) != "null" {
		if err := json.Unmarshal(n.Data, &out); err != nil {
			return out, fmt.Errorf("%s node %s: data must be a valid json object", n.Type, n.ID)
		}
	}
	if err := validate.Struct(out); err != nil {
		return out, fmt.Errorf("%s node %s: %w", n.Type, n.ID, err)
	}
	return out, nil
}

func normalizeHandle(nodeType, handle string) string {
	h := strings.ToLower(strings.TrimSpace(handle))
	if nodeType == NodeCondition {
		switch h {
		case "yes":
			return "true"
		case "no":
			return "false"
		}
	}
	return h
}

func buildOutgoing(edges []Edge) map[string][]Edge {
	out := map[string][]Edge{}
	for _, e := range edges {
		out[e.Source] = append(out[e.Source], e)
	}
	return out
}

func validateAcyclic(nodes map[string]Node, edges []Edge) error {
	out := buildOutgoing(edges)
	state := map[string]int{} // 0=unvisited,1=visiting,2=done
	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case 1:
			return fmt.Errorf("workflow contains a cycle involving %s", id)
		case 2:
			return nil
		}
		state[id] = 1
		for _, e := range out[id] {
			if err := visit(e.Target); err != nil {
				return err
			}
		}
		state[id] = 2
		return nil
	}
	for id := range nodes {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}

// Graph is a validated definition with decoded payloads and an edge index.
type Graph struct {
	def      Definition
	nodes    map[string]Node
	payloads map[string]any
	out      map[string][]Edge
}

// ParseDefinition decodes and validates raw definition JSON.
func ParseDefinition(raw []byte) (*Graph, error) {
	if len(raw) == 0 {
		return nil, errors.New("definition is required")
	}
	var d Definition
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, errors.New("definition must be valid json")
	}
	return Compile(d)
}

func Compile(d Definition) (*Graph, error) {
	if err := d.NormalizeAndValidate(); err != nil {
		return nil, err
	}
	g := &Graph{def: d, nodes: map[string]Node{}, payloads: map[string]any{}, out: buildOutgoing(d.Edges)}
	for _, n := range d.Nodes {
		g.nodes[n.ID] = n
		p, _ := decodePayload(n)
		if p != nil {
			g.payloads[n.ID] = p
		}
	}
	return g, nil
}

func (g *Graph) Definition() Definition { return g.def }

func (g *Graph) Len() int { return len(g.def.Nodes) }

func (g *Graph) Node(id string) (Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// StartNode is the first node, in definition order, that is not a trigger.
func (g *Graph) StartNode() (string, bool) {
	for _, n := range g.def.Nodes {
		if n.Type != NodeTrigger {
			return n.ID, true
		}
	}
	return "", false
}

// Next follows the first outgoing edge of nodeID matching handle. An empty
// handle matches any edge.
func (g *Graph) Next(nodeID, handle string) (string, bool) {
	n := g.nodes[nodeID]
	want := normalizeHandle(n.Type, handle)
	for _, e := range g.out[nodeID] {
		if want == "" || normalizeHandle(n.Type, e.SourceHandle) == want {
			return e.Target, true
		}
	}
	return "", false
}

// TriggerType reports the trigger type declared on the graph's trigger node.
func (g *Graph) TriggerType() string {
	for _, n := range g.def.Nodes {
		if n.Type != NodeTrigger {
			continue
		}
		if t, ok := g.payloads[n.ID].(TriggerData); ok && t.TriggerType != "" {
			return t.TriggerType
		}
	}
	return ""
}

func payload[T any](g *Graph, nodeID string) (T, bool) {
	p, ok := g.payloads[nodeID].(T)
	return p, ok
}
