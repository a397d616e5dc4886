package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Run statuses.
const (
	RunPending   = "pending"
	RunRunning   = "running"
	RunSleeping  = "sleeping"
	RunCompleted = "completed"
	RunFailed    = "failed"
	RunCancelled = "cancelled"
)

// Automation trigger types and listener strategies.
const (
	TriggerDM      = "DM"
	TriggerComment = "COMMENT"

	ListenerMessage = "MESSAGE"
	ListenerSmartAI = "SMART_AI"

	PlanFree = "FREE"
	PlanPro  = "PRO"
)

// Workflow is a persisted campaign definition.
// Definition holds the node graph as JSON and is validated before it is saved.
type Workflow struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	StoreID     string         `gorm:"index:idx_workflows_store_id;not null" json:"store_id"`
	Name        string         `gorm:"not null" json:"name"`
	Enabled     bool           `gorm:"not null;default:false" json:"enabled"`
	TriggerType string         `gorm:"index:idx_workflows_trigger_type" json:"trigger_type,omitempty"`
	Definition  datatypes.JSON `gorm:"type:jsonb;not null" json:"definition"`
	CreatedBy   string         `gorm:"not null" json:"created_by"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// EmailTemplate is rendered with the recipient's fields before delivery.
type EmailTemplate struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	StoreID   string    `gorm:"index:idx_email_templates_store_id;not null" json:"store_id"`
	Name      string    `gorm:"not null" json:"name"`
	Subject   string    `gorm:"not null" json:"subject"`
	HTMLBody  string    `gorm:"not null" json:"html_body"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Contact is the subject state read by conditions and goals.
type Contact struct {
	ID           uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	StoreID      string         `gorm:"uniqueIndex:idx_contacts_store_email;not null" json:"store_id"`
	Email        string         `gorm:"uniqueIndex:idx_contacts_store_email;not null" json:"email"`
	FirstName    string         `json:"first_name,omitempty"`
	LastName     string         `json:"last_name,omitempty"`
	Tags         datatypes.JSON `gorm:"type:jsonb" json:"tags,omitempty"`
	Purchases    datatypes.JSON `gorm:"type:jsonb" json:"purchases,omitempty"`
	Attributes   datatypes.JSON `gorm:"type:jsonb" json:"attributes,omitempty"`
	OpenedEmail  bool           `gorm:"not null;default:false" json:"opened_email"`
	ClickedLinks datatypes.JSON `gorm:"type:jsonb" json:"clicked_links,omitempty"`
	SubscribedAt time.Time      `json:"subscribed_at"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

func (c *Contact) TagList() []string         { return decodeStrings(c.Tags) }
func (c *Contact) PurchaseList() []string    { return decodeStrings(c.Purchases) }
func (c *Contact) ClickedLinkList() []string { return decodeStrings(c.ClickedLinks) }

func (c *Contact) AttributeMap() map[string]any {
	out := map[string]any{}
	if len(c.Attributes) > 0 {
		_ = json.Unmarshal(c.Attributes, &out)
	}
	return out
}

// WorkflowRun is the durable execution record of one workflow for one subject.
// CurrentNodeID and DueAt locate the run; the poller resumes it from there.
type WorkflowRun struct {
	ID              uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	WorkflowID      uuid.UUID      `gorm:"type:uuid;index:idx_workflow_runs_workflow_id;not null" json:"workflow_id"`
	StoreID         string         `gorm:"not null" json:"store_id"`
	ContactID       string         `json:"contact_id,omitempty"`
	CustomerEmail   string         `gorm:"not null" json:"customer_email"`
	ExecutionData   datatypes.JSON `gorm:"type:jsonb" json:"execution_data,omitempty"`
	Status          string         `gorm:"not null;index:idx_workflow_runs_due,priority:1" json:"status"`
	CurrentNodeID   string         `json:"current_node_id,omitempty"`
	DueAt           *time.Time     `gorm:"index:idx_workflow_runs_due,priority:2" json:"due_at,omitempty"`
	LockedUntil     *time.Time     `json:"-"`
	Attempts        int            `gorm:"not null;default:0" json:"attempts"`
	StoppedAtNodeID string         `json:"stopped_at_node_id,omitempty"`
	Variant         string         `json:"variant,omitempty"`
	Error           string         `json:"error,omitempty"`
	StartedAt       time.Time      `gorm:"not null" json:"started_at"`
	FinishedAt      *time.Time     `json:"finished_at,omitempty"`
	CancelledAt     *time.Time     `json:"cancelled_at,omitempty"`
}

func (r *WorkflowRun) Terminal() bool {
	switch r.Status {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	}
	return false
}

type WorkflowRunStep struct {
	ID         uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	RunID      uuid.UUID      `gorm:"type:uuid;index:idx_workflow_run_steps_run_id;not null" json:"run_id"`
	NodeID     string         `gorm:"not null" json:"node_id"`
	NodeType   string         `gorm:"not null" json:"node_type"`
	Status     string         `gorm:"not null" json:"status"` // running|success|failed|skipped
	Output     datatypes.JSON `gorm:"type:jsonb" json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	StartedAt  time.Time      `gorm:"not null" json:"started_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
}

// DeliveryFailure is the per-run log of side effects that did not go through.
type DeliveryFailure struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	RunID     uuid.UUID `gorm:"type:uuid;index:idx_delivery_failures_run_id;not null" json:"run_id"`
	NodeID    string    `gorm:"not null" json:"node_id"`
	Channel   string    `gorm:"not null" json:"channel"`
	Reason    string    `gorm:"not null" json:"reason"`
	Attempts  int       `gorm:"not null" json:"attempts"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
}

// ABAssignment records which variant a run was routed to at a split node.
type ABAssignment struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	RunID      uuid.UUID `gorm:"type:uuid;uniqueIndex:idx_ab_assignments_run_node;not null" json:"run_id"`
	NodeID     string    `gorm:"uniqueIndex:idx_ab_assignments_run_node;not null" json:"node_id"`
	WorkflowID uuid.UUID `gorm:"type:uuid;index:idx_ab_assignments_workflow_id;not null" json:"workflow_id"`
	SubjectKey string    `gorm:"not null" json:"subject_key"`
	Variant    string    `gorm:"not null" json:"variant"`
	Delivered  bool      `gorm:"not null;default:false" json:"delivered"`
	Failed     bool      `gorm:"not null;default:false" json:"failed"`
	CreatedAt  time.Time `gorm:"not null" json:"created_at"`
}

// Automation is a keyword-triggered responder for inbound social events.
type Automation struct {
	ID            uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	StoreID       string         `gorm:"index:idx_automations_store_id;not null" json:"store_id"`
	Name          string         `gorm:"not null" json:"name"`
	Active        bool           `gorm:"not null;default:false" json:"active"`
	TriggerType   string         `gorm:"not null" json:"trigger_type"` // DM|COMMENT
	Keywords      datatypes.JSON `gorm:"type:jsonb" json:"keywords"` // []string
	MatchType     string         `gorm:"not null;default:exact" json:"match_type"`
	ListenerType  string         `gorm:"not null" json:"listener_type"` // MESSAGE|SMART_AI
	Prompt        string         `json:"prompt"`
	CommentReply  string         `json:"comment_reply,omitempty"`
	Posts         datatypes.JSON `gorm:"type:jsonb" json:"posts,omitempty"` // []string media ids
	AccessToken   string         `json:"-"`
	PlanTier      string         `gorm:"not null;default:FREE" json:"plan_tier"`
	ResponseCount int            `gorm:"not null;default:0" json:"response_count"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

func (a *Automation) KeywordList() []string { return decodeStrings(a.Keywords) }
func (a *Automation) PostList() []string    { return decodeStrings(a.Posts) }

// ConversationTurn is one message of a Smart AI conversation. Rows are only appended.
type ConversationTurn struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	AutomationID uuid.UUID `gorm:"type:uuid;index:idx_conversation_turns_thread,priority:1;not null" json:"automation_id"`
	SenderID     string    `gorm:"index:idx_conversation_turns_thread,priority:2;index:idx_conversation_turns_sender_id;not null" json:"sender_id"`
	ReceiverID   string    `json:"receiver_id"`
	Role         string    `gorm:"not null" json:"role"` // user|assistant
	Message      string    `gorm:"not null" json:"message"`
	Seq          int64     `gorm:"index:idx_conversation_turns_thread,priority:3;not null" json:"seq"`
	CreatedAt    time.Time `gorm:"not null" json:"created_at"`
}

func decodeStrings(b datatypes.JSON) []string {
	if len(b) == 0 {
		return nil
	}
	var out []string
	if err := json.Unmarshal(b, &out); err != nil {
		return nil
	}
	return out
}

// EncodeStrings is the inverse of the list accessors above.
func EncodeStrings(v []string) datatypes.JSON {
	if v == nil {
		v = []string{}
	}
	b, _ := json.Marshal(v)
	return datatypes.JSON(b)
}
