package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("not found")

type Repo struct {
	db *gorm.DB
}

func OpenPostgres(user, password, dbName, host, port, sslMode string) (*gorm.DB, error) {
	if sslMode == "" {
		sslMode = "disable"
	}
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC", host, user, password, dbName, port, sslMode)
	// Lookups of missing contacts and runs are routine; keep warnings but drop not-found noise.
	gormLogger := logger.New(
		log.New(os.Stdout, "", log.LstdFlags),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	return gorm.Open(
		postgres.New(postgres.Config{DSN: dsn}),
		&gorm.Config{DisableForeignKeyConstraintWhenMigrating: true, Logger: gormLogger},
	)
}

func New(db *gorm.DB) (*Repo, error) {
	if err := ensureSchema(db); err != nil {
		return nil, err
	}
	return &Repo{db: db}, nil
}

type tableSpec struct {
	name    string
	model   any
	indexes []string
}

var schema = []tableSpec{
	{"workflows", &Workflow{}, []string{"idx_workflows_store_id", "idx_workflows_trigger_type"}},
	{"email_templates", &EmailTemplate{}, []string{"idx_email_templates_store_id"}},
	{"contacts", &Contact{}, []string{"idx_contacts_store_email"}},
	{"workflow_runs", &WorkflowRun{}, []string{"idx_workflow_runs_workflow_id", "idx_workflow_runs_due"}},
	{"workflow_run_steps", &WorkflowRunStep{}, []string{"idx_workflow_run_steps_run_id"}},
	{"delivery_failures", &DeliveryFailure{}, []string{"idx_delivery_failures_run_id"}},
	{"ab_assignments", &ABAssignment{}, []string{"idx_ab_assignments_run_node", "idx_ab_assignments_workflow_id"}},
	{"automations", &Automation{}, []string{"idx_automations_store_id"}},
	{"conversation_turns", &ConversationTurn{}, []string{"idx_conversation_turns_thread", "idx_conversation_turns_sender_id"}},
}

// ensureSchema creates missing tables and indexes only. The models are the schema;
// AutoMigrate is avoided so column changes stay explicit.
func ensureSchema(db *gorm.DB) error {
	m := db.Migrator()
	for _, t := range schema {
		if !m.HasTable(t.model) {
			if err := m.CreateTable(t.model); err != nil {
				return fmt.Errorf("create table %s: %w", t.name, err)
			}
		}
		for _, idx := range t.indexes {
			if m.HasIndex(t.model, idx) {
				continue
			}
			if err := m.CreateIndex(t.model, idx); err != nil {
				return fmt.Errorf("create index %s.%s: %w", t.name, idx, err)
			}
		}
	}
	return nil
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// --- workflows ---

func (r *Repo) ListWorkflows(ctx context.Context) ([]Workflow, error) {
	var rows []Workflow
	if err := r.db.WithContext(ctx).Order("created_at desc").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *Repo) GetWorkflow(ctx context.Context, id uuid.UUID) (*Workflow, error) {
	var w Workflow
	if err := r.db.WithContext(ctx).First(&w, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &w, nil
}

func (r *Repo) CreateWorkflow(ctx context.Context, w *Workflow) error {
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Create(w).Error
}

func (r *Repo) UpdateWorkflow(ctx context.Context, w *Workflow) error {
	return r.db.WithContext(ctx).Save(w).Error
}

func (r *Repo) DeleteWorkflow(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Delete(&Workflow{}, "id = ?", id).Error
}

func (r *Repo) SetWorkflowEnabled(ctx context.Context, id uuid.UUID, enabled bool) error {
	return r.db.WithContext(ctx).Model(&Workflow{}).Where("id = ?", id).Update("enabled", enabled).Error
}

// --- templates ---

func (r *Repo) CreateTemplate(ctx context.Context, t *EmailTemplate) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Create(t).Error
}

func (r *Repo) GetTemplate(ctx context.Context, id uuid.UUID) (*EmailTemplate, error) {
	var t EmailTemplate
	if err := r.db.WithContext(ctx).First(&t, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

// --- contacts ---

// FindContact resolves a contact by id when one is given, otherwise by store and email.
func (r *Repo) FindContact(ctx context.Context, storeID, contactID, email string) (*Contact, error) {
	var c Contact
	q := r.db.WithContext(ctx)
	if id, err := uuid.Parse(contactID); err == nil {
		q = q.Where("id = ?", id)
	} else {
		q = q.Where("store_id = ? AND email = ?", storeID, email)
	}
	if err := q.First(&c).Error; err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

func (r *Repo) SaveContact(ctx context.Context, c *Contact) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.SubscribedAt.IsZero() {
		c.SubscribedAt = time.Now().UTC()
	}
	return r.db.WithContext(ctx).Save(c).Error
}

// UpdateContact loads the contact for (store, email), creating it when missing,
// applies fn and saves the result in one transaction.
func (r *Repo) UpdateContact(ctx context.Context, storeID, email string, fn func(c *Contact)) (*Contact, error) {
	var out Contact
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.First(&out, "store_id = ? AND email = ?", storeID, email).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			out = Contact{ID: uuid.New(), StoreID: storeID, Email: email, SubscribedAt: time.Now().UTC()}
		} else if err != nil {
			return err
		}
		fn(&out)
		return tx.Save(&out).Error
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// --- runs ---

func (r *Repo) CreateRun(ctx context.Context, run *WorkflowRun) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	if run.Status == "" {
		run.Status = RunPending
	}
	return r.db.WithContext(ctx).Create(run).Error
}

func (r *Repo) GetRun(ctx context.Context, id uuid.UUID) (*WorkflowRun, error) {
	var run WorkflowRun
	if err := r.db.WithContext(ctx).First(&run, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &run, nil
}

var terminalStatuses = []string{RunCompleted, RunFailed, RunCancelled}

// SaveProgress moves a live run to nodeID. It reports false when the run was
// cancelled or finished concurrently, in which case nothing is written.
func (r *Repo) SaveProgress(ctx context.Context, runID uuid.UUID, nodeID, status string, dueAt *time.Time) (bool, error) {
	updates := map[string]any{"current_node_id": nodeID, "status": status, "due_at": dueAt}
	if status == RunSleeping {
		updates["locked_until"] = nil
	}
	res := r.db.WithContext(ctx).Model(&WorkflowRun{}).
		Where("id = ? AND status NOT IN ?", runID, terminalStatuses).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *Repo) SetRunVariant(ctx context.Context, runID uuid.UUID, variant string) error {
	return r.db.WithContext(ctx).Model(&WorkflowRun{}).Where("id = ?", runID).Update("variant", variant).Error
}

// FinishRun writes a terminal status unless the run already has one.
func (r *Repo) FinishRun(ctx context.Context, runID uuid.UUID, status, stoppedAt, errMsg string) (bool, error) {
	now := time.Now().UTC()
	updates := map[string]any{
		"status":             status,
		"finished_at":        &now,
		"error":              errMsg,
		"stopped_at_node_id": stoppedAt,
		"due_at":             nil,
		"locked_until":       nil,
	}
	res := r.db.WithContext(ctx).Model(&WorkflowRun{}).
		Where("id = ? AND status NOT IN ?", runID, terminalStatuses).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// CancelRun marks a live run cancelled. It reports false when the run is
// already terminal.
func (r *Repo) CancelRun(ctx context.Context, runID uuid.UUID) (bool, error) {
	now := time.Now().UTC()
	updates := map[string]any{
		"status":       RunCancelled,
		"cancelled_at": &now,
		"finished_at":  &now,
		"due_at":       nil,
		"locked_until": nil,
	}
	res := r.db.WithContext(ctx).Model(&WorkflowRun{}).
		Where("id = ? AND status NOT IN ?", runID, terminalStatuses).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ClaimDueRuns leases up to limit runs whose due time has passed. A run stays
// leased until lockedUntil; a crashed worker's runs become claimable again after it.
func (r *Repo) ClaimDueRuns(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]WorkflowRun, error) {
	if limit <= 0 {
		limit = 50
	}
	live := []string{RunPending, RunSleeping, RunRunning}
	var candidates []WorkflowRun
	err := r.db.WithContext(ctx).
		Where("status IN ? AND due_at IS NOT NULL AND due_at <= ?", live, now).
		Where("locked_until IS NULL OR locked_until < ?", now).
		Order("due_at asc").Limit(limit).
		Find(&candidates).Error
	if err != nil {
		return nil, err
	}
	until := now.Add(lease)
	claimed := make([]WorkflowRun, 0, len(candidates))
	for _, c := range candidates {
		ok, err := r.claim(ctx, c.ID, now, until)
		if err != nil {
			return claimed, err
		}
		if ok {
			c.Status = RunRunning
			c.LockedUntil = &until
			c.Attempts++
			claimed = append(claimed, c)
		}
	}
	return claimed, nil
}

// ClaimRun leases a single live run regardless of its due time.
func (r *Repo) ClaimRun(ctx context.Context, runID uuid.UUID, now time.Time, lease time.Duration) (bool, error) {
	return r.claim(ctx, runID, now, now.Add(lease))
}

func (r *Repo) claim(ctx context.Context, runID uuid.UUID, now, until time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&WorkflowRun{}).
		Where("id = ? AND status IN ?", runID, []string{RunPending, RunSleeping, RunRunning}).
		Where("locked_until IS NULL OR locked_until < ?", now).
		Updates(map[string]any{"locked_until": &until, "status": RunRunning, "attempts": gorm.Expr("attempts + ?", 1)})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *Repo) ListRuns(ctx context.Context, workflowID uuid.UUID, limit int) ([]WorkflowRun, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []WorkflowRun
	q := r.db.WithContext(ctx).Where("workflow_id = ?", workflowID).Order("started_at desc").Limit(limit)
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *Repo) GetRunWithSteps(ctx context.Context, runID uuid.UUID) (*WorkflowRun, []WorkflowRunStep, error) {
	run, err := r.GetRun(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	var steps []WorkflowRunStep
	if err := r.db.WithContext(ctx).Where("run_id = ?", runID).Order("started_at asc").Find(&steps).Error; err != nil {
		return run, nil, err
	}
	return run, steps, nil
}

func (r *Repo) CreateStep(ctx context.Context, step *WorkflowRunStep) error {
	if step.ID == uuid.Nil {
		step.ID = uuid.New()
	}
	if step.StartedAt.IsZero() {
		step.StartedAt = time.Now().UTC()
	}
	if step.Status == "" {
		step.Status = "running"
	}
	return r.db.WithContext(ctx).Create(step).Error
}

func (r *Repo) FinishStep(ctx context.Context, stepID uuid.UUID, status string, output []byte, errMsg string) error {
	now := time.Now().UTC()
	updates := map[string]any{"status": status, "finished_at": &now, "error": errMsg}
	if len(output) > 0 {
		updates["output"] = output
	}
	return r.db.WithContext(ctx).Model(&WorkflowRunStep{}).Where("id = ?", stepID).Updates(updates).Error
}

// --- delivery failures ---

func (r *Repo) RecordDeliveryFailure(ctx context.Context, f *DeliveryFailure) error {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	return r.db.WithContext(ctx).Create(f).Error
}

func (r *Repo) ListDeliveryFailures(ctx context.Context, runID uuid.UUID) ([]DeliveryFailure, error) {
	var rows []DeliveryFailure
	if err := r.db.WithContext(ctx).Where("run_id = ?", runID).Order("created_at asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
