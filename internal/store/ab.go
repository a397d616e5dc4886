package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm/clause"
)

// RecordAssignment stores the variant picked for (run, node). A retried run
// keeps its first assignment.
func (r *Repo) RecordAssignment(ctx context.Context, a *ABAssignment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "run_id"}, {Name: "node_id"}}, DoNothing: true}).
		Create(a).Error
}

// MarkAssignmentResult flags every assignment of the run as delivered or failed.
func (r *Repo) MarkAssignmentResult(ctx context.Context, runID uuid.UUID, delivered bool) error {
	updates := map[string]any{"delivered": delivered, "failed": !delivered}
	return r.db.WithContext(ctx).Model(&ABAssignment{}).Where("run_id = ?", runID).Updates(updates).Error
}

type VariantStats struct {
	Variant   string `json:"variant"`
	Assigned  int64  `json:"assigned"`
	Delivered int64  `json:"delivered"`
	Failed    int64  `json:"failed"`
}

// ABTestReport aggregates assignments of one split node.
func (r *Repo) ABTestReport(ctx context.Context, workflowID uuid.UUID, nodeID string) ([]VariantStats, error) {
	var rows []VariantStats
	err := r.db.WithContext(ctx).Model(&ABAssignment{}).
		Select("variant, COUNT(*) AS assigned, "+
			"SUM(CASE WHEN delivered THEN 1 ELSE 0 END) AS delivered, "+
			"SUM(CASE WHEN failed THEN 1 ELSE 0 END) AS failed").
		Where("workflow_id = ? AND node_id = ?", workflowID, nodeID).
		Group("variant").Order("variant asc").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}
