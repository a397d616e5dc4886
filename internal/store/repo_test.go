package store

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func openTestRepo(t *testing.T) *Repo {
	t.Helper()
	// Unique in-memory DB per test.
	dsn := "file:store_" + strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()) + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	repo, err := New(db)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo
}

func TestEnsureSchemaIsIdempotent(t *testing.T) {
	repo := openTestRepo(t)
	if err := ensureSchema(repo.db); err != nil {
		t.Fatalf("second ensureSchema: %v", err)
	}
}

func TestClaimDueRunsLeasesOnce(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)
	due := &WorkflowRun{WorkflowID: uuid.New(), StoreID: "s1", CustomerEmail: "a@example.com", Status: RunSleeping, CurrentNodeID: "n2", DueAt: &past}
	later := &WorkflowRun{WorkflowID: uuid.New(), StoreID: "s1", CustomerEmail: "b@example.com", Status: RunSleeping, CurrentNodeID: "n2", DueAt: &future}
	for _, r := range []*WorkflowRun{due, later} {
		if err := repo.CreateRun(ctx, r); err != nil {
			t.Fatalf("create run: %v", err)
		}
	}

	claimed, err := repo.ClaimDueRuns(ctx, now, time.Minute, 10)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != due.ID {
		t.Fatalf("expected only the due run to be claimed, got %#v", claimed)
	}

	again, err := repo.ClaimDueRuns(ctx, now.Add(10*time.Second), time.Minute, 10)
	if err != nil {
		t.Fatalf("claim again: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected lease to block a second claim, got %d", len(again))
	}

	// After the lease expires the run is claimable again.
	expired, err := repo.ClaimDueRuns(ctx, now.Add(2*time.Minute), time.Minute, 10)
	if err != nil {
		t.Fatalf("claim after lease: %v", err)
	}
	if len(expired) != 1 || expired[0].Attempts != 2 {
		t.Fatalf("expected reclaim with attempts=2, got %#v", expired)
	}
}

func TestCancelledRunIgnoresProgressAndFinish(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	run := &WorkflowRun{WorkflowID: uuid.New(), StoreID: "s1", CustomerEmail: "a@example.com", Status: RunRunning}
	if err := repo.CreateRun(ctx, run); err != nil {
		t.Fatalf("create run: %v", err)
	}
	ok, err := repo.CancelRun(ctx, run.ID)
	if err != nil || !ok {
		t.Fatalf("cancel: ok=%v err=%v", ok, err)
	}
	if ok, _ := repo.CancelRun(ctx, run.ID); ok {
		t.Fatalf("expected second cancel to be a no-op")
	}
	if ok, _ := repo.SaveProgress(ctx, run.ID, "n3", RunRunning, nil); ok {
		t.Fatalf("expected progress on a cancelled run to be rejected")
	}
	if ok, _ := repo.FinishRun(ctx, run.ID, RunCompleted, "stop", ""); ok {
		t.Fatalf("expected finish on a cancelled run to be rejected")
	}
	got, err := repo.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != RunCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
}

func TestAppendTurnsKeepsOrder(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	autoID := uuid.New()

	for i := 0; i < 3; i++ {
		err := repo.AppendTurns(ctx,
			&ConversationTurn{AutomationID: autoID, SenderID: "U1", ReceiverID: "IG1", Role: "user", Message: "q"},
			&ConversationTurn{AutomationID: autoID, SenderID: "U1", ReceiverID: "IG1", Role: "assistant", Message: "a"},
		)
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	turns, err := repo.ListTurns(ctx, autoID, "U1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(turns) != 6 {
		t.Fatalf("expected 6 turns, got %d", len(turns))
	}
	for i, turn := range turns {
		want := "user"
		if i%2 == 1 {
			want = "assistant"
		}
		if turn.Role != want || turn.Seq != int64(i+1) {
			t.Fatalf("turn %d: role=%s seq=%d", i, turn.Role, turn.Seq)
		}
	}

	latest, err := repo.LatestTurnForSender(ctx, "U1", "IG1")
	if err != nil || latest == nil || latest.AutomationID != autoID {
		t.Fatalf("latest turn: %#v err=%v", latest, err)
	}
	none, err := repo.LatestTurnForSender(ctx, "nobody", "IG1")
	if err != nil || none != nil {
		t.Fatalf("expected no turn for unknown sender, got %#v err=%v", none, err)
	}
	other, err := repo.LatestTurnForSender(ctx, "U1", "IG2")
	if err != nil || other != nil {
		t.Fatalf("expected no turn with another account, got %#v err=%v", other, err)
	}
}

func TestABTestReportCountsPerVariant(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	wfID := uuid.New()

	runs := []struct {
		variant   string
		delivered bool
	}{{"A", true}, {"A", false}, {"B", true}}
	for _, r := range runs {
		runID := uuid.New()
		if err := repo.RecordAssignment(ctx, &ABAssignment{RunID: runID, NodeID: "split", WorkflowID: wfID, SubjectKey: "k", Variant: r.variant}); err != nil {
			t.Fatalf("record: %v", err)
		}
		// Retried runs must not duplicate their assignment.
		if err := repo.RecordAssignment(ctx, &ABAssignment{RunID: runID, NodeID: "split", WorkflowID: wfID, SubjectKey: "k", Variant: r.variant}); err != nil {
			t.Fatalf("record retry: %v", err)
		}
		if err := repo.MarkAssignmentResult(ctx, runID, r.delivered); err != nil {
			t.Fatalf("mark: %v", err)
		}
	}

	report, err := repo.ABTestReport(ctx, wfID, "split")
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if len(report) != 2 {
		t.Fatalf("expected 2 variants, got %#v", report)
	}
	if report[0].Variant != "A" || report[0].Assigned != 2 || report[0].Delivered != 1 || report[0].Failed != 1 {
		t.Fatalf("unexpected A stats: %#v", report[0])
	}
	if report[1].Variant != "B" || report[1].Assigned != 1 || report[1].Delivered != 1 {
		t.Fatalf("unexpected B stats: %#v", report[1])
	}
}

func TestUpdateContactCreatesThenMutates(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	c, err := repo.UpdateContact(ctx, "s1", "a@example.com", func(c *Contact) {
		c.Tags = EncodeStrings(append(c.TagList(), "vip"))
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	c2, err := repo.UpdateContact(ctx, "s1", "a@example.com", func(c *Contact) {
		c.Purchases = EncodeStrings(append(c.PurchaseList(), "prod-1"))
	})
	if err != nil {
		t.Fatalf("update 2: %v", err)
	}
	if c.ID != c2.ID {
		t.Fatalf("expected same contact row")
	}
	found, err := repo.FindContact(ctx, "s1", "", "a@example.com")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if tags := found.TagList(); len(tags) != 1 || tags[0] != "vip" {
		t.Fatalf("unexpected tags %v", tags)
	}
	if p := found.PurchaseList(); len(p) != 1 || p[0] != "prod-1" {
		t.Fatalf("unexpected purchases %v", p)
	}
	if _, err := repo.FindContact(ctx, "s1", "", "missing@example.com"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
