package ingest

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/itsandyd/ppr-academy-sub023/internal/engine"
	"github.com/itsandyd/ppr-academy-sub023/internal/store"
)

type fakeMsg struct {
	topic    string
	payload  []byte
	retained bool
}

func (m fakeMsg) Topic() string   { return m.topic }
func (m fakeMsg) Payload() []byte { return m.payload }
func (m fakeMsg) Retained() bool  { return m.retained }

type fakeStarter struct {
	byTrigger map[string][]uuid.UUID
	fail      map[uuid.UUID]bool
	started   []engine.Subject
}

func (f *fakeStarter) WorkflowsForTrigger(storeID, triggerType string) []uuid.UUID {
	return f.byTrigger[storeID+"/"+triggerType]
}

func (f *fakeStarter) StartRun(_ context.Context, wfID uuid.UUID, s engine.Subject) (engine.RunHandle, error) {
	if f.fail[wfID] {
		return engine.RunHandle{}, errors.New("boom")
	}
	f.started = append(f.started, s)
	return engine.RunHandle{RunID: uuid.New(), WorkflowID: wfID}, nil
}

func newRepo(t *testing.T) *store.Repo {
	t.Helper()
	dsn := "file:ingest_" + strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()) + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	repo, err := store.New(db)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo
}

func TestHandleStartsMatchingWorkflows(t *testing.T) {
	repo := newRepo(t)
	wf1, wf2, broken := uuid.New(), uuid.New(), uuid.New()
	st := &fakeStarter{
		byTrigger: map[string][]uuid.UUID{"s1/lead_signup": {wf1, broken, wf2}},
		fail:      map[uuid.UUID]bool{broken: true},
	}
	ing := &Ingestor{Repo: repo, Engine: st}

	handles, err := ing.Handle(context.Background(), TriggerEvent{
		Type: "Lead_Signup", StoreID: "s1", Email: " Ada@Example.com ", FirstName: "Ada",
		Data: map[string]any{"source": "webinar"},
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(handles) != 2 || handles[0].WorkflowID != wf1 || handles[1].WorkflowID != wf2 {
		t.Fatalf("unexpected handles: %+v", handles)
	}
	s := st.started[0]
	if s.CustomerEmail != "ada@example.com" || s.StoreID != "s1" || s.ContactID == "" || s.ExecutionData["source"] != "webinar" {
		t.Fatalf("unexpected subject: %+v", s)
	}

	c, err := repo.FindContact(context.Background(), "s1", "", "ada@example.com")
	if err != nil {
		t.Fatalf("find contact: %v", err)
	}
	if c.FirstName != "Ada" || c.ID.String() != s.ContactID {
		t.Fatalf("unexpected contact: %+v", c)
	}
}

func TestHandleUpdatesContactState(t *testing.T) {
	repo := newRepo(t)
	ing := &Ingestor{Repo: repo, Engine: &fakeStarter{}}
	ctx := context.Background()

	events := []TriggerEvent{
		{Type: EventProductPurchase, Data: map[string]any{"productId": "p1"}},
		{Type: EventProductPurchase, Data: map[string]any{"productId": "p1", "courseId": "c1"}},
		{Type: EventTagAdded, Data: map[string]any{"tagId": "vip"}},
		{Type: EventEmailOpened},
		{Type: EventLinkClicked, Data: map[string]any{"linkUrl": "https://x.test/sale"}},
	}
	for _, ev := range events {
		ev.StoreID, ev.Email = "s1", "bo@example.com"
		if _, err := ing.Handle(ctx, ev); err != nil {
			t.Fatalf("%s: %v", ev.Type, err)
		}
	}

	c, err := repo.FindContact(ctx, "s1", "", "bo@example.com")
	if err != nil {
		t.Fatalf("find contact: %v", err)
	}
	if !slices.Equal(c.PurchaseList(), []string{"p1", "c1"}) {
		t.Fatalf("unexpected purchases %v", c.PurchaseList())
	}
	if !slices.Equal(c.TagList(), []string{"vip"}) || !c.OpenedEmail || len(c.ClickedLinkList()) != 1 {
		t.Fatalf("unexpected contact state: %+v", c)
	}
}

func TestHandleRejectsIncompleteEvents(t *testing.T) {
	ing := &Ingestor{Repo: newRepo(t), Engine: &fakeStarter{}}
	_, err := ing.Handle(context.Background(), TriggerEvent{Type: EventManual, StoreID: "s1"})
	if !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}
}

func TestHandleMessage(t *testing.T) {
	wf := uuid.New()
	st := &fakeStarter{byTrigger: map[string][]uuid.UUID{"s1/tag_added": {wf}}}
	ing := &Ingestor{Repo: newRepo(t), Engine: st, TopicPrefix: "campaign/events/"}
	ctx := context.Background()

	body := []byte(`{"storeId":"s1","email":"cy@example.com","data":{"tagId":"lead"}}`)
	ing.HandleMessage(ctx, fakeMsg{topic: "campaign/events/tag_added", payload: body, retained: true})
	ing.HandleMessage(ctx, fakeMsg{topic: "other/tag_added", payload: body})
	ing.HandleMessage(ctx, fakeMsg{topic: "campaign/events/tag_added", payload: []byte(`{oops`)})
	if len(st.started) != 0 {
		t.Fatalf("expected retained, foreign and invalid messages to be ignored")
	}

	// The type falls back to the topic suffix.
	ing.HandleMessage(ctx, fakeMsg{topic: "campaign/events/tag_added", payload: body})
	if len(st.started) != 1 || st.started[0].CustomerEmail != "cy@example.com" {
		t.Fatalf("expected one run, got %+v", st.started)
	}
}
