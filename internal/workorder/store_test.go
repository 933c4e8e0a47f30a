package workorder

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/pitabwire/workorder/model"
)

var storeEpoch = time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)

func testInstance(id, operator string, created time.Time) *model.WorkorderInstance {
	return &model.WorkorderInstance{
		ID:          id,
		ProcessID:   "change-request",
		Namespace:   "ops",
		Title:       "Rotate " + id,
		CurrentStep: "draft",
		Status:      model.StatusDraft,
		FormData:    map[string]any{"summary": "s"},
		OperatorID:  operator,
		AssigneeID:  operator,
		Tags:        []string{"infra"},
		Version:     1,
		CreatedAt:   created,
		UpdatedAt:   created,
	}
}

func createdEntry(inst *model.WorkorderInstance) model.TimelineEntry {
	return model.TimelineEntry{
		ID:         "tl-" + inst.ID,
		InstanceID: inst.ID,
		Kind:       model.TimelineCreated,
		ActorID:    inst.OperatorID,
		Summary:    "created",
		Timestamp:  inst.CreatedAt,
	}
}

// runStoreContract exercises behaviour every InstanceStore must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) InstanceStore) {
	t.Run("create and get", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		inst := testInstance("wo-1", "7", storeEpoch)

		if err := store.Create(ctx, inst, createdEntry(inst)); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		got, err := store.Get(ctx, "wo-1")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if got.Title != inst.Title || got.Status != model.StatusDraft || got.Version != 1 {
			t.Errorf("Get() = %+v", got)
		}
		if got.FormData["summary"] != "s" {
			t.Errorf("FormData = %v", got.FormData)
		}
		if len(got.Tags) != 1 || got.Tags[0] != "infra" {
			t.Errorf("Tags = %v", got.Tags)
		}

		err = store.Create(ctx, inst, createdEntry(inst))
		if !model.IsCode(err, model.ErrConflict) {
			t.Errorf("duplicate Create() error = %v, want CONFLICT", err)
		}
		_, err = store.Get(ctx, "missing")
		if !model.IsCode(err, model.ErrNotFound) {
			t.Errorf("Get(missing) error = %v, want NOT_FOUND", err)
		}
	})

	t.Run("apply transition", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		inst := testInstance("wo-2", "7", storeEpoch)
		if err := store.Create(ctx, inst, createdEntry(inst)); err != nil {
			t.Fatalf("Create() error = %v", err)
		}

		for i, to := range []string{"review", "processing"} {
			cur, _ := store.Get(ctx, inst.ID)
			next := cur.Clone()
			next.CurrentStep = to
			next.Version = cur.Version + 1
			flow := &model.FlowLogEntry{
				ID: fmt.Sprintf("f-%d", i), InstanceID: inst.ID,
				FromStep: cur.CurrentStep, ToStep: to, Action: model.ActionSubmit,
				ActorID: "7", Timestamp: storeEpoch.Add(time.Duration(i+1) * time.Minute),
			}
			entry := model.TimelineEntry{
				ID: fmt.Sprintf("t-%d", i), InstanceID: inst.ID, Kind: model.TimelineTransition,
				ActorID: "7", Summary: "moved", Timestamp: flow.Timestamp,
			}
			if err := store.ApplyTransition(ctx, next, cur.Version, flow, entry); err != nil {
				t.Fatalf("ApplyTransition(%s) error = %v", to, err)
			}
			if flow.Seq != i+1 {
				t.Errorf("Seq = %d, want %d", flow.Seq, i+1)
			}
		}

		stale := testInstance("wo-2", "7", storeEpoch)
		stale.Version = 2
		err := store.ApplyTransition(ctx, stale, 1,
			&model.FlowLogEntry{ID: "f-x", InstanceID: "wo-2", FromStep: "draft", ToStep: "review", Action: model.ActionSubmit},
			model.TimelineEntry{ID: "t-x", InstanceID: "wo-2", Kind: model.TimelineTransition})
		if !model.IsCode(err, model.ErrConflict) {
			t.Fatalf("stale ApplyTransition() error = %v, want CONFLICT", err)
		}

		flow, err := store.FlowLog(ctx, "wo-2")
		if err != nil {
			t.Fatalf("FlowLog() error = %v", err)
		}
		if len(flow) != 2 || flow[1].ToStep != "processing" {
			t.Errorf("FlowLog() = %+v", flow)
		}
		tl, err := store.Timeline(ctx, "wo-2")
		if err != nil {
			t.Fatalf("Timeline() error = %v", err)
		}
		if len(tl) != 3 {
			t.Errorf("Timeline() length = %d, want 3", len(tl))
		}
		got, _ := store.Get(ctx, "wo-2")
		if got.Version != 3 || got.CurrentStep != "processing" {
			t.Errorf("after transitions version/step = %d/%s", got.Version, got.CurrentStep)
		}
	})

	t.Run("save and append timeline", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		inst := testInstance("wo-3", "7", storeEpoch)
		_ = store.Create(ctx, inst, createdEntry(inst))

		next := inst.Clone()
		next.Title = "Renamed"
		next.Version = 2
		if err := store.Save(ctx, next, 1, nil); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
		if err := store.Save(ctx, next, 1, nil); !model.IsCode(err, model.ErrConflict) {
			t.Errorf("second Save() error = %v, want CONFLICT", err)
		}
		if err := store.Save(ctx, testInstance("ghost", "7", storeEpoch), 1, nil); !model.IsCode(err, model.ErrNotFound) {
			t.Errorf("Save(ghost) error = %v, want NOT_FOUND", err)
		}

		note := model.TimelineEntry{ID: "c-1", InstanceID: "wo-3", Kind: model.TimelineComment,
			ActorID: "99", Summary: "commented", Comment: "ok", Timestamp: storeEpoch.Add(time.Hour)}
		if err := store.AppendTimeline(ctx, note); err != nil {
			t.Fatalf("AppendTimeline() error = %v", err)
		}
		tl, _ := store.Timeline(ctx, "wo-3")
		if len(tl) != 2 || tl[1].Comment != "ok" {
			t.Errorf("Timeline() = %+v", tl)
		}
	})

	t.Run("list", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		for i, op := range []string{"7", "7", "42"} {
			inst := testInstance(fmt.Sprintf("wo-l%d", i), op, storeEpoch.Add(time.Duration(i)*time.Minute))
			_ = store.Create(ctx, inst, createdEntry(inst))
		}
		gone := testInstance("wo-gone", "7", storeEpoch.Add(time.Hour))
		deleted := storeEpoch.Add(2 * time.Hour)
		gone.DeletedAt = &deleted
		_ = store.Create(ctx, gone, createdEntry(gone))

		list, total, err := store.List(ctx, model.InstanceFilter{Limit: 2})
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if total != 3 || len(list) != 2 || list[0].ID != "wo-l2" {
			t.Errorf("List() total=%d len=%d", total, len(list))
		}
		_, total, _ = store.List(ctx, model.InstanceFilter{OperatorID: "7", Limit: 10})
		if total != 2 {
			t.Errorf("operator total = %d, want 2", total)
		}
		_, total, _ = store.List(ctx, model.InstanceFilter{IncludeDeleted: true, Limit: 10})
		if total != 4 {
			t.Errorf("including deleted total = %d, want 4", total)
		}
	})

	t.Run("find overdue", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		due := storeEpoch.Add(time.Hour)

		late := testInstance("wo-late", "7", storeEpoch)
		late.DueDate = &due
		flagged := testInstance("wo-flagged", "7", storeEpoch)
		flagged.DueDate = &due
		flagged.OverdueAt = &due
		closed := testInstance("wo-closed", "7", storeEpoch)
		closed.DueDate = &due
		closed.Status = model.StatusCompleted
		future := testInstance("wo-future", "7", storeEpoch)
		later := storeEpoch.Add(48 * time.Hour)
		future.DueDate = &later
		for _, inst := range []*model.WorkorderInstance{late, flagged, closed, future} {
			_ = store.Create(ctx, inst, createdEntry(inst))
		}

		got, err := store.FindOverdue(ctx, storeEpoch.Add(2*time.Hour), 10)
		if err != nil {
			t.Fatalf("FindOverdue() error = %v", err)
		}
		if len(got) != 1 || got[0].ID != "wo-late" {
			t.Errorf("FindOverdue() = %d items, want wo-late only", len(got))
		}
	})
}

func TestMemoryStore_contract(t *testing.T) {
	runStoreContract(t, func(*testing.T) InstanceStore { return NewMemoryStore() })
}

func TestMemoryStore_returnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	inst := testInstance("wo-1", "7", storeEpoch)
	_ = store.Create(ctx, inst, createdEntry(inst))

	inst.Title = "mutated after create"
	got, _ := store.Get(ctx, "wo-1")
	got.FormData["summary"] = "mutated after get"

	again, _ := store.Get(ctx, "wo-1")
	if again.Title != "Rotate wo-1" || again.FormData["summary"] != "s" {
		t.Errorf("store shares state with callers: %+v", again)
	}
}
