// Package notify turns lifecycle events into queued notifications and
// delivers them through the channel senders.
package notify

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pitabwire/workorder/model"
)

// Queue holds pending deliveries. Claims flip items from pending to
// processing atomically, so an item is handed to at most one dispatcher at
// a time.
type Queue interface {
	// Enqueue stores items that do not exist yet and reports how many were
	// new. Existing ids are left untouched.
	Enqueue(ctx context.Context, items ...*model.QueueItem) (int, error)
	// Dequeue claims up to batch pending items of ch that are due and not
	// waiting for a retry, earliest first and higher priority first.
	Dequeue(ctx context.Context, ch model.Channel, batch int, now time.Time) ([]*model.QueueItem, error)
	// DequeueRetries claims up to batch pending items whose retry is due.
	DequeueRetries(ctx context.Context, batch int, now time.Time) ([]*model.QueueItem, error)
	// Complete stores the outcome of a claimed item. item.Version must be
	// the version returned by the claim; anything else is CONFLICT. On
	// success item.Version is advanced to the stored version.
	Complete(ctx context.Context, item *model.QueueItem) error
	Get(ctx context.Context, id string) (*model.QueueItem, error)
	List(ctx context.Context, filter model.QueueFilter) ([]*model.QueueItem, int, error)
	// ReclaimStale returns items claimed before olderThan to pending.
	ReclaimStale(ctx context.Context, olderThan time.Time) (int, error)
	// Purge deletes terminal items last updated before before.
	Purge(ctx context.Context, before time.Time) (int, error)
}

var itemNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:workorder:notification-queue"))

// ItemID returns the deterministic id of the delivery of one event, through
// one rule, to one recipient, on one channel. Redelivered events map to the
// same ids, which Enqueue ignores.
func ItemID(eventID, notificationID, recipientID string, ch model.Channel) string {
	key := strings.Join([]string{eventID, notificationID, recipientID, string(ch)}, "|")
	return uuid.NewSHA1(itemNamespace, []byte(key)).String()
}

func itemNotFound(id string) error {
	return model.NewNotFoundError(fmt.Sprintf("queue item %q not found", id))
}

func itemConflict(id string) error {
	return model.NewConflictError(fmt.Sprintf("queue item %q is not claimed at this version", id))
}

// claimBefore orders fresh items: earliest schedule first, then higher
// priority, then id for a stable order.
func claimBefore(a, b *model.QueueItem) bool {
	if !a.ScheduledAt.Equal(b.ScheduledAt) {
		return a.ScheduledAt.Before(b.ScheduledAt)
	}
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.ID < b.ID
}

func retryBefore(a, b *model.QueueItem) bool {
	if !a.DueAt().Equal(b.DueAt()) {
		return a.DueAt().Before(b.DueAt())
	}
	return claimBefore(a, b)
}

// claim marks item as processing.
func claim(item *model.QueueItem, now time.Time) {
	item.Status = model.QueueProcessing
	item.ClaimedAt = &now
	item.Version++
	item.UpdatedAt = now
}

// release puts a stale claim back to pending.
func release(item *model.QueueItem, now time.Time) {
	item.Status = model.QueuePending
	item.ClaimedAt = nil
	item.Version++
	item.UpdatedAt = now
}

// prepareNew fills the bookkeeping fields of an item about to be enqueued.
func prepareNew(item *model.QueueItem, now time.Time) {
	if item.Status == "" {
		item.Status = model.QueuePending
	}
	if item.Version == 0 {
		item.Version = 1
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = item.CreatedAt
	}
	if item.ScheduledAt.IsZero() {
		item.ScheduledAt = item.CreatedAt
	}
}

// page sorts items newest first and applies the filter's paging.
func page(items []*model.QueueItem, filter model.QueueFilter) ([]*model.QueueItem, int) {
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.After(items[j].CreatedAt)
		}
		return items[i].ID < items[j].ID
	})
	total := len(items)
	if filter.Offset > 0 {
		if filter.Offset >= len(items) {
			return []*model.QueueItem{}, total
		}
		items = items[filter.Offset:]
	}
	if filter.Limit > 0 && len(items) > filter.Limit {
		items = items[:filter.Limit]
	}
	return items, total
}
