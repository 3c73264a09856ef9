package journal

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"syreclabs.com/go/faker"
)

func testEntry(state string, ended time.Time) *Entry {
	return &Entry{
		ID:            uuid.New().String(),
		TransactionID: uuid.New().String(),
		State:         state,
		Operations:    3,
		Error:         "",
		StartedAt:     ended.Add(-time.Second),
		EndedAt:       ended,
	}
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()

	t.Run("CreateAndGet", func(t *testing.T) {
		store := NewMemoryStore()
		entry := testEntry("failed", time.Now())
		entry.Error = faker.Lorem().Sentence(3)

		if err := store.Create(ctx, entry); err != nil {
			t.Fatalf("Create: %v", err)
		}

		got, err := store.Get(ctx, entry.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if diff := cmp.Diff(entry, got); diff != "" {
			t.Errorf("entry mismatch (-want +got):\n%s", diff)
		}

		// The store holds a copy, not the caller's pointer.
		entry.State = "mutated"
		got, _ = store.Get(ctx, entry.ID)
		if got.State == "mutated" {
			t.Error("store returned the caller's entry instead of a copy")
		}
	})

	t.Run("DuplicateID", func(t *testing.T) {
		store := NewMemoryStore()
		entry := testEntry("committed", time.Now())

		if err := store.Create(ctx, entry); err != nil {
			t.Fatalf("Create: %v", err)
		}
		if err := store.Create(ctx, entry); err == nil {
			t.Fatal("Create should reject a duplicate ID")
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		store := NewMemoryStore()
		if _, err := store.Get(ctx, "nope"); err == nil {
			t.Fatal("Get should fail for an unknown ID")
		}
	})

	t.Run("ListMostRecentFirst", func(t *testing.T) {
		store := NewMemoryStore()
		base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

		var ids []string
		for i := 0; i < 3; i++ {
			e := testEntry("committed", base.Add(time.Duration(i)*time.Minute))
			e.ID = fmt.Sprintf("entry-%d", i)
			ids = append(ids, e.ID)
			if err := store.Create(ctx, e); err != nil {
				t.Fatalf("Create %d: %v", i, err)
			}
		}

		entries, err := store.List(ctx, Filter{})
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		var got []string
		for _, e := range entries {
			got = append(got, e.ID)
		}
		want := []string{ids[2], ids[1], ids[0]}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("order mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("FilterByState", func(t *testing.T) {
		store := NewMemoryStore()
		now := time.Now()
		store.Create(ctx, testEntry("committed", now))
		store.Create(ctx, testEntry("rolled_back", now))
		store.Create(ctx, testEntry("failed", now))

		entries, err := store.List(ctx, Filter{States: []string{"rolled_back", "failed"}})
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(entries) != 2 {
			t.Fatalf("entries = %d, want 2", len(entries))
		}
		for _, e := range entries {
			if e.State == "committed" {
				t.Errorf("committed entry leaked through the state filter")
			}
		}
	})

	t.Run("FilterByTransaction", func(t *testing.T) {
		store := NewMemoryStore()
		now := time.Now()
		target := testEntry("committed", now)
		store.Create(ctx, target)
		store.Create(ctx, testEntry("committed", now))

		entries, err := store.List(ctx, Filter{TransactionID: target.TransactionID})
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(entries) != 1 || entries[0].ID != target.ID {
			t.Errorf("entries = %v, want just %s", entries, target.ID)
		}
	})

	t.Run("Limit", func(t *testing.T) {
		store := NewMemoryStore()
		now := time.Now()
		for i := 0; i < 5; i++ {
			store.Create(ctx, testEntry("committed", now.Add(time.Duration(i)*time.Second)))
		}

		entries, err := store.List(ctx, Filter{Limit: 2})
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(entries) != 2 {
			t.Errorf("entries = %d, want 2", len(entries))
		}
	})
}
