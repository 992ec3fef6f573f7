package rawstore

import (
	"context"
	"fmt"
	"testing"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	repo := NewRepository(db)
	if err := repo.AutoMigrate(); err != nil {
		t.Fatalf("migrating: %v", err)
	}
	return repo
}

func TestStoreAndFetchRoundTrip(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	id, err := repo.Store(ctx, &Record{
		TenantID:      7,
		EntityType:    "ticket",
		ExternalID:    "TK-1",
		Discriminator: DiscriminatorPrimary,
		Payload:       datatypes.JSONMap{"fields": map[string]interface{}{"title": "broken build"}},
		NestedCursors: datatypes.JSONMap{"comments": "c2"},
	})
	if err != nil {
		t.Fatalf("storing: %v", err)
	}

	rec, err := repo.Fetch(ctx, id)
	if err != nil {
		t.Fatalf("fetching: %v", err)
	}
	if rec.ExternalID != "TK-1" || rec.Discriminator != DiscriminatorPrimary {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.Processed {
		t.Fatal("new record must not be processed")
	}
	if _, ok := rec.NestedCursors["comments"]; !ok {
		t.Fatal("nested cursors were not persisted")
	}
}

func TestFetchUnknownRecord(t *testing.T) {
	repo := newTestRepository(t)

	_, err := repo.Fetch(context.Background(), 999)
	if err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMarkProcessedFlipsOnlyTheFlag(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	id, err := repo.Store(ctx, &Record{
		TenantID:      7,
		EntityType:    "ticket",
		ExternalID:    "TK-2",
		Discriminator: DiscriminatorNestedOnly,
		NestedType:    "comments",
		Payload:       datatypes.JSONMap{"items": []interface{}{}},
		HasMore:       true,
	})
	if err != nil {
		t.Fatalf("storing: %v", err)
	}

	if err := repo.MarkProcessed(ctx, id); err != nil {
		t.Fatalf("marking processed: %v", err)
	}

	rec, err := repo.Fetch(ctx, id)
	if err != nil {
		t.Fatalf("fetching: %v", err)
	}
	if !rec.Processed {
		t.Fatal("expected processed flag set")
	}
	if !rec.HasMore || rec.NestedType != "comments" {
		t.Fatalf("record mutated beyond the processed flag: %+v", rec)
	}
}
