package db

import (
	"context"
	"errors"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *Database {
	t.Helper()
	database, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func TestVaultConfigRoundTrip(t *testing.T) {
	database := openTestDB(t)
	s := database.Store()
	ctx := context.Background()

	if _, err := s.GetVaultConfig(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.PutVaultConfig(ctx, VaultConfig{Initialized: true, Verifier: "hash"}); err != nil {
		t.Fatalf("PutVaultConfig: %v", err)
	}
	cfg, err := s.GetVaultConfig(ctx)
	if err != nil {
		t.Fatalf("GetVaultConfig: %v", err)
	}
	if !cfg.Initialized || cfg.Verifier != "hash" {
		t.Errorf("unexpected config: %+v", cfg)
	}
}

func TestUpsertProfileByName(t *testing.T) {
	database := openTestDB(t)
	s := database.Store()
	ctx := context.Background()
	now := time.Now().UTC()

	p := Profile{ID: "p1", Name: "main", Environment: "test", PublicKey: "AK1",
		EncryptedSecret: "ct", IV: "iv", Salt: "salt", Iterations: 1000, CreatedAt: now, UpdatedAt: now}
	if err := s.UpsertProfile(ctx, p); err != nil {
		t.Fatalf("UpsertProfile: %v", err)
	}

	p.ID = "p2"
	p.PublicKey = "AK2"
	if err := s.UpsertProfile(ctx, p); err != nil {
		t.Fatalf("UpsertProfile (update): %v", err)
	}

	n, err := s.CountProfiles(ctx)
	if err != nil || n != 1 {
		t.Fatalf("CountProfiles = %d, %v; want 1", n, err)
	}
	got, err := s.GetProfileByName(ctx, "main")
	if err != nil {
		t.Fatalf("GetProfileByName: %v", err)
	}
	if got.ID != "p1" || got.PublicKey != "AK2" {
		t.Errorf("expected id p1 with key AK2, got %s/%s", got.ID, got.PublicKey)
	}
}

func TestDeleteProfileNotFound(t *testing.T) {
	database := openTestDB(t)
	if err := database.Store().DeleteProfile(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestInTxRollsBackOnError(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	boom := errors.New("boom")
	err := database.InTx(ctx, func(s *Store) error {
		if err := s.UpsertProfile(ctx, Profile{ID: "p1", Name: "main", Environment: "test",
			PublicKey: "AK", EncryptedSecret: "ct", IV: "iv", Salt: "s", Iterations: 1, CreatedAt: now, UpdatedAt: now}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	n, _ := database.Store().CountProfiles(ctx)
	if n != 0 {
		t.Errorf("expected rollback to leave 0 profiles, got %d", n)
	}
}

func TestSettingsAndWipe(t *testing.T) {
	database := openTestDB(t)
	s := database.Store()
	ctx := context.Background()

	if err := s.PutSetting(ctx, "active_profile_id", "p1"); err != nil {
		t.Fatalf("PutSetting: %v", err)
	}
	if err := s.PutSetting(ctx, "active_profile_id", "p2"); err != nil {
		t.Fatalf("PutSetting overwrite: %v", err)
	}
	v, err := s.GetSetting(ctx, "active_profile_id")
	if err != nil || v != "p2" {
		t.Fatalf("GetSetting = %q, %v", v, err)
	}

	if err := s.WipeVault(ctx); err != nil {
		t.Fatalf("WipeVault: %v", err)
	}
	if _, err := s.GetSetting(ctx, "active_profile_id"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after wipe, got %v", err)
	}
}

func TestAuditPrune(t *testing.T) {
	database := openTestDB(t)
	s := database.Store()
	ctx := context.Background()
	base := time.Now().UTC()

	for i := 0; i < 5; i++ {
		r := AuditRecord{ID: string(rune('a' + i)), Type: "trade", Payload: "{}", CreatedAt: base.Add(time.Duration(i) * time.Second)}
		if err := s.InsertAudit(ctx, r); err != nil {
			t.Fatalf("InsertAudit: %v", err)
		}
	}
	if err := s.PruneAudit(ctx, "trade", 2); err != nil {
		t.Fatalf("PruneAudit: %v", err)
	}
	recs, err := s.ListAudit(ctx, "trade", 10)
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	if len(recs) != 2 || recs[0].ID != "e" || recs[1].ID != "d" {
		t.Errorf("unexpected records after prune: %+v", recs)
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	database := openTestDB(t)
	if err := ApplyMigrations(database); err != nil {
		t.Fatalf("second ApplyMigrations: %v", err)
	}
	ok, err := database.HasColumn("profiles", "iterations")
	if err != nil || !ok {
		t.Errorf("expected iterations column, got %v, %v", ok, err)
	}
}

func TestHasColumnMissingTable(t *testing.T) {
	database := openTestDB(t)
	ok, err := database.HasColumn("no_such_table", "id")
	if err != nil || ok {
		t.Errorf("expected false without error, got %v, %v", ok, err)
	}
}
