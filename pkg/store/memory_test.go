package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

const eid = "aabbccddeeff00112233445566778899aabbccdd"

func TestGetMissing(t *testing.T) {
	m := NewMemory()
	if _, err := m.Get(context.Background(), eid); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRegistrationMergePreservesBuzzer(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	if err := m.SetBuzzer(ctx, eid, 3000, "text"); err != nil {
		t.Fatal(err)
	}
	if err := m.PutRegistration(ctx, eid, "pubkey-bytes"); err != nil {
		t.Fatal(err)
	}
	doc, err := m.Get(ctx, eid)
	if err != nil {
		t.Fatal(err)
	}
	if !doc.Registered || doc.PublicKey != "pubkey-bytes" {
		t.Fatalf("registration not applied: %+v", doc)
	}
	if !doc.BuzzerFlag || doc.BuzzerDuration != 3000 || doc.CommandFormat != "text" {
		t.Fatalf("buzzer state lost on merge: %+v", doc)
	}
}

func TestReportsAppendOrder(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	for _, env := range []string{"e1", "e2", "e3"} {
		if err := m.AppendReport(ctx, eid, env); err != nil {
			t.Fatal(err)
		}
	}
	got, err := m.Reports(ctx, eid)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || got[0] != "e1" || got[2] != "e3" {
		t.Fatalf("reports = %v, want append order", got)
	}
	// The returned slice is a copy.
	got[0] = "mutated"
	again, _ := m.Reports(ctx, eid)
	if again[0] != "e1" {
		t.Fatal("Reports leaked internal slice")
	}
}

func TestBuzzerLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	if err := m.SetBuzzer(ctx, eid, 5000, "json"); err != nil {
		t.Fatal(err)
	}
	buzzing, err := m.QueryBuzzing(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(buzzing) != 1 || buzzing[0].EID != eid {
		t.Fatalf("buzzing = %+v, want [%s]", buzzing, eid)
	}

	processed := time.Unix(4242, 0)
	if err := m.ClearBuzzer(ctx, eid, processed); err != nil {
		t.Fatal(err)
	}
	buzzing, _ = m.QueryBuzzing(ctx)
	if len(buzzing) != 0 {
		t.Fatalf("buzzing after clear = %+v, want empty", buzzing)
	}
	doc, _ := m.Get(ctx, eid)
	if doc.BuzzerFlag {
		t.Fatal("flag still set after clear")
	}
	if doc.BuzzerProcessedAt != processed.Unix() {
		t.Fatalf("processedAt = %d, want %d", doc.BuzzerProcessedAt, processed.Unix())
	}
}

func TestClearBuzzerMissing(t *testing.T) {
	m := NewMemory()
	if err := m.ClearBuzzer(context.Background(), eid, time.Now()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
