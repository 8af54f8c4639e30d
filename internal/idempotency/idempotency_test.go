package idempotency_test

import (
	"context"
	"testing"

	"coworkd/internal/idempotency"
	"coworkd/internal/store/memory"
)

func TestReplayEmptyKeyIsMiss(t *testing.T) {
	st := memory.New()
	ctx := context.Background()

	if err := idempotency.Save(ctx, st, "ten_1", "usr_1", "", "POST /contracts", 201, map[string]any{"x": 1}); err != nil {
		t.Fatalf("save: %v", err)
	}
	_, _, found, err := idempotency.Replay(ctx, st, "ten_1", "usr_1", "", "POST /contracts")
	if err != nil || found {
		t.Fatalf("expected empty key to never record or replay, found=%v err=%v", found, err)
	}
}

func TestReplayRoundtrip(t *testing.T) {
	st := memory.New()
	ctx := context.Background()

	if _, _, found, _ := idempotency.Replay(ctx, st, "ten_1", "usr_1", "key-1", "POST /contracts"); found {
		t.Fatalf("expected miss before save")
	}

	body := map[string]any{"contract_id": "ctr_1"}
	if err := idempotency.Save(ctx, st, "ten_1", "usr_1", "key-1", "POST /contracts", 201, body); err != nil {
		t.Fatalf("save: %v", err)
	}

	status, got, found, err := idempotency.Replay(ctx, st, "ten_1", "usr_1", "key-1", "POST /contracts")
	if err != nil || !found {
		t.Fatalf("expected replay hit, found=%v err=%v", found, err)
	}
	if status != 201 || got["contract_id"] != "ctr_1" {
		t.Fatalf("unexpected replay %d %+v", status, got)
	}
}

func TestReplayScoping(t *testing.T) {
	st := memory.New()
	ctx := context.Background()

	if err := idempotency.Save(ctx, st, "ten_1", "usr_1", "key-1", "POST /contracts", 201, map[string]any{"x": 1}); err != nil {
		t.Fatalf("save: %v", err)
	}

	cases := []struct {
		tenant, actor, key, endpoint string
	}{
		{"ten_2", "usr_1", "key-1", "POST /contracts"},
		{"ten_1", "usr_2", "key-1", "POST /contracts"},
		{"ten_1", "usr_1", "key-2", "POST /contracts"},
		{"ten_1", "usr_1", "key-1", "POST /workflows"},
	}
	for _, tc := range cases {
		if _, _, found, _ := idempotency.Replay(ctx, st, tc.tenant, tc.actor, tc.key, tc.endpoint); found {
			t.Fatalf("expected miss for %+v", tc)
		}
	}
}
