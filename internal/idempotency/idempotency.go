// Package idempotency replays recorded responses for repeated create
// requests. A record is scoped to tenant, actor, key and endpoint, so
// the same key on a different endpoint is a fresh request.
package idempotency

import "context"

type Store interface {
	GetIdempotencyRecord(ctx context.Context, tenantID, actorID, key, endpoint string) (int, map[string]any, bool, error)
	SaveIdempotencyRecord(ctx context.Context, tenantID, actorID, key, endpoint string, status int, body map[string]any) error
}

func Replay(ctx context.Context, st Store, tenantID, actorID, key, endpoint string) (int, map[string]any, bool, error) {
	if key == "" {
		return 0, nil, false, nil
	}
	status, body, found, err := st.GetIdempotencyRecord(ctx, tenantID, actorID, key, endpoint)
	if err != nil {
		return 0, nil, false, err
	}
	if !found {
		return 0, nil, false, nil
	}
	return status, body, true, nil
}

func Save(ctx context.Context, st Store, tenantID, actorID, key, endpoint string, status int, body map[string]any) error {
	if key == "" {
		return nil
	}
	return st.SaveIdempotencyRecord(ctx, tenantID, actorID, key, endpoint, status, body)
}
