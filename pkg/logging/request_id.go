package logging

import (
	"context"

	"github.com/google/uuid"
)

func GetRequestIDFromCtx(ctx context.Context) string {
	s, _ := ctx.Value(reqKey).(string)
	return s
}

func MakeContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, reqKey, requestID)
}

// MakeContextWithRequestIDOrNew keeps a well-formed caller supplied id and
// replaces anything else with a fresh one.
func MakeContextWithRequestIDOrNew(ctx context.Context, requestID string) context.Context {
	if id, err := uuid.Parse(requestID); err == nil {
		return MakeContextWithRequestID(ctx, id.String())
	}
	return MakeContextWithRequestID(ctx, uuid.NewString())
}
