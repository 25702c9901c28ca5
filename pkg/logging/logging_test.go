package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/google/uuid"
)

func TestMakeContextWithRequestIDOrNew(t *testing.T) {
	ctx := context.Background()

	valid := uuid.NewString()
	if got := GetRequestIDFromCtx(MakeContextWithRequestIDOrNew(ctx, valid)); got != valid {
		t.Errorf("request id = %q, want %q", got, valid)
	}

	got := GetRequestIDFromCtx(MakeContextWithRequestIDOrNew(ctx, "not-an-id"))
	if _, err := uuid.Parse(got); err != nil {
		t.Errorf("generated request id %q does not parse: %v", got, err)
	}
}

func TestGetLoggerFromContextWithOp(t *testing.T) {
	var buf bytes.Buffer
	ctx := MakeContextWithLogger(context.Background(), New(&buf, false, slog.LevelDebug))
	ctx = MakeContextWithRequestID(ctx, "req-1")

	GetLoggerFromContextWithOp(ctx, "vfs.Mount").Debug("mounted")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("log output is not JSON: %v (%q)", err, buf.String())
	}
	if rec["op"] != "vfs.Mount" || rec["request_id"] != "req-1" {
		t.Errorf("record = %v, want op and request_id attached", rec)
	}
}
