package types

import (
	"context"
	"testing"
)

func TestPrincipalContextRoundTrip(t *testing.T) {
	ctx := context.Background()
	if _, ok := GetPrincipal(ctx); ok {
		t.Fatal("GetPrincipal on empty context should report false")
	}

	p := Principal{Subject: "1234", Email: "pubsub@project.iam.gserviceaccount.com", Verified: true}
	ctx = WithPrincipal(ctx, p)

	got, ok := GetPrincipal(ctx)
	if !ok || got != p {
		t.Errorf("GetPrincipal() = (%+v, %v), want (%+v, true)", got, ok, p)
	}
}

func TestRequestIDContextRoundTrip(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-1")
	if got := GetRequestID(ctx); got != "req-1" {
		t.Errorf("GetRequestID() = %q, want req-1", got)
	}
	if got := GetRequestID(context.Background()); got != "" {
		t.Errorf("GetRequestID() on empty context = %q, want empty", got)
	}
}
