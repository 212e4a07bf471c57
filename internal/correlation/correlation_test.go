package correlation

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestMiddlewarePropagatesHeader(t *testing.T) {
	var seen string
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = FromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(Header, "corr-42")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if seen != "corr-42" {
		t.Fatalf("expected corr-42 in context, got %q", seen)
	}
	if got := rec.Header().Get(Header); got != "corr-42" {
		t.Fatalf("expected response header corr-42, got %q", got)
	}
}

func TestMiddlewareGeneratesMissingID(t *testing.T) {
	var seen string
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = FromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if seen == "" {
		t.Fatal("expected generated correlation id")
	}
	if rec.Header().Get(Header) != seen {
		t.Fatalf("response header %q differs from context %q", rec.Header().Get(Header), seen)
	}
}

func TestEnsureKeepsExisting(t *testing.T) {
	ctx, id := Ensure(WithID(context.Background(), "keep"))
	if id != "keep" || FromContext(ctx) != "keep" {
		t.Fatalf("expected existing id to be kept, got %q", id)
	}

	_, generated := Ensure(context.Background())
	if generated == "" {
		t.Fatal("expected generated id")
	}
}
