package identity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

const testDID = "did:plc:alpha0000000000000000000"

func newDirectoryServer(t *testing.T, handler http.HandlerFunc) *Resolver {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewResolver(ResolverConfig{PLCDirectoryURL: server.URL})
}

func TestResolveHandleFromDirectoryDocument(t *testing.T) {
	var requestedPath string
	resolver := newDirectoryServer(t, func(w http.ResponseWriter, r *http.Request) {
		requestedPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "` + testDID + `",
			"alsoKnownAs": ["at://robin.example.com", "https://robin.example.com"]
		}`))
	})

	handle, ok := resolver.ResolveHandle(context.Background(), testDID)
	if !ok {
		t.Fatalf("expected handle to resolve")
	}
	if handle != "robin.example.com" {
		t.Fatalf("unexpected handle: %s", handle)
	}
	if requestedPath != "/"+testDID {
		t.Fatalf("unexpected document path: %s", requestedPath)
	}
}

func TestResolveHandleSkipsNonHandleAliases(t *testing.T) {
	resolver := newDirectoryServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"id": "` + testDID + `",
			"alsoKnownAs": ["https://robin.example.com", "at://robin.example.com"]
		}`))
	})

	handle, ok := resolver.ResolveHandle(context.Background(), testDID)
	if !ok || handle != "robin.example.com" {
		t.Fatalf("expected first at:// alias, got %q ok=%v", handle, ok)
	}
}

func TestResolveHandleNoAliases(t *testing.T) {
	resolver := newDirectoryServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id": "` + testDID + `", "alsoKnownAs": []}`))
	})

	if _, ok := resolver.ResolveHandle(context.Background(), testDID); ok {
		t.Fatalf("expected no handle without at:// aliases")
	}
}

func TestResolveHandleDirectoryError(t *testing.T) {
	resolver := newDirectoryServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal error", http.StatusInternalServerError)
	})

	if _, ok := resolver.ResolveHandle(context.Background(), testDID); ok {
		t.Fatalf("expected failure on directory error")
	}
}

func TestResolveHandleMalformedDocument(t *testing.T) {
	resolver := newDirectoryServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{not json`))
	})

	if _, ok := resolver.ResolveHandle(context.Background(), testDID); ok {
		t.Fatalf("expected failure on malformed document")
	}
}

func TestResolveHandleInvalidDID(t *testing.T) {
	resolver := NewResolver(ResolverConfig{})

	if _, ok := resolver.ResolveHandle(context.Background(), "not-a-did"); ok {
		t.Fatalf("expected failure for invalid did")
	}
}

func TestResolveHandleUnsupportedMethod(t *testing.T) {
	resolver := NewResolver(ResolverConfig{})

	if _, ok := resolver.ResolveHandle(context.Background(), "did:key:zQ3shtxV"); ok {
		t.Fatalf("expected failure for unsupported did method")
	}
}
