package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestGRPCTarget(t *testing.T) {
	tests := []struct {
		name     string
		urlStr   string
		wantErr  bool
		wantHost string
		wantPort int
		wantTLS  bool
	}{
		{
			name:     "valid URL",
			urlStr:   "http://localhost:6333",
			wantHost: "localhost",
			wantPort: 6334, // gRPC port is HTTP port + 1
		},
		{
			name:     "URL with custom port",
			urlStr:   "http://qdrant:9000",
			wantHost: "qdrant",
			wantPort: 9001,
		},
		{
			name:    "invalid URL",
			urlStr:  "://invalid",
			wantErr: true,
		},
		{
			name:     "URL without port",
			urlStr:   "http://localhost",
			wantHost: "localhost",
			wantPort: 6334, // Default
		},
		{
			name:     "URL without hostname",
			urlStr:   "http://:6333",
			wantHost: "localhost",
			wantPort: 6334,
		},
		{
			name:     "https enables TLS",
			urlStr:   "https://cloud.example.com:6333",
			wantHost: "cloud.example.com",
			wantPort: 6334,
			wantTLS:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host, port, useTLS, err := grpcTarget(tt.urlStr)
			if tt.wantErr {
				if err == nil {
					t.Error("grpcTarget() should fail for invalid URL")
				}
				return
			}
			if err != nil {
				t.Fatalf("grpcTarget() error = %v", err)
			}
			if host != tt.wantHost {
				t.Errorf("Host = %v, want %v", host, tt.wantHost)
			}
			if port != tt.wantPort {
				t.Errorf("Port = %v, want %v", port, tt.wantPort)
			}
			if useTLS != tt.wantTLS {
				t.Errorf("UseTLS = %v, want %v", useTLS, tt.wantTLS)
			}
		})
	}
}

func TestNewQdrantStore_InvalidURL(t *testing.T) {
	_, err := NewQdrantStore("://invalid", "")
	if err == nil {
		t.Error("NewQdrantStore() with invalid URL should return error")
	}
}

func TestQdrantStore_Upsert_EmptyPoints(t *testing.T) {
	// Returns before touching the client
	store := &QdrantStore{}

	err := store.Upsert(context.Background(), "test-collection", []Point{})
	if err != nil {
		t.Errorf("Upsert() with empty points should return early without error, got: %v", err)
	}
}

func TestClassify(t *testing.T) {
	notFound := status.Error(codes.NotFound, "Collection `x` not found")
	if err := classify(fmt.Errorf("Upsert() failed: %w", notFound), "x"); !errors.Is(err, ErrCollectionNotFound) {
		t.Errorf("classify(NotFound) = %v, want ErrCollectionNotFound", err)
	}

	unavailable := status.Error(codes.Unavailable, "connection refused")
	if err := classify(unavailable, "x"); errors.Is(err, ErrCollectionNotFound) {
		t.Errorf("classify(Unavailable) = %v, should not be ErrCollectionNotFound", err)
	}

	if classify(nil, "x") != nil {
		t.Error("classify(nil) should be nil")
	}
}

func TestNormalizePayload(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("X", 3600))
	got := normalizePayload(map[string]any{
		"roles":   []string{"user", "assistant"},
		"at":      ts,
		"missing": time.Time{},
		"seq":     3,
		"nested":  map[string]any{"tools": []string{"Bash"}},
	})

	roles, ok := got["roles"].([]any)
	if !ok || len(roles) != 2 || roles[0] != "user" {
		t.Errorf("roles = %#v", got["roles"])
	}
	if got["at"] != "2026-03-01T11:00:00Z" {
		t.Errorf("at = %v", got["at"])
	}
	if _, ok := got["missing"]; ok {
		t.Error("zero time should be dropped")
	}
	if got["seq"] != 3 {
		t.Errorf("seq = %v", got["seq"])
	}
	nested := got["nested"].(map[string]any)
	if _, ok := nested["tools"].([]any); !ok {
		t.Errorf("nested tools = %#v", nested["tools"])
	}
}

func TestPointID(t *testing.T) {
	a := PointID("conv123#0")
	if a != PointID("conv123#0") {
		t.Error("PointID should be deterministic")
	}
	if a == PointID("conv123#1") {
		t.Error("different keys should map to different ids")
	}
	if len(a) != 36 || a[14] != '5' {
		t.Errorf("PointID() = %s, want a version 5 UUID", a)
	}
}

func TestCollectionNamer(t *testing.T) {
	single := CollectionNamer{Mode: ModeSingle, Name: "conversations"}
	if got := single.For("anything"); got != "conversations" {
		t.Errorf("single For() = %s", got)
	}

	perProject := CollectionNamer{Mode: ModeProject, Prefix: "conv", Backend: "local"}
	a := perProject.For("-home-me-proj")
	if a != perProject.For("-home-me-proj") {
		t.Error("collection name should be stable")
	}
	if a == perProject.For("other") {
		t.Error("projects should map to different collections")
	}
	if len(a) != len("conv_")+8+len("_local") {
		t.Errorf("unexpected collection name %q", a)
	}

	remote := CollectionNamer{Mode: ModeProject, Prefix: "conv", Backend: "Remote:Text"}
	if got := remote.For("-home-me-proj"); got[len(got)-12:] != "_remote_text" {
		t.Errorf("backend tag not sanitized: %q", got)
	}
}
