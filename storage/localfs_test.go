package storage

import (
	"context"
	"os"
	"strings"
	"testing"
)

func TestLocalStoreUpload(t *testing.T) {
	store := NewLocalStore(t.TempDir())

	ref, err := store.Upload(context.Background(), []byte("pdf-bytes"), "contrato.PDF")
	if err != nil {
		t.Fatalf("Upload() error: %v", err)
	}
	if !strings.HasSuffix(ref, ".pdf") {
		t.Fatalf("ref = %q, want lowercased extension", ref)
	}
	content, err := os.ReadFile(ref)
	if err != nil || string(content) != "pdf-bytes" {
		t.Fatalf("stored content = %q, %v", content, err)
	}

	// Same content resolves to the same reference.
	again, err := store.Upload(context.Background(), []byte("pdf-bytes"), "contrato.PDF")
	if err != nil || again != ref {
		t.Fatalf("Upload() again = %q, %v; want %q", again, err, ref)
	}
}

func TestLocalStoreUploadRejectsEmpty(t *testing.T) {
	store := NewLocalStore(t.TempDir())
	if _, err := store.Upload(context.Background(), nil, "x.pdf"); err == nil {
		t.Fatal("Upload(empty) = nil error, want error")
	}
}
