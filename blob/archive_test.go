package blob

import (
	"context"
	"testing"
)

func TestSignatureKey(t *testing.T) {
	cases := map[string]string{
		"image/png":                "signatures/c-1/s-2.png",
		"image/jpeg":               "signatures/c-1/s-2.jpg",
		"IMAGE/WEBP":               "signatures/c-1/s-2.webp",
		"image/svg+xml; charset=x": "signatures/c-1/s-2.svg",
		"image/x-unknown":          "signatures/c-1/s-2.img",
	}
	for contentType, want := range cases {
		if got := SignatureKey("c-1", "s-2", contentType); got != want {
			t.Errorf("%s: key = %q, want %q", contentType, got, want)
		}
	}
}

func TestMemoryArchive_PutGet(t *testing.T) {
	a := NewMemoryArchive()
	data := []byte{0x89, 'P', 'N', 'G'}
	if err := a.Put(context.Background(), "k", data, "image/png"); err != nil {
		t.Fatalf("put: %v", err)
	}
	data[0] = 0
	got, err := a.Get(context.Background(), "k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got[0] != 0x89 {
		t.Fatal("expected archive to keep its own copy")
	}
	if _, err := a.Get(context.Background(), "missing"); err == nil {
		t.Fatal("expected error for missing key")
	}
}

func TestNewMinioArchive_RequiresBucket(t *testing.T) {
	if _, err := NewMinioArchive(MinioConfig{Endpoint: "localhost:9000"}); err == nil {
		t.Fatal("expected error without bucket")
	}
}
