package media

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"testing"

	"social-publisher/internal/config"
)

type fakeStore struct {
	objects map[string][]byte
	puts    []string
}

func (f *fakeStore) Get(_ context.Context, key string) ([]byte, string, error) {
	b, ok := f.objects[key]
	if !ok {
		return nil, "", fmt.Errorf("no such key %s", key)
	}
	return b, "image/png", nil
}

func (f *fakeStore) Put(_ context.Context, key string, body []byte, _ string) error {
	f.objects[key] = body
	f.puts = append(f.puts, key)
	return nil
}

func (f *fakeStore) PublicURL(key string) string { return "https://cdn.example.com/" + key }

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func TestResolvePassThroughURL(t *testing.T) {
	r := &Resolver{cfg: config.Config{}}
	url, err := r.Resolve(context.Background(), "https://example.com/pic.jpg")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if url != "https://example.com/pic.jpg" {
		t.Fatalf("unexpected url %q", url)
	}
}

func TestResolveEmptyRef(t *testing.T) {
	r := &Resolver{cfg: config.Config{}}
	url, err := r.Resolve(context.Background(), "")
	if err != nil || url != "" {
		t.Fatalf("expected empty url, got %q err=%v", url, err)
	}
}

func TestResolveSmallImageKeepsOriginalKey(t *testing.T) {
	fs := &fakeStore{objects: map[string][]byte{"posts/a.png": encodePNG(t, 100, 100)}}
	r := &Resolver{cfg: config.Config{MediaMaxWidth: 1080}, store: fs}

	url, err := r.Resolve(context.Background(), "posts/a.png")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if url != "https://cdn.example.com/posts/a.png" {
		t.Fatalf("unexpected url %q", url)
	}
	if len(fs.puts) != 0 {
		t.Fatalf("small image should not be re-uploaded, puts=%v", fs.puts)
	}
}

func TestResolveOversizedImageIsDownscaled(t *testing.T) {
	fs := &fakeStore{objects: map[string][]byte{"posts/big.png": encodePNG(t, 64, 32)}}
	r := &Resolver{cfg: config.Config{MediaMaxWidth: 16}, store: fs}

	url, err := r.Resolve(context.Background(), "posts/big.png")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if url != "https://cdn.example.com/posts/big_w16.png" {
		t.Fatalf("unexpected url %q", url)
	}
	derived, ok := fs.objects["posts/big_w16.png"]
	if !ok {
		t.Fatal("derived object not uploaded")
	}
	img, _, err := image.Decode(bytes.NewReader(derived))
	if err != nil {
		t.Fatalf("decode derived: %v", err)
	}
	if img.Bounds().Dx() != 16 {
		t.Fatalf("derived width = %d, want 16", img.Bounds().Dx())
	}
}

func TestResolveKeyWithoutBucket(t *testing.T) {
	r := &Resolver{cfg: config.Config{}}
	if _, err := r.Resolve(context.Background(), "posts/a.png"); err == nil {
		t.Fatal("expected error for storage key without configured bucket")
	}
}
