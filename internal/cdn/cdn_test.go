package cdn

import (
	"context"
	"testing"
)

func TestDirectBuilderJoinsAndEscapesKey(t *testing.T) {
	b := NewDirectBuilder("https://assets.gatekeeper.example/")
	got, err := b.URL(context.Background(), "manifests/cats and dogs/1.png")
	if err != nil {
		t.Fatalf("URL: %v", err)
	}
	want := "https://assets.gatekeeper.example/manifests%2Fcats%20and%20dogs%2F1.png"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
