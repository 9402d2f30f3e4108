package copytrading

import (
	"context"
	"testing"

	"fxengine/internal/domain"
)

type fakeSetReader struct {
	sets map[string][]string
}

func (f *fakeSetReader) SMembers(ctx context.Context, key string) ([]string, error) {
	return f.sets[key], nil
}

func TestActiveFollowersReadsCopyMasterSet(t *testing.T) {
	sp := "sp-1"
	fake := &fakeSetReader{sets: map[string][]string{
		domain.KeyCopyMasterFollowers(sp): {"copy_follower:f1", "copy_follower:f2"},
	}}
	dir := New(fake)

	followers, err := dir.ActiveFollowers(context.Background(), sp)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(followers) != 2 {
		t.Fatalf("expected 2 followers, got %d", len(followers))
	}
}

func TestActiveFollowersEmptyWhenNoRelationship(t *testing.T) {
	dir := New(&fakeSetReader{sets: map[string][]string{}})

	followers, err := dir.ActiveFollowers(context.Background(), "sp-unknown")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(followers) != 0 {
		t.Fatalf("expected no followers, got %d", len(followers))
	}
}
