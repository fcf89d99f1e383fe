package storage

import (
	"context"
	"reflect"
	"testing"
)

func TestLocalStoreSaveList(t *testing.T) {
	ctx := context.Background()
	store := NewLocalStore(t.TempDir())

	files := []string{
		"complete-audio-chat1/part-000.wav",
		"complete-audio-chat1/part-001.wav",
		"complete-audio-chat2/part-000.wav",
		"sess-1/turn-3-user.wav",
	}
	for _, key := range files {
		if err := store.Save(ctx, key, []byte("RIFF"), "audio/wav"); err != nil {
			t.Fatalf("Save(%s): %v", key, err)
		}
	}

	keys, err := store.List(ctx, "complete-audio-chat1/")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{
		"complete-audio-chat1/part-000.wav",
		"complete-audio-chat1/part-001.wav",
	}
	if !reflect.DeepEqual(keys, want) {
		t.Errorf("List = %v, want %v", keys, want)
	}

	if !store.Exists(ctx, files[0]) {
		t.Error("Exists false for saved key")
	}
	if store.Exists(ctx, "complete-audio-chat9/missing.wav") {
		t.Error("Exists true for missing key")
	}
	if p := store.LocalPath(files[0]); p == "" {
		t.Error("LocalPath empty for saved key")
	}
}

func TestLocalStoreListEmpty(t *testing.T) {
	store := NewLocalStore(t.TempDir())
	keys, err := store.List(context.Background(), "complete-audio-none/")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 0 {
		t.Errorf("List on empty dir = %v", keys)
	}
}
