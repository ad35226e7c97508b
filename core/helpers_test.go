package core

import (
	"fmt"
	"strings"
	"testing"
)

// signUp registers an account and completes profile setup for the given
// display name, using name@test.com as the email.
func signUp(f *StoreFixture, name string) *Session {
	email := fmt.Sprintf("%s@test.com", strings.ToLower(name))
	session, err := f.auth.Register(f.ctx, email, "password")
	if err != nil {
		f.t.Fatal(err)
	}
	if err := f.auth.SetupProfile(f.ctx, session, name, "", ""); err != nil {
		f.t.Fatal(err)
	}
	return session
}

func newSynchronizer(f *StoreFixture, session *Session) *Synchronizer {
	s := NewSynchronizer(f.store, f.blobs, f.tasks, discardLogger(), session)
	if err := s.Start(f.ctx); err != nil {
		f.t.Fatal(err)
	}
	f.t.Cleanup(s.Close)
	return s
}

func mustCreateRoom(f *StoreFixture, s *Synchronizer, name string, isPrivate bool) string {
	id, err := s.CreateRoom(f.ctx, name, "", isPrivate)
	if err != nil {
		f.t.Fatal(err)
	}
	return id
}

func mustGet(f *StoreFixture, path string) Snapshot {
	snap, err := f.store.Get(f.ctx, path)
	if err != nil {
		f.t.Fatal(err)
	}
	return snap
}

func seedMessages(f *StoreFixture, t *testing.T, roomID string, messages ...Message) []string {
	ids := make([]string, 0, len(messages))
	for _, m := range messages {
		id, err := f.store.Push(f.ctx, JoinPath("messages", roomID), &m)
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}
	return ids
}
