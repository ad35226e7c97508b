package core

import (
	"fmt"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateRoomAndJoin(t *testing.T) {

	t.Run("created room is immediately joinable", func(t *testing.T) {
		f := NewStoreFixture(t)
		defer f.tearDown()

		alice := signUp(f, "Alice")
		bob := signUp(f, "Bob")
		aliceSync := newSynchronizer(f, alice)
		bobSync := newSynchronizer(f, bob)

		roomID := mustCreateRoom(f, aliceSync, "Test", false)
		require.NotEmpty(t, roomID)

		room, err := bobSync.JoinRoom(f.ctx, roomID)
		require.Nil(t, err)
		assert.Equal(t, roomID, room.ID)
		assert.True(t, room.HasMember(alice.UID), "creator must already be a member")
		assert.True(t, room.HasMember(bob.UID))
	})

	t.Run("room codes are prefixed and drawn from the code alphabet", func(t *testing.T) {
		f := NewStoreFixture(t)
		defer f.tearDown()

		alice := signUp(f, "Alice")
		aliceSync := newSynchronizer(f, alice)

		codeShape := regexp.MustCompile(`^CW-[A-Z0-9]{5}$`)
		for i := 0; i < 3; i++ {
			roomID := mustCreateRoom(f, aliceSync, fmt.Sprintf("Room %d", i), false)

			var room Room
			require.Nil(t, mustGet(f, JoinPath("rooms", roomID)).Decode(&room))
			assert.Regexp(t, codeShape, room.RoomCode)

			var indexed string
			require.Nil(t, mustGet(f, JoinPath("roomCodes", room.RoomCode)).Decode(&indexed))
			assert.Equal(t, roomID, indexed)
		}
	})

	t.Run("join by code and by id resolve the same room", func(t *testing.T) {
		f := NewStoreFixture(t)
		defer f.tearDown()

		alice := signUp(f, "Alice")
		bob := signUp(f, "Bob")
		aliceSync := newSynchronizer(f, alice)
		bobSync := newSynchronizer(f, bob)

		roomID := mustCreateRoom(f, aliceSync, "Test", false)

		var created Room
		require.Nil(t, mustGet(f, JoinPath("rooms", roomID)).Decode(&created))
		require.True(t, strings.HasPrefix(created.RoomCode, "CW-"))

		byCode, err := bobSync.JoinRoom(f.ctx, created.RoomCode)
		require.Nil(t, err)
		byID, err := bobSync.JoinRoom(f.ctx, roomID)
		require.Nil(t, err)
		assert.Equal(t, byID.ID, byCode.ID)
	})

	t.Run("unknown room", func(t *testing.T) {
		f := NewStoreFixture(t)
		defer f.tearDown()

		alice := signUp(f, "Alice")
		aliceSync := newSynchronizer(f, alice)

		_, err := aliceSync.JoinRoom(f.ctx, "CW-ZZZZ")
		assert.ErrorIs(t, err, ErrRoomNotFound)
	})

	t.Run("private room rejects non-members without writing", func(t *testing.T) {
		f := NewStoreFixture(t)
		defer f.tearDown()

		alice := signUp(f, "Alice")
		bob := signUp(f, "Bob")
		aliceSync := newSynchronizer(f, alice)
		bobSync := newSynchronizer(f, bob)

		roomID := mustCreateRoom(f, aliceSync, "Secret", true)

		_, err := bobSync.JoinRoom(f.ctx, roomID)
		require.ErrorIs(t, err, ErrPrivateRoom)

		assert.False(t, mustGet(f, JoinPath("rooms", roomID, "members", bob.UID)).Exists())
		assert.False(t, mustGet(f, JoinPath("userRooms", bob.UID, roomID)).Exists())
	})

	t.Run("private room admits existing members", func(t *testing.T) {
		f := NewStoreFixture(t)
		defer f.tearDown()

		alice := signUp(f, "Alice")
		aliceSync := newSynchronizer(f, alice)

		roomID := mustCreateRoom(f, aliceSync, "Secret", true)

		room, err := aliceSync.JoinRoom(f.ctx, roomID)
		require.Nil(t, err)
		assert.Equal(t, roomID, room.ID)
	})
}

func TestRoomsProjection(t *testing.T) {
	f := NewStoreFixture(t)
	defer f.tearDown()

	alice := signUp(f, "Alice")
	aliceSync := newSynchronizer(f, alice)

	mustCreateRoom(f, aliceSync, "General", false)
	mustCreateRoom(f, aliceSync, "Random", false)

	require.Eventually(t, func() bool {
		return len(aliceSync.Rooms()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	rooms := aliceSync.Rooms()
	names := []string{rooms[0].Name, rooms[1].Name}
	assert.Contains(t, names, "General")
	assert.Contains(t, names, "Random")
	for _, room := range rooms {
		assert.NotEmpty(t, room.ID)
		assert.True(t, room.HasMember(alice.UID))
	}
}

func TestSendMessage(t *testing.T) {

	t.Run("text message lands in the projection", func(t *testing.T) {
		f := NewStoreFixture(t)
		defer f.tearDown()

		alice := signUp(f, "Alice")
		aliceSync := newSynchronizer(f, alice)

		roomID := mustCreateRoom(f, aliceSync, "General", false)
		_, err := aliceSync.JoinRoom(f.ctx, roomID)
		require.Nil(t, err)

		sent, err := aliceSync.SendMessage(f.ctx, "hello")
		require.Nil(t, err)
		require.NotEmpty(t, sent.ID)
		assert.Contains(t, sent.ReadBy, alice.UID)

		require.Eventually(t, func() bool {
			messages := aliceSync.Messages()
			return len(messages) == 1 && messages[0].Text == "hello"
		}, 2*time.Second, 10*time.Millisecond)

		messages := aliceSync.Messages()
		assert.Equal(t, alice.UID, messages[0].SenderID)
		assert.Equal(t, "Alice", messages[0].SenderName)
		assert.Contains(t, messages[0].ReadBy, alice.UID)
	})

	t.Run("send updates the room summary", func(t *testing.T) {
		f := NewStoreFixture(t)
		defer f.tearDown()

		alice := signUp(f, "Alice")
		aliceSync := newSynchronizer(f, alice)

		roomID := mustCreateRoom(f, aliceSync, "General", false)
		_, err := aliceSync.JoinRoom(f.ctx, roomID)
		require.Nil(t, err)

		long := strings.Repeat("x", 40)
		_, err = aliceSync.SendMessage(f.ctx, long)
		require.Nil(t, err)

		var room Room
		require.Nil(t, mustGet(f, JoinPath("rooms", roomID)).Decode(&room))
		require.NotNil(t, room.LastMessage)
		assert.Equal(t, strings.Repeat("x", 27)+"...", room.LastMessage.Text)
		assert.Equal(t, alice.UID, room.LastMessage.SenderID)
	})

	t.Run("send without an active room", func(t *testing.T) {
		f := NewStoreFixture(t)
		defer f.tearDown()

		alice := signUp(f, "Alice")
		aliceSync := newSynchronizer(f, alice)

		_, err := aliceSync.SendMessage(f.ctx, "hello")
		assert.ErrorIs(t, err, ErrNoActiveRoom)
	})

	t.Run("image message stores the blob first", func(t *testing.T) {
		f := NewStoreFixture(t)
		defer f.tearDown()

		alice := signUp(f, "Alice")
		aliceSync := newSynchronizer(f, alice)

		roomID := mustCreateRoom(f, aliceSync, "General", false)
		_, err := aliceSync.JoinRoom(f.ctx, roomID)
		require.Nil(t, err)

		sent, err := aliceSync.SendImageMessage(f.ctx, []byte("png-bytes"), "image/png")
		require.Nil(t, err)
		require.NotEmpty(t, sent.ImageURL)
		assert.Empty(t, sent.Text)
		assert.Equal(t, ImageMessage, sent.Kind())

		blob, err := f.blobs.Open(f.ctx, sent.ImageURL[len("/api/blobs/"):])
		require.Nil(t, err)
		assert.Equal(t, []byte("png-bytes"), blob.Data)

		var room Room
		require.Nil(t, mustGet(f, JoinPath("rooms", roomID)).Decode(&room))
		require.NotNil(t, room.LastMessage)
		assert.Equal(t, "📷 Image", room.LastMessage.Text)
	})

	t.Run("audio message summary", func(t *testing.T) {
		f := NewStoreFixture(t)
		defer f.tearDown()

		alice := signUp(f, "Alice")
		aliceSync := newSynchronizer(f, alice)

		roomID := mustCreateRoom(f, aliceSync, "General", false)
		_, err := aliceSync.JoinRoom(f.ctx, roomID)
		require.Nil(t, err)

		sent, err := aliceSync.SendAudioMessage(f.ctx, []byte("opus-bytes"), "webm")
		require.Nil(t, err)
		require.NotEmpty(t, sent.AudioURL)
		assert.Equal(t, AudioMessage, sent.Kind())

		var room Room
		require.Nil(t, mustGet(f, JoinPath("rooms", roomID)).Decode(&room))
		require.NotNil(t, room.LastMessage)
		assert.Equal(t, "🎤 Voice message", room.LastMessage.Text)
	})
}

func TestMessageOrdering(t *testing.T) {
	f := NewStoreFixture(t)
	defer f.tearDown()

	alice := signUp(f, "Alice")
	aliceSync := newSynchronizer(f, alice)

	roomID := mustCreateRoom(f, aliceSync, "General", false)

	// seed out of order
	seedMessages(f, t, roomID,
		Message{SenderID: alice.UID, Text: "third", Timestamp: 3000, ReadBy: []string{alice.UID}},
		Message{SenderID: alice.UID, Text: "first", Timestamp: 1000, ReadBy: []string{alice.UID}},
		Message{SenderID: alice.UID, Text: "second", Timestamp: 2000, ReadBy: []string{alice.UID}},
	)

	_, err := aliceSync.JoinRoom(f.ctx, roomID)
	require.Nil(t, err)

	require.Eventually(t, func() bool {
		return len(aliceSync.Messages()) == 3
	}, 2*time.Second, 10*time.Millisecond)

	messages := aliceSync.Messages()
	for i := 1; i < len(messages); i++ {
		assert.LessOrEqual(t, messages[i-1].Timestamp, messages[i].Timestamp)
	}
	assert.Equal(t, "first", messages[0].Text)
	assert.Equal(t, "second", messages[1].Text)
	assert.Equal(t, "third", messages[2].Text)
}

func TestReadReceipts(t *testing.T) {

	t.Run("activating a room marks foreign messages read", func(t *testing.T) {
		f := NewStoreFixture(t)
		defer f.tearDown()

		alice := signUp(f, "Alice")
		bob := signUp(f, "Bob")
		aliceSync := newSynchronizer(f, alice)
		bobSync := newSynchronizer(f, bob)

		roomID := mustCreateRoom(f, aliceSync, "General", false)
		_, err := aliceSync.JoinRoom(f.ctx, roomID)
		require.Nil(t, err)
		sent, err := aliceSync.SendMessage(f.ctx, "hello")
		require.Nil(t, err)

		_, err = bobSync.JoinRoom(f.ctx, roomID)
		require.Nil(t, err)

		path := JoinPath("messages", roomID, sent.ID)
		require.Eventually(t, func() bool {
			var message Message
			snap := mustGet(f, path)
			if !snap.Exists() || snap.Decode(&message) != nil {
				return false
			}
			return message.HasReader(bob.UID)
		}, 2*time.Second, 10*time.Millisecond)

		var message Message
		require.Nil(t, mustGet(f, path).Decode(&message))
		assert.Contains(t, message.ReadBy, alice.UID)
		assert.Contains(t, message.ReadBy, bob.UID)
	})

	t.Run("marking is idempotent across re-activation", func(t *testing.T) {
		f := NewStoreFixture(t)
		defer f.tearDown()

		alice := signUp(f, "Alice")
		bob := signUp(f, "Bob")
		aliceSync := newSynchronizer(f, alice)
		bobSync := newSynchronizer(f, bob)

		roomID := mustCreateRoom(f, aliceSync, "General", false)
		_, err := aliceSync.JoinRoom(f.ctx, roomID)
		require.Nil(t, err)
		sent, err := aliceSync.SendMessage(f.ctx, "hello")
		require.Nil(t, err)

		path := JoinPath("messages", roomID, sent.ID)
		read := func() []string {
			var message Message
			snap := mustGet(f, path)
			if !snap.Exists() || snap.Decode(&message) != nil {
				return nil
			}
			return message.ReadBy
		}

		_, err = bobSync.JoinRoom(f.ctx, roomID)
		require.Nil(t, err)
		require.Eventually(t, func() bool {
			return len(read()) == 2
		}, 2*time.Second, 10*time.Millisecond)

		// leave and re-enter the room, then give the runner time to flush
		require.Nil(t, bobSync.SetActiveRoom(nil))
		_, err = bobSync.JoinRoom(f.ctx, roomID)
		require.Nil(t, err)

		require.Eventually(t, func() bool {
			return len(bobSync.Messages()) == 1
		}, 2*time.Second, 10*time.Millisecond)
		time.Sleep(100 * time.Millisecond)

		assert.Len(t, read(), 2)
	})
}

func TestSetActiveRoom(t *testing.T) {

	t.Run("switching rooms swaps the projection", func(t *testing.T) {
		f := NewStoreFixture(t)
		defer f.tearDown()

		alice := signUp(f, "Alice")
		aliceSync := newSynchronizer(f, alice)

		first := mustCreateRoom(f, aliceSync, "First", false)
		second := mustCreateRoom(f, aliceSync, "Second", false)

		seedMessages(f, t, first,
			Message{SenderID: alice.UID, Text: "in first", Timestamp: 1000, ReadBy: []string{alice.UID}})
		seedMessages(f, t, second,
			Message{SenderID: alice.UID, Text: "in second", Timestamp: 2000, ReadBy: []string{alice.UID}})

		_, err := aliceSync.JoinRoom(f.ctx, first)
		require.Nil(t, err)
		require.Eventually(t, func() bool {
			messages := aliceSync.Messages()
			return len(messages) == 1 && messages[0].Text == "in first"
		}, 2*time.Second, 10*time.Millisecond)

		_, err = aliceSync.JoinRoom(f.ctx, second)
		require.Nil(t, err)
		require.Eventually(t, func() bool {
			messages := aliceSync.Messages()
			return len(messages) == 1 && messages[0].Text == "in second"
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("late writes to the previous room never reach the projection", func(t *testing.T) {
		f := NewStoreFixture(t)
		defer f.tearDown()

		alice := signUp(f, "Alice")
		aliceSync := newSynchronizer(f, alice)

		first := mustCreateRoom(f, aliceSync, "First", false)
		second := mustCreateRoom(f, aliceSync, "Second", false)

		for i := 0; i < 50; i++ {
			_, err := aliceSync.JoinRoom(f.ctx, first)
			require.Nil(t, err)
			_, err = aliceSync.JoinRoom(f.ctx, second)
			require.Nil(t, err)

			// the old watcher may still be registered at this point
			seedMessages(f, t, first,
				Message{SenderID: alice.UID, Text: "from first", Timestamp: int64(1000 + i), ReadBy: []string{alice.UID}})

			sent, err := aliceSync.SendMessage(f.ctx, fmt.Sprintf("from second %d", i))
			require.Nil(t, err)
			require.Eventually(t, func() bool {
				for _, message := range aliceSync.Messages() {
					if message.ID == sent.ID {
						return true
					}
				}
				return false
			}, 2*time.Second, time.Millisecond)

			for _, message := range aliceSync.Messages() {
				require.NotEqual(t, "from first", message.Text,
					"projection for %q holds a message that belongs to another room", "Second")
			}
		}
	})

	t.Run("nil deactivates and clears messages", func(t *testing.T) {
		f := NewStoreFixture(t)
		defer f.tearDown()

		alice := signUp(f, "Alice")
		aliceSync := newSynchronizer(f, alice)

		roomID := mustCreateRoom(f, aliceSync, "General", false)
		_, err := aliceSync.JoinRoom(f.ctx, roomID)
		require.Nil(t, err)

		require.Nil(t, aliceSync.SetActiveRoom(nil))
		assert.Nil(t, aliceSync.ActiveRoom())
		assert.Empty(t, aliceSync.Messages())

		_, err = aliceSync.SendMessage(f.ctx, "hello")
		assert.ErrorIs(t, err, ErrNoActiveRoom)
	})
}

func TestDirectChatsProjection(t *testing.T) {

	t.Run("joins peer profiles", func(t *testing.T) {
		f := NewStoreFixture(t)
		defer f.tearDown()

		alice := signUp(f, "Alice")
		bob := signUp(f, "Bob")

		ref := directChatRef{
			UserID: bob.UID,
			LastMessage: &LastMessage{
				Text:      "hey",
				SenderID:  bob.UID,
				Timestamp: 1000,
			},
		}
		require.Nil(t, f.store.Set(f.ctx, JoinPath("directChats", alice.UID, "dc1"), ref))

		aliceSync := newSynchronizer(f, alice)

		require.Eventually(t, func() bool {
			return len(aliceSync.DirectChats()) == 1
		}, 2*time.Second, 10*time.Millisecond)

		chats := aliceSync.DirectChats()
		assert.Equal(t, "dc1", chats[0].ID)
		assert.Equal(t, bob.UID, chats[0].UserID)
		assert.Equal(t, "Bob", chats[0].UserDisplayName)
		require.NotNil(t, chats[0].LastMessage)
		assert.Equal(t, "hey", chats[0].LastMessage.Text)
	})

	t.Run("drops entries whose peer has no profile", func(t *testing.T) {
		f := NewStoreFixture(t)
		defer f.tearDown()

		alice := signUp(f, "Alice")
		bob := signUp(f, "Bob")

		require.Nil(t, f.store.Set(f.ctx, JoinPath("directChats", alice.UID, "dc1"),
			directChatRef{UserID: bob.UID}))
		require.Nil(t, f.store.Set(f.ctx, JoinPath("directChats", alice.UID, "dc2"),
			directChatRef{UserID: "ghost"}))

		aliceSync := newSynchronizer(f, alice)

		require.Eventually(t, func() bool {
			chats := aliceSync.DirectChats()
			return len(chats) == 1 && chats[0].UserID == bob.UID
		}, 2*time.Second, 10*time.Millisecond)
	})
}

func TestSynchronizerRequiresSession(t *testing.T) {
	f := NewStoreFixture(t)
	defer f.tearDown()

	s := NewSynchronizer(f.store, f.blobs, f.tasks, discardLogger(), nil)
	assert.ErrorIs(t, s.Start(f.ctx), ErrUnauthenticated)
	_, err := s.CreateRoom(f.ctx, "Test", "", false)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}
