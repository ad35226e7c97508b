package core

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jaevor/go-nanoid"
)

const (
	roomCodePrefix   = "CW-"
	roomCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	// roomCodeLength must be at least 5: nanoid sizes its entropy buffer as
	// (length/5)*8 bytes, so shorter codes never fill the buffer.
	roomCodeLength = 5
)

var newRoomCode = mustRoomCodeGenerator()

func mustRoomCodeGenerator() func() string {
	gen, err := nanoid.CustomASCII(roomCodeAlphabet, roomCodeLength)
	if err != nil {
		panic(fmt.Sprintf("room code generator: %v", err))
	}
	return gen
}

var errNotStarted = errors.New("synchronizer not started")

// Synchronizer keeps a signed-in session's view of the store current: it
// subscribes to the session's room index, direct chats and the active room's
// messages, projects the snapshots into ordered lists, and writes room and
// message mutations back.
//
// At most one room is active per synchronizer; activating a room tears down
// the previous message subscription. Projections are handed to the
// registered callbacks from the synchronizer's watch goroutines.
type Synchronizer struct {
	store  Store
	blobs  BlobStore
	tasks  *TaskRunner
	logger *slog.Logger

	mu             sync.Mutex
	session        *Session
	ctx            context.Context
	cancel         context.CancelFunc
	activeRoom     *Room
	cancelMessages context.CancelFunc

	rooms       []Room
	messages    []Message
	directChats []DirectChat

	onRooms       func([]Room)
	onMessages    func([]Message)
	onDirectChats func([]DirectChat)

	wg sync.WaitGroup
}

func NewSynchronizer(store Store, blobs BlobStore, tasks *TaskRunner, logger *slog.Logger, session *Session) *Synchronizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Synchronizer{
		store:   store,
		blobs:   blobs,
		tasks:   tasks,
		logger:  logger,
		session: session,
	}
}

// OnRooms registers the room projection callback. Register before Start.
func (s *Synchronizer) OnRooms(f func([]Room)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRooms = f
}

func (s *Synchronizer) OnMessages(f func([]Message)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onMessages = f
}

func (s *Synchronizer) OnDirectChats(f func([]DirectChat)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDirectChats = f
}

// Start opens the room-index and direct-chat subscriptions for the session.
func (s *Synchronizer) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.ctx != nil {
		s.mu.Unlock()
		return errors.New("synchronizer already started")
	}
	if s.session == nil || s.session.UID == "" {
		s.mu.Unlock()
		return ErrUnauthenticated
	}
	uid := s.session.UID
	sctx, cancel := context.WithCancel(ctx)
	s.ctx = sctx
	s.cancel = cancel
	s.mu.Unlock()

	roomsCh, err := s.store.Watch(sctx, JoinPath("userRooms", uid))
	if err != nil {
		cancel()
		return fmt.Errorf("watch room index: %w", err)
	}
	chatsCh, err := s.store.Watch(sctx, JoinPath("directChats", uid))
	if err != nil {
		cancel()
		return fmt.Errorf("watch direct chats: %w", err)
	}

	s.wg.Add(2)
	go s.roomsLoop(sctx, roomsCh)
	go s.directChatsLoop(sctx, chatsCh)
	return nil
}

// Close tears down all subscriptions and waits for the watch goroutines to
// drain. In-flight best-effort writes are not cancelled.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *Synchronizer) Session() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

func (s *Synchronizer) ActiveRoom() *Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeRoom
}

func (s *Synchronizer) Rooms() []Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rooms
}

func (s *Synchronizer) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messages
}

func (s *Synchronizer) DirectChats() []DirectChat {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.directChats
}

// CreateRoom writes a new room with the caller as sole member, indexes its
// join code and adds it to the caller's room index. The three writes are
// independent; a failure leaves earlier writes in place.
func (s *Synchronizer) CreateRoom(ctx context.Context, name, description string, isPrivate bool) (string, error) {
	session := s.Session()
	if session == nil || session.UID == "" {
		return "", ErrUnauthenticated
	}

	roomID := uuid.New().String()
	code := roomCodePrefix + newRoomCode()
	room := Room{
		Name:        name,
		Description: description,
		IsPrivate:   isPrivate,
		CreatedBy:   session.UID,
		CreatedAt:   nowMillis(),
		RoomCode:    code,
		Members:     map[string]bool{session.UID: true},
	}

	if err := s.store.Set(ctx, JoinPath("rooms", roomID), &room); err != nil {
		return "", fmt.Errorf("write room: %w", err)
	}
	if err := s.store.Set(ctx, JoinPath("roomCodes", code), roomID); err != nil {
		return "", fmt.Errorf("index room code: %w", err)
	}
	if err := s.store.Set(ctx, JoinPath("userRooms", session.UID, roomID), true); err != nil {
		return "", fmt.Errorf("index room: %w", err)
	}

	return roomID, nil
}

// JoinRoom resolves a room by id or join code, adds the caller to its
// membership and room index, and makes it the active room. Joining a
// private room without prior membership fails before any write.
func (s *Synchronizer) JoinRoom(ctx context.Context, roomIDOrCode string) (*Room, error) {
	session := s.Session()
	if session == nil || session.UID == "" {
		return nil, ErrUnauthenticated
	}

	room, err := s.lookupRoom(ctx, roomIDOrCode)
	if err != nil {
		return nil, err
	}
	if room == nil {
		return nil, ErrRoomNotFound
	}
	if room.IsPrivate && !room.HasMember(session.UID) {
		return nil, ErrPrivateRoom
	}

	if err := s.store.Set(ctx, JoinPath("rooms", room.ID, "members", session.UID), true); err != nil {
		return nil, fmt.Errorf("add membership: %w", err)
	}
	if err := s.store.Set(ctx, JoinPath("userRooms", session.UID, room.ID), true); err != nil {
		return nil, fmt.Errorf("index room: %w", err)
	}

	if room.Members == nil {
		room.Members = make(map[string]bool)
	}
	room.Members[session.UID] = true

	if err := s.SetActiveRoom(room); err != nil {
		return nil, err
	}
	return room, nil
}

// lookupRoom resolves by id first, then through the roomCodes index.
// A nil room with a nil error means not found.
func (s *Synchronizer) lookupRoom(ctx context.Context, roomIDOrCode string) (*Room, error) {
	if roomIDOrCode == "" || strings.ContainsRune(roomIDOrCode, '/') {
		return nil, nil
	}

	snap, err := s.store.Get(ctx, JoinPath("rooms", roomIDOrCode))
	if err != nil {
		return nil, fmt.Errorf("Get(room): %w", err)
	}
	roomID := roomIDOrCode

	if !snap.Exists() {
		codeSnap, err := s.store.Get(ctx, JoinPath("roomCodes", roomIDOrCode))
		if err != nil {
			return nil, fmt.Errorf("Get(room code): %w", err)
		}
		if !codeSnap.Exists() {
			return nil, nil
		}
		if err := codeSnap.Decode(&roomID); err != nil {
			return nil, fmt.Errorf("decode room code: %w", err)
		}
		snap, err = s.store.Get(ctx, JoinPath("rooms", roomID))
		if err != nil {
			return nil, fmt.Errorf("Get(room): %w", err)
		}
		if !snap.Exists() {
			return nil, nil
		}
	}

	room := new(Room)
	if err := snap.Decode(room); err != nil {
		return nil, fmt.Errorf("decode room: %w", err)
	}
	room.ID = roomID
	return room, nil
}

// SetActiveRoom switches the message subscription to room. Passing nil
// deactivates. The previous subscription is cancelled; writes already in
// flight against the old room are not.
func (s *Synchronizer) SetActiveRoom(room *Room) error {
	s.mu.Lock()
	if s.ctx == nil {
		s.mu.Unlock()
		return errNotStarted
	}
	if s.cancelMessages != nil {
		s.cancelMessages()
		s.cancelMessages = nil
	}
	s.activeRoom = room
	if room == nil {
		s.mu.Unlock()
		s.setMessages(nil)
		return nil
	}
	mctx, cancel := context.WithCancel(s.ctx)
	s.cancelMessages = cancel
	roomID := room.ID
	s.mu.Unlock()

	ch, err := s.store.Watch(mctx, JoinPath("messages", roomID))
	if err != nil {
		cancel()
		return fmt.Errorf("watch messages: %w", err)
	}
	s.wg.Add(1)
	go s.messagesLoop(mctx, roomID, ch)
	return nil
}

// SendMessage writes a text message to the active room.
func (s *Synchronizer) SendMessage(ctx context.Context, text string) (*Message, error) {
	return s.send(ctx, summarize(text), func(m *Message) {
		m.Text = text
	})
}

// SendImageMessage uploads the image and writes a message referencing it.
func (s *Synchronizer) SendImageMessage(ctx context.Context, data []byte, contentType string) (*Message, error) {
	room := s.ActiveRoom()
	if room == nil {
		return nil, ErrNoActiveRoom
	}
	url, err := s.blobs.Put(ctx, JoinPath("images", room.ID, uuid.New().String()), contentType, data)
	if err != nil {
		return nil, fmt.Errorf("upload image: %w", err)
	}
	return s.send(ctx, "📷 Image", func(m *Message) {
		m.ImageURL = url
	})
}

// SendAudioMessage uploads the voice clip and writes a message referencing
// it. ext is the file extension without the dot; it defaults to webm.
func (s *Synchronizer) SendAudioMessage(ctx context.Context, data []byte, ext string) (*Message, error) {
	room := s.ActiveRoom()
	if room == nil {
		return nil, ErrNoActiveRoom
	}
	if ext == "" {
		ext = "webm"
	}
	contentType := mime.TypeByExtension("." + ext)
	path := JoinPath("audio", room.ID, uuid.New().String()+"."+ext)
	url, err := s.blobs.Put(ctx, path, contentType, data)
	if err != nil {
		return nil, fmt.Errorf("upload audio: %w", err)
	}
	return s.send(ctx, "🎤 Voice message", func(m *Message) {
		m.AudioURL = url
	})
}

// send writes one message with the sender's display fields denormalized at
// write time, then overwrites the room's lastMessage summary. The two writes
// are not atomic; the summary is last-writer-wins.
func (s *Synchronizer) send(ctx context.Context, summary string, setPayload func(*Message)) (*Message, error) {
	s.mu.Lock()
	session := s.session
	room := s.activeRoom
	s.mu.Unlock()

	if session == nil || session.UID == "" {
		return nil, ErrUnauthenticated
	}
	if room == nil {
		return nil, ErrNoActiveRoom
	}

	senderName := session.DisplayName
	if senderName == "" {
		senderName = "Unknown User"
	}

	message := Message{
		RoomID:       room.ID,
		SenderID:     session.UID,
		SenderName:   senderName,
		SenderAvatar: session.PhotoURL,
		Timestamp:    nowMillis(),
		ReadBy:       []string{session.UID},
	}
	setPayload(&message)

	id, err := s.store.Push(ctx, JoinPath("messages", room.ID), &message)
	if err != nil {
		return nil, fmt.Errorf("write message: %w", err)
	}
	message.ID = id

	summaryUpdate := map[string]any{
		"lastMessage": LastMessage{
			Text:       summary,
			SenderID:   session.UID,
			SenderName: senderName,
			Timestamp:  nowMillis(),
		},
	}
	if err := s.store.Update(ctx, JoinPath("rooms", room.ID), summaryUpdate); err != nil {
		// The message itself is already written; there is no rollback.
		return &message, fmt.Errorf("update last message: %w", err)
	}

	return &message, nil
}

func (s *Synchronizer) roomsLoop(ctx context.Context, ch <-chan Snapshot) {
	defer s.wg.Done()
	for snap := range ch {
		s.setRooms(s.resolveRooms(ctx, snap))
	}
}

// resolveRooms expands a room-index snapshot into full room records, sorted
// by last activity descending then name.
func (s *Synchronizer) resolveRooms(ctx context.Context, snap Snapshot) []Room {
	children, err := snap.Children()
	if err != nil {
		s.logger.Error(fmt.Sprintf("decode room index: %v", err))
		return nil
	}

	ids := make([]string, 0, len(children))
	for id := range children {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	rooms := make([]Room, 0, len(ids))
	for _, id := range ids {
		roomSnap, err := s.store.Get(ctx, JoinPath("rooms", id))
		if err != nil {
			s.logger.Error(fmt.Sprintf("resolve room %s: %v", id, err))
			continue
		}
		if !roomSnap.Exists() {
			continue
		}
		var room Room
		if err := roomSnap.Decode(&room); err != nil {
			s.logger.Error(fmt.Sprintf("decode room %s: %v", id, err))
			continue
		}
		room.ID = id
		rooms = append(rooms, room)
	}

	slices.SortStableFunc(rooms, func(a, b Room) int {
		if c := cmp.Compare(lastActivity(&b), lastActivity(&a)); c != 0 {
			return c
		}
		return strings.Compare(a.Name, b.Name)
	})
	return rooms
}

func lastActivity(room *Room) int64 {
	if room.LastMessage != nil {
		return room.LastMessage.Timestamp
	}
	return room.CreatedAt
}

func (s *Synchronizer) directChatsLoop(ctx context.Context, ch <-chan Snapshot) {
	defer s.wg.Done()
	for snap := range ch {
		s.setDirectChats(s.resolveDirectChats(ctx, snap))
	}
}

// resolveDirectChats joins each direct-chat entry against the peer's profile.
// Entries whose peer has no profile are dropped.
func (s *Synchronizer) resolveDirectChats(ctx context.Context, snap Snapshot) []DirectChat {
	children, err := snap.Children()
	if err != nil {
		s.logger.Error(fmt.Sprintf("decode direct chat index: %v", err))
		return nil
	}

	ids := make([]string, 0, len(children))
	for id := range children {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	chats := make([]DirectChat, 0, len(ids))
	for _, id := range ids {
		var ref directChatRef
		if err := json.Unmarshal(children[id], &ref); err != nil {
			s.logger.Error(fmt.Sprintf("decode direct chat %s: %v", id, err))
			continue
		}

		profileSnap, err := s.store.Get(ctx, userPath(ref.UserID))
		if err != nil {
			s.logger.Error(fmt.Sprintf("resolve direct chat peer %s: %v", ref.UserID, err))
			continue
		}
		if !profileSnap.Exists() {
			continue
		}
		var profile UserProfile
		if err := profileSnap.Decode(&profile); err != nil {
			s.logger.Error(fmt.Sprintf("decode peer profile %s: %v", ref.UserID, err))
			continue
		}

		status := profile.Status
		if status == "" {
			status = StatusOffline
		}
		chats = append(chats, DirectChat{
			ID:              id,
			UserID:          ref.UserID,
			UserDisplayName: profile.DisplayName,
			UserPhotoURL:    profile.PhotoURL,
			UserStatus:      status,
			LastMessage:     ref.LastMessage,
		})
	}
	return chats
}

func (s *Synchronizer) messagesLoop(ctx context.Context, roomID string, ch <-chan Snapshot) {
	defer s.wg.Done()
	for snap := range ch {
		messages := s.projectMessages(snap)
		if !s.publishMessages(roomID, messages) {
			continue
		}
		s.markRead(roomID, messages)
	}
}

// publishMessages installs a projection for roomID. Watch teardown on a room
// switch is asynchronous, so a snapshot for a room that is no longer active
// can still arrive here; it is dropped instead of clobbering the projection
// of the room that replaced it.
func (s *Synchronizer) publishMessages(roomID string, messages []Message) bool {
	s.mu.Lock()
	if s.activeRoom == nil || s.activeRoom.ID != roomID {
		s.mu.Unlock()
		return false
	}
	s.messages = messages
	callback := s.onMessages
	s.mu.Unlock()
	if callback != nil {
		callback(messages)
	}
	return true
}

// projectMessages orders a message snapshot by timestamp ascending. Ties keep
// the store's key order; the sort is stable, so the relative order of equal
// timestamps is deterministic but not meaningful.
func (s *Synchronizer) projectMessages(snap Snapshot) []Message {
	children, err := snap.Children()
	if err != nil {
		s.logger.Error(fmt.Sprintf("decode messages: %v", err))
		return nil
	}

	ids := make([]string, 0, len(children))
	for id := range children {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	messages := make([]Message, 0, len(ids))
	for _, id := range ids {
		var message Message
		if err := json.Unmarshal(children[id], &message); err != nil {
			s.logger.Error(fmt.Sprintf("decode message %s: %v", id, err))
			continue
		}
		message.ID = id
		messages = append(messages, message)
	}

	slices.SortStableFunc(messages, func(a, b Message) int {
		return cmp.Compare(a.Timestamp, b.Timestamp)
	})
	return messages
}

// markRead queues a read-receipt append for every message the session has
// not yet read and did not author. The writes are best-effort: each task
// re-checks membership of the readBy set before writing, is never retried,
// and its failure is only logged.
func (s *Synchronizer) markRead(roomID string, messages []Message) {
	session := s.Session()
	if session == nil {
		return
	}
	uid := session.UID

	for i := range messages {
		message := messages[i]
		if message.SenderID == uid || message.HasReader(uid) {
			continue
		}
		path := JoinPath("messages", roomID, message.ID)
		s.tasks.Submit("mark read", func(ctx context.Context) error {
			snap, err := s.store.Get(ctx, path)
			if err != nil {
				return err
			}
			if !snap.Exists() {
				return nil
			}
			var current Message
			if err := snap.Decode(&current); err != nil {
				return err
			}
			if current.HasReader(uid) {
				return nil
			}
			return s.store.Update(ctx, path, map[string]any{
				"readBy": append(current.ReadBy, uid),
			})
		})
	}
}

func (s *Synchronizer) setRooms(rooms []Room) {
	s.mu.Lock()
	s.rooms = rooms
	callback := s.onRooms
	s.mu.Unlock()
	if callback != nil {
		callback(rooms)
	}
}

func (s *Synchronizer) setMessages(messages []Message) {
	s.mu.Lock()
	s.messages = messages
	callback := s.onMessages
	s.mu.Unlock()
	if callback != nil {
		callback(messages)
	}
}

func (s *Synchronizer) setDirectChats(chats []DirectChat) {
	s.mu.Lock()
	s.directChats = chats
	callback := s.onDirectChats
	s.mu.Unlock()
	if callback != nil {
		callback(chats)
	}
}
