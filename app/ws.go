package wolfchat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"

	"github.com/gorilla/websocket"

	"github.com/cyberwolf/wolfchat/core"
)

// Outbound event types.
const (
	RoomsEvent       = "rooms"
	DirectChatsEvent = "directChats"
	MessagesEvent    = "messages"
	RoomCreatedEvent = "roomCreated"
	RoomJoinedEvent  = "roomJoined"
)

// Inbound command types.
const (
	SetActiveRoomCommand = "setActiveRoom"
	SendMessageCommand   = "sendMessage"
	CreateRoomCommand    = "createRoom"
	JoinRoomCommand      = "joinRoom"
)

// RoomView is the outbound shape of a room; the store key becomes the id.
type RoomView struct {
	ID string `json:"id"`
	core.Room
}

type MessageView struct {
	ID string `json:"id"`
	core.Message
}

type DirectChatView struct {
	ID string `json:"id"`
	core.DirectChat
}

func roomViews(rooms []core.Room) []RoomView {
	views := make([]RoomView, len(rooms))
	for i, room := range rooms {
		views[i] = RoomView{ID: room.ID, Room: room}
	}
	return views
}

func messageViews(messages []core.Message) []MessageView {
	views := make([]MessageView, len(messages))
	for i, message := range messages {
		views[i] = MessageView{ID: message.ID, Message: message}
	}
	return views
}

func directChatViews(chats []core.DirectChat) []DirectChatView {
	views := make([]DirectChatView, len(chats))
	for i, chat := range chats {
		views[i] = DirectChatView{ID: chat.ID, DirectChat: chat}
	}
	return views
}

// WSHandler upgrades the request and serves the session's live-sync stream
// on the resulting connection. One synchronizer runs per connection.
func (app *App) WSHandler(w http.ResponseWriter, r *http.Request) error {
	session := core.SessionFromRequest(r)

	ws, err := core.UpgradeRequest(w, r, app.checkOrigin)
	if err != nil {
		// Upgrade already wrote the response.
		app.logger.Error(err.Error())
		return nil
	}

	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		app.serveSession(session, ws)
	}()
	return nil
}

func (app *App) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || slices.Contains(app.config.AllowedOrigins, "*") {
		return true
	}
	return slices.Contains(app.config.AllowedOrigins, origin)
}

func (app *App) serveSession(session core.Session, ws *websocket.Conn) {
	ctx, cancel := context.WithCancel(app.context)
	defer cancel()

	logger := app.logger.With(slog.String("uid", session.UID))
	conn := core.NewConn(ctx, ws,
		core.WithConnLogger(logger),
		core.WithOnClose(cancel),
	)
	defer conn.Close()

	sync := core.NewSynchronizer(app.store, app.blobs, app.tasks, logger, &session)
	sync.OnRooms(func(rooms []core.Room) {
		sendEvent(conn, logger, RoomsEvent, roomViews(rooms))
	})
	sync.OnMessages(func(messages []core.Message) {
		sendEvent(conn, logger, MessagesEvent, messageViews(messages))
	})
	sync.OnDirectChats(func(chats []core.DirectChat) {
		sendEvent(conn, logger, DirectChatsEvent, directChatViews(chats))
	})

	if err := sync.Start(ctx); err != nil {
		logger.Error(fmt.Sprintf("start synchronizer: %v", err))
		return
	}
	defer sync.Close()

	app.auth.UpdateStatus(&session, core.StatusOnline)
	defer app.auth.UpdateStatus(&session, core.StatusOffline)

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-conn.Receive():
			if !ok {
				return
			}
			app.handleCommand(ctx, conn, sync, e)
		}
	}
}

func sendEvent(conn *core.Conn, logger *slog.Logger, t string, payload any) {
	e, err := core.NewEvent(t, payload)
	if err != nil {
		logger.Error(err.Error())
		return
	}
	conn.Send(e)
}

type SetActiveRoomPayload struct {
	RoomID string `json:"roomId"`
}

type SendMessagePayload struct {
	Text string `json:"text"`
}

type CreateRoomPayload struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	IsPrivate   bool   `json:"isPrivate"`
}

type JoinRoomPayload struct {
	Room string `json:"room"`
}

func (app *App) handleCommand(ctx context.Context, conn *core.Conn, sync *core.Synchronizer, e *core.Event) {
	switch e.Type {
	case SetActiveRoomCommand:
		var payload SetActiveRoomPayload
		if err := json.Unmarshal(e.Payload, &payload); err != nil {
			conn.SendError("invalid payload")
			return
		}
		if payload.RoomID == "" {
			if err := sync.SetActiveRoom(nil); err != nil {
				conn.SendError(err.Error())
			}
			return
		}
		room := findRoom(sync.Rooms(), payload.RoomID)
		if room == nil {
			conn.SendError(core.ErrRoomNotFound.Error())
			return
		}
		if err := sync.SetActiveRoom(room); err != nil {
			conn.SendError(err.Error())
		}

	case SendMessageCommand:
		var payload SendMessagePayload
		if err := json.Unmarshal(e.Payload, &payload); err != nil {
			conn.SendError("invalid payload")
			return
		}
		if payload.Text == "" {
			conn.SendError("text is required")
			return
		}
		if _, err := sync.SendMessage(ctx, payload.Text); err != nil {
			conn.SendError(err.Error())
		}

	case CreateRoomCommand:
		var payload CreateRoomPayload
		if err := json.Unmarshal(e.Payload, &payload); err != nil {
			conn.SendError("invalid payload")
			return
		}
		if payload.Name == "" {
			conn.SendError("name is required")
			return
		}
		roomID, err := sync.CreateRoom(ctx, payload.Name, payload.Description, payload.IsPrivate)
		if err != nil {
			conn.SendError(err.Error())
			return
		}
		sendEvent(conn, app.logger, RoomCreatedEvent, map[string]string{"roomId": roomID})

	case JoinRoomCommand:
		var payload JoinRoomPayload
		if err := json.Unmarshal(e.Payload, &payload); err != nil {
			conn.SendError("invalid payload")
			return
		}
		room, err := sync.JoinRoom(ctx, payload.Room)
		if err != nil {
			conn.SendError(err.Error())
			return
		}
		sendEvent(conn, app.logger, RoomJoinedEvent, RoomView{ID: room.ID, Room: *room})

	default:
		conn.SendError(fmt.Sprintf("unknown command: %s", e.Type))
	}
}

func findRoom(rooms []core.Room, id string) *core.Room {
	for i := range rooms {
		if rooms[i].ID == id {
			return &rooms[i]
		}
	}
	return nil
}
