package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/noah-isme/roomchat-api/internal/apperror"
	"github.com/noah-isme/roomchat-api/internal/dto"
	"github.com/noah-isme/roomchat-api/internal/models"
	"github.com/noah-isme/roomchat-api/internal/presence"
	"github.com/noah-isme/roomchat-api/internal/relay"
	"github.com/noah-isme/roomchat-api/internal/repository"
	"github.com/noah-isme/roomchat-api/internal/stream"
	"github.com/noah-isme/roomchat-api/internal/tenant"
)

type chatFixture struct {
	svc       ChatService
	db        *gorm.DB
	directory *countingDirectory
	root      string
	relay     *relay.Memory
	registry  *presence.MemoryRegistry
}

// countingDirectory records how often rooms are looked up.
type countingDirectory struct {
	Directory
	mu       sync.Mutex
	getRooms int
}

func (d *countingDirectory) GetRoom(ctx context.Context, roomID uint64) (models.Room, error) {
	d.mu.Lock()
	d.getRooms++
	d.mu.Unlock()
	return d.Directory.GetRoom(ctx, roomID)
}

func (d *countingDirectory) roomLookups() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.getRooms
}

func setupChatService(t *testing.T) chatFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", filepath.Base(t.Name()))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(repository.DirectoryTables()...))

	created := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	require.NoError(t, db.Create(&[]models.User{
		{ID: "u1", Name: "Alice"},
		{ID: "u2", Name: "Bob"},
		{ID: "u3", Name: "Mallory"},
		{ID: "mod", Name: "Moderator"},
	}).Error)
	require.NoError(t, db.Create(&models.Room{ID: 1, Code: "abc123", Name: "General", IsActive: true, CreatedAt: created}).Error)
	require.NoError(t, db.Create(&[]models.RoomParticipant{
		{RoomID: 1, UserID: "u1", Role: models.RoleMember, IsActive: true},
		{RoomID: 1, UserID: "u2", Role: models.RoleMember, IsActive: true},
		{RoomID: 1, UserID: "mod", Role: models.RoleModerator, IsActive: true},
	}).Error)
	require.NoError(t, db.Model(&models.RoomParticipant{}).Create(map[string]interface{}{
		"room_id": 1, "user_id": "u3", "role": models.RoleMember, "is_active": false,
	}).Error)

	root := t.TempDir()
	router, err := tenant.NewRouter(tenant.Options{Root: root, Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = router.Close() })

	rel := relay.NewMemory(relay.Options{Logger: zerolog.Nop()})
	registry := presence.NewMemoryRegistry(presence.Options{})
	directory := &countingDirectory{Directory: repository.NewDirectoryRepository(db)}

	svc, err := NewChatService(ChatDependencies{
		Directory: directory,
		Router:    router,
		Relay:     rel,
		Typing:    presence.NewMemoryTracker(presence.Options{}),
		Registry:  registry,
		Validator: validator.New(validator.WithRequiredStructEnabled()),
		Stream:    stream.Config{Tick: 10 * time.Millisecond, ErrorBackoff: 20 * time.Millisecond},
		Logger:    zerolog.Nop(),
	})
	require.NoError(t, err)

	return chatFixture{svc: svc, db: db, directory: directory, root: root, relay: rel, registry: registry}
}

func TestChatServiceSendProvisionsPartition(t *testing.T) {
	fx := setupChatService(t)
	ctx := context.Background()

	message, err := fx.svc.Send(ctx, 1, "u1", dto.SendMessageRequest{Content: "hello"})
	require.NoError(t, err)
	require.Equal(t, uint64(1), message.ID)
	require.Equal(t, "Alice", message.SenderName)
	require.Equal(t, models.MessageTypeText, message.Type)

	path := filepath.Join(fx.root, "e9", "9", "a1", "2024", "01", "10", "abc123.sqlite")
	_, err = os.Stat(path)
	require.NoError(t, err)

	partitions := fx.svc.Partitions()
	require.Len(t, partitions, 1)
	require.Equal(t, path, partitions[0].Path)
}

func TestChatServiceSendSanitizesContent(t *testing.T) {
	fx := setupChatService(t)
	ctx := context.Background()

	message, err := fx.svc.Send(ctx, 1, "u1", dto.SendMessageRequest{Content: `hi <script>alert(1)</script><b>there</b>`})
	require.NoError(t, err)
	require.Equal(t, "hi <b>there</b>", message.Content)

	_, err = fx.svc.Send(ctx, 1, "u1", dto.SendMessageRequest{Content: "<script>alert(1)</script>"})
	require.True(t, errors.Is(err, ErrValidation))

	_, err = fx.svc.Send(ctx, 1, "u1", dto.SendMessageRequest{Type: "sticker", Content: "x"})
	var validationErrors validator.ValidationErrors
	require.True(t, errors.As(err, &validationErrors))
}

func TestChatServiceRejectsNonParticipants(t *testing.T) {
	fx := setupChatService(t)
	ctx := context.Background()

	_, err := fx.svc.Send(ctx, 1, "stranger", dto.SendMessageRequest{Content: "hi"})
	require.True(t, errors.Is(err, ErrAccessDenied))

	_, err = fx.svc.Send(ctx, 1, "u3", dto.SendMessageRequest{Content: "hi"})
	require.True(t, errors.Is(err, ErrAccessDenied), "inactive participants cannot send")

	_, err = fx.svc.Send(ctx, 99, "u1", dto.SendMessageRequest{Content: "hi"})
	require.True(t, errors.Is(err, ErrAccessDenied))

	_, err = fx.svc.History(ctx, 1, "stranger", dto.HistoryQuery{})
	require.True(t, errors.Is(err, ErrAccessDenied))

	_, err = fx.svc.OpenSession(ctx, 99, "u1", 0)
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestChatServiceEditAndDeletePermissions(t *testing.T) {
	fx := setupChatService(t)
	ctx := context.Background()

	message, err := fx.svc.Send(ctx, 1, "u1", dto.SendMessageRequest{Content: "original"})
	require.NoError(t, err)

	_, err = fx.svc.Edit(ctx, 1, message.ID, "u2", dto.EditMessageRequest{Content: "hijacked"})
	require.True(t, errors.Is(err, ErrAccessDenied))

	_, err = fx.svc.Edit(ctx, 1, message.ID, "mod", dto.EditMessageRequest{Content: "moderated"})
	require.True(t, errors.Is(err, ErrAccessDenied), "edits are author-only")

	edited, err := fx.svc.Edit(ctx, 1, message.ID, "u1", dto.EditMessageRequest{Content: "revised"})
	require.NoError(t, err)
	require.True(t, edited.IsEdited)
	require.Equal(t, "revised", edited.Content)

	_, err = fx.svc.Edit(ctx, 1, 404, "u1", dto.EditMessageRequest{Content: "ghost"})
	require.True(t, errors.Is(err, ErrNotFound))

	_, err = fx.svc.Delete(ctx, 1, message.ID, "u2", dto.DeleteMessageRequest{})
	require.True(t, errors.Is(err, ErrAccessDenied))

	deleted, err := fx.svc.Delete(ctx, 1, message.ID, "mod", dto.DeleteMessageRequest{Reason: "off topic"})
	require.NoError(t, err)
	require.True(t, deleted.IsDeleted)

	history, err := fx.svc.History(ctx, 1, "u2", dto.HistoryQuery{IncludeDeleted: true})
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, message.ID, history[0].ID)
	require.True(t, history[0].IsDeleted)

	visible, err := fx.svc.History(ctx, 1, "u2", dto.HistoryQuery{})
	require.NoError(t, err)
	require.Empty(t, visible)
}

func TestChatServicePinRequiresModerator(t *testing.T) {
	fx := setupChatService(t)
	ctx := context.Background()

	message, err := fx.svc.Send(ctx, 1, "u1", dto.SendMessageRequest{Content: "rules"})
	require.NoError(t, err)

	_, err = fx.svc.Pin(ctx, 1, message.ID, "u1", true)
	require.True(t, errors.Is(err, ErrAccessDenied))

	pinned, err := fx.svc.Pin(ctx, 1, message.ID, "mod", true)
	require.NoError(t, err)
	require.True(t, pinned.IsPinned)

	list, err := fx.svc.Pinned(ctx, 1, "u2")
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestChatServiceReactionsReadsAndFavourites(t *testing.T) {
	fx := setupChatService(t)
	ctx := context.Background()

	message, err := fx.svc.Send(ctx, 1, "u1", dto.SendMessageRequest{Content: "vote"})
	require.NoError(t, err)

	first, err := fx.svc.React(ctx, 1, message.ID, "u2", "👍")
	require.NoError(t, err)
	require.True(t, first.Changed)
	second, err := fx.svc.React(ctx, 1, message.ID, "u2", "👍")
	require.NoError(t, err)
	require.False(t, second.Changed)
	require.Equal(t, first.Message.Reactions, second.Message.Reactions)

	removed, err := fx.svc.Unreact(ctx, 1, message.ID, "u2", "🎉")
	require.NoError(t, err)
	require.False(t, removed.Changed)

	receipt, err := fx.svc.MarkRead(ctx, 1, message.ID, "u2", dto.ReadRequest{})
	require.NoError(t, err)
	require.True(t, receipt.Applied)
	require.Equal(t, "read", receipt.Level)

	readers, err := fx.svc.Readers(ctx, 1, message.ID, "u1")
	require.NoError(t, err)
	require.Len(t, readers, 1)
	require.Equal(t, "u2", readers[0].ReaderID)

	favourite, err := fx.svc.Favourite(ctx, 1, message.ID, "u2", true)
	require.NoError(t, err)
	require.True(t, favourite.Changed)
	require.Equal(t, 1, favourite.Message.FavouriteCount)

	events, err := fx.relay.PollSince(ctx, 1, "u1", time.Time{})
	require.NoError(t, err)
	require.Len(t, events, 1, "only the first reaction changes state")
	require.Equal(t, relay.KindReactionUpdated, events[0].Kind)
}

func TestChatServiceRepliesFormThreads(t *testing.T) {
	fx := setupChatService(t)
	ctx := context.Background()

	root, err := fx.svc.Send(ctx, 1, "u1", dto.SendMessageRequest{Content: "question"})
	require.NoError(t, err)
	reply, err := fx.svc.Send(ctx, 1, "u2", dto.SendMessageRequest{Content: "answer", ReplyToID: &root.ID})
	require.NoError(t, err)
	require.Equal(t, root.ID, *reply.ThreadRootID)

	thread, err := fx.svc.Thread(ctx, 1, "u1", root.ID)
	require.NoError(t, err)
	require.Len(t, thread, 2)
	require.Equal(t, 1, thread[0].ReplyCount)
}

func TestChatServiceMediaPayloads(t *testing.T) {
	fx := setupChatService(t)
	ctx := context.Background()

	payload := json.RawMessage(`{"caption":"our cat","attachments":[{"name":"cat","mime_type":"IMAGE/PNG","size":2048,"url":"https://cdn.example.com/cat"}]}`)
	message, err := fx.svc.Send(ctx, 1, "u1", dto.SendMessageRequest{Type: "image", Payload: payload})
	require.NoError(t, err)
	require.Equal(t, models.MessageTypeImage, message.Type)
	require.Equal(t, "our cat", message.Content)
	require.NotNil(t, message.Payload)
	require.Equal(t, "image/png", message.Payload.Media.Attachments[0].MimeType)
	require.Equal(t, ".png", message.Payload.Media.Attachments[0].Extension)

	wrongFamily := json.RawMessage(`{"attachments":[{"name":"doc","mime_type":"application/pdf","size":1,"url":"https://cdn.example.com/doc.pdf"}]}`)
	_, err = fx.svc.Send(ctx, 1, "u1", dto.SendMessageRequest{Type: "image", Payload: wrongFamily})
	require.True(t, errors.Is(err, ErrValidation))

	_, err = fx.svc.Send(ctx, 1, "u1", dto.SendMessageRequest{Type: "document", Payload: wrongFamily})
	require.NoError(t, err)

	_, err = fx.svc.Send(ctx, 1, "u1", dto.SendMessageRequest{Type: "video"})
	require.True(t, errors.Is(err, ErrInvalidArgument))

	badSchema := json.RawMessage(`{"attachments":[]}`)
	_, err = fx.svc.Send(ctx, 1, "u1", dto.SendMessageRequest{Type: "audio", Payload: badSchema})
	require.True(t, errors.Is(err, ErrValidation))

	_, err = fx.svc.Send(ctx, 1, "u1", dto.SendMessageRequest{Content: "hi", Payload: json.RawMessage(`{"mentions":"u2"}`)})
	require.True(t, errors.Is(err, ErrValidation))
}

func TestChatServiceSendRelayAndHistoryAgree(t *testing.T) {
	fx := setupChatService(t)
	ctx := context.Background()

	var sent []dto.MessageResponse
	for _, content := range []string{"one", "two", "three"} {
		message, err := fx.svc.Send(ctx, 1, "u1", dto.SendMessageRequest{Content: content})
		require.NoError(t, err)
		sent = append(sent, message)
	}

	events, err := fx.relay.PollSince(ctx, 1, "u2", time.Time{})
	require.NoError(t, err)
	history, err := fx.svc.History(ctx, 1, "u2", dto.HistoryQuery{})
	require.NoError(t, err)

	require.Len(t, events, len(sent))
	require.Len(t, history, len(sent))
	for i := range sent {
		require.Equal(t, sent[i].ID, events[i].MessageID)
		require.Equal(t, sent[i].ID, history[i].ID)
		require.Equal(t, sent[i].Content, events[i].Content)
		require.Equal(t, sent[i].Content, history[i].Content)
	}

	own, err := fx.relay.PollSince(ctx, 1, "u1", time.Time{})
	require.NoError(t, err)
	require.Empty(t, own)
}

func TestChatServiceTypingAndStatus(t *testing.T) {
	fx := setupChatService(t)
	ctx := context.Background()

	require.NoError(t, fx.svc.Typing(ctx, 1, "u1", true))
	require.NoError(t, fx.registry.Touch(ctx, 1, "u2", "tab-1"))

	status, err := fx.svc.Status(ctx, 1, "u2")
	require.NoError(t, err)
	require.True(t, status.Connected)
	require.Equal(t, 1, status.ActiveConnections)
	require.Len(t, status.Typing, 1)
	require.Equal(t, "Alice", status.Typing[0].DisplayName)

	_, err = fx.svc.Send(ctx, 1, "u1", dto.SendMessageRequest{Content: "done typing"})
	require.NoError(t, err)

	status, err = fx.svc.Status(ctx, 1, "u2")
	require.NoError(t, err)
	require.Empty(t, status.Typing)

	require.True(t, errors.Is(fx.svc.Typing(ctx, 1, "stranger", true), ErrAccessDenied))
}

func TestChatServiceTranslationsAndStats(t *testing.T) {
	fx := setupChatService(t)
	ctx := context.Background()

	message, err := fx.svc.Send(ctx, 1, "u1", dto.SendMessageRequest{Content: "hola"})
	require.NoError(t, err)

	saved, err := fx.svc.SaveTranslation(ctx, 1, message.ID, "u2", models.MessageTranslation{Language: "EN", Content: "hello", Provider: "manual"})
	require.NoError(t, err)
	require.Equal(t, "en", saved.Language)

	translation, err := fx.svc.Translation(ctx, 1, message.ID, "u2", "en")
	require.NoError(t, err)
	require.Equal(t, "hello", translation.Content)

	_, err = fx.svc.SaveTranslation(ctx, 1, 404, "u2", models.MessageTranslation{Language: "en", Content: "x"})
	require.True(t, errors.Is(err, ErrNotFound))

	stat, err := fx.svc.Stats(ctx, 1, "u2", time.Now())
	require.NoError(t, err)
	require.Equal(t, 1, stat.MessageCount)
}

func TestChatServiceAnnounceCannotBeEdited(t *testing.T) {
	fx := setupChatService(t)
	ctx := context.Background()

	announcement, err := fx.svc.Announce(ctx, 1, "mod", models.SystemPayload{Event: "room_renamed", Data: map[string]string{"text": "Room renamed to General"}})
	require.NoError(t, err)
	require.True(t, announcement.IsSystem)
	require.Equal(t, "mod", announcement.Payload.System.ActorID)

	_, err = fx.svc.Edit(ctx, 1, announcement.ID, "system", dto.EditMessageRequest{Content: "changed"})
	require.True(t, errors.Is(err, apperror.ErrAccessDenied))
}

type collector struct {
	mu     sync.Mutex
	events []string
	ids    []uint64
	gone   bool
}

func (c *collector) Send(event string, id uint64, data interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	if event == stream.EventNewMessage {
		c.ids = append(c.ids, id)
	}
	return nil
}

func (c *collector) Disconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gone
}

func (c *collector) delivered() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint64(nil), c.ids...)
}

func TestChatServiceSessionReceivesOthersMessages(t *testing.T) {
	fx := setupChatService(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first, err := fx.svc.Send(ctx, 1, "u1", dto.SendMessageRequest{Content: "before connect"})
	require.NoError(t, err)

	session, err := fx.svc.OpenSession(ctx, 1, "u2", first.ID)
	require.NoError(t, err)
	transport := &collector{}
	done := make(chan error, 1)
	go func() { done <- session.Run(ctx, transport) }()

	require.Eventually(t, func() bool { return session.State() == stream.StateStreaming }, time.Second, 5*time.Millisecond)

	own, err := fx.svc.Send(ctx, 1, "u2", dto.SendMessageRequest{Content: "mine"})
	require.NoError(t, err)
	other, err := fx.svc.Send(ctx, 1, "u1", dto.SendMessageRequest{Content: "theirs"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		ids := transport.delivered()
		return len(ids) == 1 && ids[0] == other.ID
	}, 2*time.Second, 10*time.Millisecond)
	require.NotContains(t, transport.delivered(), own.ID)
	require.NotContains(t, transport.delivered(), first.ID)

	status, err := fx.svc.Status(ctx, 1, "u1")
	require.NoError(t, err)
	require.Equal(t, 1, status.ActiveConnections)

	cancel()
	require.NoError(t, <-done)
	require.Equal(t, stream.StateClosed, session.State())

	count, err := fx.registry.Count(context.Background(), 1)
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestChatServiceSessionDeniedForStrangers(t *testing.T) {
	fx := setupChatService(t)

	_, err := fx.svc.OpenSession(context.Background(), 1, "stranger", 0)
	require.True(t, errors.Is(err, ErrAccessDenied))

	_, err = fx.svc.OpenSession(context.Background(), 1, "u3", 0)
	require.True(t, errors.Is(err, ErrAccessDenied))
}

func TestChatServiceSessionTicksSkipRoomLookups(t *testing.T) {
	fx := setupChatService(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	session, err := fx.svc.OpenSession(ctx, 1, "u2", 0)
	require.NoError(t, err)
	transport := &collector{}
	done := make(chan error, 1)
	go func() { done <- session.Run(ctx, transport) }()

	sent, err := fx.svc.Send(ctx, 1, "u1", dto.SendMessageRequest{Content: "ping"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		ids := transport.delivered()
		return len(ids) == 1 && ids[0] == sent.ID
	}, 2*time.Second, 10*time.Millisecond)

	lookups := fx.directory.roomLookups()
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, lookups, fx.directory.roomLookups(), "stream ticks must not hit the directory for the room")

	cancel()
	require.NoError(t, <-done)
}

func TestChatServiceSessionEndsWhenParticipantIsRemoved(t *testing.T) {
	fx := setupChatService(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	session, err := fx.svc.OpenSession(ctx, 1, "u2", 0)
	require.NoError(t, err)
	transport := &collector{}
	done := make(chan error, 1)
	go func() { done <- session.Run(ctx, transport) }()
	require.Eventually(t, func() bool { return session.State() == stream.StateStreaming }, time.Second, 5*time.Millisecond)

	require.NoError(t, fx.db.Model(&models.RoomParticipant{}).
		Where("room_id = ? AND user_id = ?", 1, "u2").
		Update("is_active", false).Error)

	select {
	case err := <-done:
		require.True(t, errors.Is(err, ErrAccessDenied))
	case <-time.After(2 * time.Second):
		t.Fatal("session kept streaming after the participant was removed")
	}
	require.Equal(t, stream.StateClosed, session.State())

	_, err = fx.svc.Send(ctx, 1, "u1", dto.SendMessageRequest{Content: "after removal"})
	require.NoError(t, err)
	require.Empty(t, transport.delivered())
}
