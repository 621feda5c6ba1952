package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"

	"github.com/noah-isme/roomchat-api/internal/apperror"
	"github.com/noah-isme/roomchat-api/internal/dto"
	"github.com/noah-isme/roomchat-api/internal/middleware"
	"github.com/noah-isme/roomchat-api/internal/models"
	"github.com/noah-isme/roomchat-api/internal/observability"
	"github.com/noah-isme/roomchat-api/internal/presence"
	"github.com/noah-isme/roomchat-api/internal/relay"
	"github.com/noah-isme/roomchat-api/internal/repository"
	"github.com/noah-isme/roomchat-api/internal/stream"
	"github.com/noah-isme/roomchat-api/internal/tenant"
)

// Directory resolves identities, rooms and memberships.
type Directory interface {
	GetUser(ctx context.Context, userID string) (models.User, error)
	GetRoom(ctx context.Context, roomID uint64) (models.Room, error)
	Participant(ctx context.Context, roomID uint64, userID string) (models.RoomParticipant, error)
}

// PartitionRouter resolves the storage partition of a room.
type PartitionRouter interface {
	Resolve(ctx context.Context, room tenant.Room) (*tenant.Handle, error)
	Stats() []tenant.HandleInfo
}

// ChatService is the write and read surface of the room chat core.
type ChatService interface {
	Send(ctx context.Context, roomID uint64, senderID string, req dto.SendMessageRequest) (dto.MessageResponse, error)
	Announce(ctx context.Context, roomID uint64, actorID string, payload models.SystemPayload) (dto.MessageResponse, error)
	Edit(ctx context.Context, roomID, messageID uint64, editorID string, req dto.EditMessageRequest) (dto.MessageResponse, error)
	Delete(ctx context.Context, roomID, messageID uint64, deleterID string, req dto.DeleteMessageRequest) (dto.MessageResponse, error)
	React(ctx context.Context, roomID, messageID uint64, userID, emoji string) (dto.MutationResponse, error)
	Unreact(ctx context.Context, roomID, messageID uint64, userID, emoji string) (dto.MutationResponse, error)
	Pin(ctx context.Context, roomID, messageID uint64, userID string, pinned bool) (dto.MessageResponse, error)
	MarkRead(ctx context.Context, roomID, messageID uint64, readerID string, req dto.ReadRequest) (dto.ReceiptResponse, error)
	Favourite(ctx context.Context, roomID, messageID uint64, userID string, on bool) (dto.MutationResponse, error)
	History(ctx context.Context, roomID uint64, userID string, query dto.HistoryQuery) ([]dto.MessageResponse, error)
	Thread(ctx context.Context, roomID uint64, userID string, rootID uint64) ([]dto.MessageResponse, error)
	Pinned(ctx context.Context, roomID uint64, userID string) ([]dto.MessageResponse, error)
	Readers(ctx context.Context, roomID, messageID uint64, userID string) ([]models.MessageRead, error)
	Stats(ctx context.Context, roomID uint64, userID string, day time.Time) (models.DailyStat, error)
	Translation(ctx context.Context, roomID, messageID uint64, userID, language string) (models.MessageTranslation, error)
	SaveTranslation(ctx context.Context, roomID, messageID uint64, userID string, translation models.MessageTranslation) (models.MessageTranslation, error)
	Typing(ctx context.Context, roomID uint64, userID string, isTyping bool) error
	Status(ctx context.Context, roomID uint64, userID string) (dto.StatusResponse, error)
	OpenSession(ctx context.Context, roomID uint64, userID string, lastMessageID uint64) (*stream.Session, error)
	Partitions() []tenant.HandleInfo
}

// ChatDependencies bundles the collaborators of the chat service.
type ChatDependencies struct {
	Directory Directory
	Router    PartitionRouter
	Relay     relay.Relay
	Typing    presence.Tracker
	Registry  presence.Registry
	Validator *validator.Validate
	Retry     repository.RetryPolicy
	Stream    stream.Config
	Logger    zerolog.Logger
}

type chatService struct {
	directory Directory
	router    PartitionRouter
	relay     relay.Relay
	typing    presence.Tracker
	registry  presence.Registry
	validator *validator.Validate
	payloads  *payloadValidator
	sanitizer *bluemonday.Policy
	retry     repository.RetryPolicy
	streamCfg stream.Config
	logger    zerolog.Logger
	tracer    trace.Tracer
}

// NewChatService wires the chat core.
func NewChatService(deps ChatDependencies) (ChatService, error) {
	payloads, err := newPayloadValidator()
	if err != nil {
		return nil, err
	}

	validate := deps.Validator
	if validate == nil {
		validate = validator.New()
	}

	sanitizer := bluemonday.UGCPolicy()
	sanitizer.AllowElements("br")

	streamCfg := deps.Stream
	streamCfg.Logger = deps.Logger

	return &chatService{
		directory: deps.Directory,
		router:    deps.Router,
		relay:     deps.Relay,
		typing:    deps.Typing,
		registry:  deps.Registry,
		validator: validate,
		payloads:  payloads,
		sanitizer: sanitizer,
		retry:     deps.Retry,
		streamCfg: streamCfg,
		logger:    deps.Logger.With().Str("component", "chat_service").Logger(),
		tracer:    otel.Tracer("github.com/noah-isme/roomchat-api/internal/service/chat"),
	}, nil
}

func (s *chatService) startSpan(ctx context.Context, name string, roomID uint64, userID string, extra ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs := append([]attribute.KeyValue{
		attribute.Int64("chat.room_id", int64(roomID)),
		attribute.String("chat.user_id", userID),
	}, extra...)
	return s.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// participant returns the caller's active membership or ErrAccessDenied.
func (s *chatService) participant(ctx context.Context, roomID uint64, userID string) (models.RoomParticipant, error) {
	if roomID == 0 {
		return models.RoomParticipant{}, apperror.InvalidArgument("room id is required")
	}
	if strings.TrimSpace(userID) == "" {
		return models.RoomParticipant{}, apperror.InvalidArgument("user id is required")
	}

	member, err := s.directory.Participant(ctx, roomID, userID)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return models.RoomParticipant{}, apperror.AccessDenied("user %s is not a participant of room %d", userID, roomID)
		}
		return models.RoomParticipant{}, err
	}
	if !member.IsActive {
		return models.RoomParticipant{}, apperror.AccessDenied("user %s is not an active participant of room %d", userID, roomID)
	}
	return member, nil
}

// withLedger looks the room up in the directory and runs fn against its ledger.
func (s *chatService) withLedger(ctx context.Context, roomID uint64, fn func(repository.MessageLedger) error) error {
	room, err := s.directory.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	return s.withPartition(ctx, partitionOf(room), fn)
}

// withPartition runs fn against the ledger of target. A transient failure is
// retried once against a freshly resolved handle, which covers partitions
// closed by pool eviction while the call was in flight.
func (s *chatService) withPartition(ctx context.Context, target tenant.Room, fn func(repository.MessageLedger) error) error {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		handle, err := s.router.Resolve(ctx, target)
		if err != nil {
			return err
		}
		lastErr = fn(repository.NewMessageLedger(handle, s.retry))
		if !apperror.IsRetryable(lastErr) {
			return lastErr
		}
		s.log(ctx).Warn().Err(lastErr).Uint64("room_id", target.ID).Msg("ledger busy, re-resolving partition")
	}
	return lastErr
}

func partitionOf(room models.Room) tenant.Room {
	return tenant.Room{ID: room.ID, Code: room.Code, CreatedAt: room.CreatedAt}
}

func (s *chatService) publish(ctx context.Context, kind relay.Kind, message models.Message, actorID string) {
	if s.relay == nil {
		return
	}
	if err := s.relay.Publish(ctx, message.RoomID, relay.FromMessage(kind, message, actorID)); err != nil {
		s.log(ctx).Warn().Err(err).Uint64("room_id", message.RoomID).Uint64("message_id", message.ID).Str("kind", string(kind)).Msg("failed to publish relay event")
	}
}

// log returns the service logger tagged with the request correlation id.
func (s *chatService) log(ctx context.Context) *zerolog.Logger {
	logger := s.logger
	if correlation := middleware.CorrelationIDFromContext(ctx); correlation != "" {
		logger = logger.With().Str("correlation_id", correlation).Logger()
	}
	return &logger
}

func (s *chatService) clean(content string) string {
	return strings.TrimSpace(s.sanitizer.Sanitize(content))
}

func (s *chatService) Send(ctx context.Context, roomID uint64, senderID string, req dto.SendMessageRequest) (resp dto.MessageResponse, err error) {
	ctx, span := s.startSpan(ctx, "chat.send", roomID, senderID, attribute.String("chat.type", req.Type))
	defer func() { endSpan(span, err) }()

	if err := s.validator.Struct(req); err != nil {
		return dto.MessageResponse{}, err
	}
	if _, err := s.participant(ctx, roomID, senderID); err != nil {
		return dto.MessageResponse{}, err
	}
	sender, err := s.directory.GetUser(ctx, senderID)
	if err != nil {
		return dto.MessageResponse{}, err
	}

	messageType := models.MessageType(req.Type)
	if messageType == "" {
		messageType = models.MessageTypeText
	}

	payload, err := s.payloads.decode(messageType, req.Payload)
	if err != nil {
		return dto.MessageResponse{}, err
	}

	content := s.clean(req.Content)
	if payload.Media != nil {
		payload.Media.Caption = s.clean(payload.Media.Caption)
		if content == "" {
			content = payload.Media.Caption
		}
	}
	if messageType == models.MessageTypeText && content == "" {
		return dto.MessageResponse{}, apperror.Validation("message content empty after sanitization")
	}

	message := models.Message{
		SenderID:     sender.ID,
		SenderName:   sender.Name,
		SenderAvatar: sender.Avatar,
		Type:         messageType,
		Payload:      datatypes.NewJSONType(payload),
		ReplyToID:    req.ReplyToID,
	}
	if content != "" {
		message.Content = &content
	}

	if err := s.withLedger(ctx, roomID, func(ledger repository.MessageLedger) error {
		return ledger.Append(ctx, &message)
	}); err != nil {
		return dto.MessageResponse{}, err
	}

	if err := s.typing.ClearTyping(ctx, roomID, senderID); err != nil {
		s.log(ctx).Debug().Err(err).Msg("failed to clear typing after send")
	}
	s.publish(ctx, relay.KindCreated, message, senderID)
	observability.ChatMessagesSent().WithLabelValues(string(messageType)).Inc()

	return dto.NewMessageResponse(message), nil
}

func (s *chatService) Announce(ctx context.Context, roomID uint64, actorID string, payload models.SystemPayload) (resp dto.MessageResponse, err error) {
	ctx, span := s.startSpan(ctx, "chat.announce", roomID, actorID)
	defer func() { endSpan(span, err) }()

	if strings.TrimSpace(payload.Event) == "" {
		return dto.MessageResponse{}, apperror.InvalidArgument("system event is required")
	}
	payload.ActorID = actorID

	content := s.clean(payload.Data["text"])
	message := models.Message{
		SenderID:   "system",
		SenderName: "System",
		Type:       models.MessageTypeSystem,
		IsSystem:   true,
		Payload:    datatypes.NewJSONType(models.MessagePayload{System: &payload}),
	}
	if content != "" {
		message.Content = &content
	}

	if err := s.withLedger(ctx, roomID, func(ledger repository.MessageLedger) error {
		return ledger.Append(ctx, &message)
	}); err != nil {
		return dto.MessageResponse{}, err
	}

	s.publish(ctx, relay.KindCreated, message, message.SenderID)
	observability.ChatMessagesSent().WithLabelValues(string(models.MessageTypeSystem)).Inc()
	return dto.NewMessageResponse(message), nil
}

func (s *chatService) Edit(ctx context.Context, roomID, messageID uint64, editorID string, req dto.EditMessageRequest) (resp dto.MessageResponse, err error) {
	ctx, span := s.startSpan(ctx, "chat.edit", roomID, editorID, attribute.Int64("chat.message_id", int64(messageID)))
	defer func() { endSpan(span, err) }()

	if err := s.validator.Struct(req); err != nil {
		return dto.MessageResponse{}, err
	}
	if _, err := s.participant(ctx, roomID, editorID); err != nil {
		return dto.MessageResponse{}, err
	}

	content := s.clean(req.Content)
	if content == "" {
		return dto.MessageResponse{}, apperror.Validation("message content empty after sanitization")
	}

	var message models.Message
	err = s.withLedger(ctx, roomID, func(ledger repository.MessageLedger) error {
		current, err := ledger.Get(ctx, messageID)
		if err != nil {
			return err
		}
		if current.SenderID != editorID {
			return apperror.AccessDenied("only the author may edit message %d", messageID)
		}
		message, err = ledger.Edit(ctx, messageID, content, editorID)
		return err
	})
	if err != nil {
		return dto.MessageResponse{}, err
	}

	s.publish(ctx, relay.KindUpdated, message, editorID)
	observability.ChatMutations().WithLabelValues("edit").Inc()
	return dto.NewMessageResponse(message), nil
}

func (s *chatService) Delete(ctx context.Context, roomID, messageID uint64, deleterID string, req dto.DeleteMessageRequest) (resp dto.MessageResponse, err error) {
	ctx, span := s.startSpan(ctx, "chat.delete", roomID, deleterID, attribute.Int64("chat.message_id", int64(messageID)))
	defer func() { endSpan(span, err) }()

	if err := s.validator.Struct(req); err != nil {
		return dto.MessageResponse{}, err
	}
	member, err := s.participant(ctx, roomID, deleterID)
	if err != nil {
		return dto.MessageResponse{}, err
	}

	var message models.Message
	err = s.withLedger(ctx, roomID, func(ledger repository.MessageLedger) error {
		current, err := ledger.Get(ctx, messageID)
		if err != nil {
			return err
		}
		if current.SenderID != deleterID && !member.CanModerate() {
			return apperror.AccessDenied("only the author or a moderator may delete message %d", messageID)
		}
		message, err = ledger.Delete(ctx, messageID, deleterID, strings.TrimSpace(req.Reason))
		return err
	})
	if err != nil {
		return dto.MessageResponse{}, err
	}

	s.publish(ctx, relay.KindDeleted, message, deleterID)
	observability.ChatMutations().WithLabelValues("delete").Inc()
	return dto.NewMessageResponse(message), nil
}

func (s *chatService) React(ctx context.Context, roomID, messageID uint64, userID, emoji string) (dto.MutationResponse, error) {
	return s.react(ctx, roomID, messageID, userID, emoji, true)
}

func (s *chatService) Unreact(ctx context.Context, roomID, messageID uint64, userID, emoji string) (dto.MutationResponse, error) {
	return s.react(ctx, roomID, messageID, userID, emoji, false)
}

func (s *chatService) react(ctx context.Context, roomID, messageID uint64, userID, emoji string, add bool) (resp dto.MutationResponse, err error) {
	ctx, span := s.startSpan(ctx, "chat.react", roomID, userID, attribute.Int64("chat.message_id", int64(messageID)), attribute.Bool("chat.add", add))
	defer func() { endSpan(span, err) }()

	emoji = strings.TrimSpace(emoji)
	if err := s.validator.Struct(dto.ReactionRequest{Emoji: emoji}); err != nil {
		return dto.MutationResponse{}, err
	}
	if _, err := s.participant(ctx, roomID, userID); err != nil {
		return dto.MutationResponse{}, err
	}

	var (
		message models.Message
		changed bool
	)
	err = s.withLedger(ctx, roomID, func(ledger repository.MessageLedger) error {
		var err error
		if add {
			message, changed, err = ledger.AddReaction(ctx, messageID, userID, emoji)
		} else {
			message, changed, err = ledger.RemoveReaction(ctx, messageID, userID, emoji)
		}
		return err
	})
	if err != nil {
		return dto.MutationResponse{}, err
	}

	if changed {
		s.publish(ctx, relay.KindReactionUpdated, message, userID)
		observability.ChatMutations().WithLabelValues("reaction").Inc()
	}
	return dto.MutationResponse{Message: dto.NewMessageResponse(message), Changed: changed}, nil
}

func (s *chatService) Pin(ctx context.Context, roomID, messageID uint64, userID string, pinned bool) (resp dto.MessageResponse, err error) {
	ctx, span := s.startSpan(ctx, "chat.pin", roomID, userID, attribute.Int64("chat.message_id", int64(messageID)), attribute.Bool("chat.pinned", pinned))
	defer func() { endSpan(span, err) }()

	member, err := s.participant(ctx, roomID, userID)
	if err != nil {
		return dto.MessageResponse{}, err
	}
	if !member.CanModerate() {
		return dto.MessageResponse{}, apperror.AccessDenied("only moderators may pin messages")
	}

	var message models.Message
	err = s.withLedger(ctx, roomID, func(ledger repository.MessageLedger) error {
		var err error
		message, err = ledger.SetPinned(ctx, messageID, userID, pinned)
		return err
	})
	if err != nil {
		return dto.MessageResponse{}, err
	}

	s.publish(ctx, relay.KindUpdated, message, userID)
	observability.ChatMutations().WithLabelValues("pin").Inc()
	return dto.NewMessageResponse(message), nil
}

func (s *chatService) MarkRead(ctx context.Context, roomID, messageID uint64, readerID string, req dto.ReadRequest) (resp dto.ReceiptResponse, err error) {
	ctx, span := s.startSpan(ctx, "chat.mark_read", roomID, readerID, attribute.Int64("chat.message_id", int64(messageID)))
	defer func() { endSpan(span, err) }()

	if err := s.validator.Struct(req); err != nil {
		return dto.ReceiptResponse{}, err
	}
	level, ok := models.ParseReadLevel(req.Level)
	if !ok {
		return dto.ReceiptResponse{}, apperror.InvalidArgument("unknown read level %q", req.Level)
	}
	if _, err := s.participant(ctx, roomID, readerID); err != nil {
		return dto.ReceiptResponse{}, err
	}

	var applied bool
	err = s.withLedger(ctx, roomID, func(ledger repository.MessageLedger) error {
		var err error
		applied, err = ledger.MarkRead(ctx, messageID, readerID, level)
		return err
	})
	if err != nil {
		return dto.ReceiptResponse{}, err
	}

	if applied {
		observability.ChatMutations().WithLabelValues("read").Inc()
	}
	return dto.ReceiptResponse{MessageID: messageID, Level: level.String(), Applied: applied}, nil
}

func (s *chatService) Favourite(ctx context.Context, roomID, messageID uint64, userID string, on bool) (resp dto.MutationResponse, err error) {
	ctx, span := s.startSpan(ctx, "chat.favourite", roomID, userID, attribute.Int64("chat.message_id", int64(messageID)), attribute.Bool("chat.on", on))
	defer func() { endSpan(span, err) }()

	if _, err := s.participant(ctx, roomID, userID); err != nil {
		return dto.MutationResponse{}, err
	}

	var (
		message models.Message
		changed bool
	)
	err = s.withLedger(ctx, roomID, func(ledger repository.MessageLedger) error {
		var err error
		if on {
			message, changed, err = ledger.AddFavourite(ctx, messageID, userID)
		} else {
			message, changed, err = ledger.RemoveFavourite(ctx, messageID, userID)
		}
		return err
	})
	if err != nil {
		return dto.MutationResponse{}, err
	}

	if changed {
		observability.ChatMutations().WithLabelValues("favourite").Inc()
	}
	return dto.MutationResponse{Message: dto.NewMessageResponse(message), Changed: changed}, nil
}

func (s *chatService) History(ctx context.Context, roomID uint64, userID string, query dto.HistoryQuery) (resp []dto.MessageResponse, err error) {
	ctx, span := s.startSpan(ctx, "chat.history", roomID, userID, attribute.Int64("chat.since", int64(query.Since)))
	defer func() { endSpan(span, err) }()

	if err := s.validator.Struct(query); err != nil {
		return nil, err
	}
	if _, err := s.participant(ctx, roomID, userID); err != nil {
		return nil, err
	}

	var messages []models.Message
	err = s.withLedger(ctx, roomID, func(ledger repository.MessageLedger) error {
		var err error
		messages, err = ledger.ListSince(ctx, query.Since, repository.ListOptions{Limit: query.Limit, IncludeDeleted: query.IncludeDeleted})
		return err
	})
	if err != nil {
		return nil, err
	}
	return dto.NewMessageResponseSlice(messages), nil
}

func (s *chatService) Thread(ctx context.Context, roomID uint64, userID string, rootID uint64) (resp []dto.MessageResponse, err error) {
	ctx, span := s.startSpan(ctx, "chat.thread", roomID, userID, attribute.Int64("chat.root_id", int64(rootID)))
	defer func() { endSpan(span, err) }()

	if _, err := s.participant(ctx, roomID, userID); err != nil {
		return nil, err
	}

	var messages []models.Message
	err = s.withLedger(ctx, roomID, func(ledger repository.MessageLedger) error {
		var err error
		messages, err = ledger.Thread(ctx, rootID, 0)
		return err
	})
	if err != nil {
		return nil, err
	}
	return dto.NewMessageResponseSlice(messages), nil
}

func (s *chatService) Pinned(ctx context.Context, roomID uint64, userID string) ([]dto.MessageResponse, error) {
	if _, err := s.participant(ctx, roomID, userID); err != nil {
		return nil, err
	}

	var messages []models.Message
	err := s.withLedger(ctx, roomID, func(ledger repository.MessageLedger) error {
		var err error
		messages, err = ledger.Pinned(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return dto.NewMessageResponseSlice(messages), nil
}

func (s *chatService) Readers(ctx context.Context, roomID, messageID uint64, userID string) ([]models.MessageRead, error) {
	if _, err := s.participant(ctx, roomID, userID); err != nil {
		return nil, err
	}

	var readers []models.MessageRead
	err := s.withLedger(ctx, roomID, func(ledger repository.MessageLedger) error {
		if _, err := ledger.Get(ctx, messageID); err != nil {
			return err
		}
		var err error
		readers, err = ledger.Readers(ctx, messageID)
		return err
	})
	return readers, err
}

func (s *chatService) Stats(ctx context.Context, roomID uint64, userID string, day time.Time) (models.DailyStat, error) {
	if _, err := s.participant(ctx, roomID, userID); err != nil {
		return models.DailyStat{}, err
	}

	var stat models.DailyStat
	err := s.withLedger(ctx, roomID, func(ledger repository.MessageLedger) error {
		var err error
		stat, err = ledger.Stats(ctx, day)
		return err
	})
	return stat, err
}

func (s *chatService) Translation(ctx context.Context, roomID, messageID uint64, userID, language string) (models.MessageTranslation, error) {
	if _, err := s.participant(ctx, roomID, userID); err != nil {
		return models.MessageTranslation{}, err
	}

	var translation models.MessageTranslation
	err := s.withLedger(ctx, roomID, func(ledger repository.MessageLedger) error {
		var err error
		translation, err = ledger.Translation(ctx, messageID, strings.ToLower(strings.TrimSpace(language)))
		return err
	})
	return translation, err
}

func (s *chatService) SaveTranslation(ctx context.Context, roomID, messageID uint64, userID string, translation models.MessageTranslation) (models.MessageTranslation, error) {
	if _, err := s.participant(ctx, roomID, userID); err != nil {
		return models.MessageTranslation{}, err
	}

	translation.MessageID = messageID
	translation.Language = strings.ToLower(strings.TrimSpace(translation.Language))
	translation.Content = s.clean(translation.Content)
	if translation.Language == "" || translation.Content == "" {
		return models.MessageTranslation{}, apperror.Validation("translation language and content are required")
	}

	err := s.withLedger(ctx, roomID, func(ledger repository.MessageLedger) error {
		if _, err := ledger.Get(ctx, messageID); err != nil {
			return err
		}
		return ledger.SaveTranslation(ctx, &translation)
	})
	return translation, err
}

func (s *chatService) Typing(ctx context.Context, roomID uint64, userID string, isTyping bool) (err error) {
	ctx, span := s.startSpan(ctx, "chat.typing", roomID, userID, attribute.Bool("chat.typing", isTyping))
	defer func() { endSpan(span, err) }()

	if _, err := s.participant(ctx, roomID, userID); err != nil {
		return err
	}
	if !isTyping {
		return s.typing.ClearTyping(ctx, roomID, userID)
	}

	user, err := s.directory.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	return s.typing.SetTyping(ctx, roomID, userID, user.Name)
}

func (s *chatService) Status(ctx context.Context, roomID uint64, userID string) (resp dto.StatusResponse, err error) {
	ctx, span := s.startSpan(ctx, "chat.status", roomID, userID)
	defer func() { endSpan(span, err) }()

	if _, err := s.participant(ctx, roomID, userID); err != nil {
		return dto.StatusResponse{}, err
	}

	connected, err := s.registry.IsConnected(ctx, roomID, userID)
	if err != nil {
		return dto.StatusResponse{}, err
	}
	count, err := s.registry.Count(ctx, roomID)
	if err != nil {
		return dto.StatusResponse{}, err
	}
	entries, err := s.typing.ListTyping(ctx, roomID, userID)
	if err != nil {
		return dto.StatusResponse{}, err
	}

	typing := make([]dto.TypingUser, 0, len(entries))
	for _, entry := range entries {
		typing = append(typing, dto.TypingUser{UserID: entry.UserID, DisplayName: entry.DisplayName, ExpiresAt: entry.ExpiresAt})
	}
	return dto.StatusResponse{RoomID: roomID, Connected: connected, ActiveConnections: count, Typing: typing}, nil
}

// OpenSession checks the room and the caller's membership and returns an
// unstarted stream session. The session authorizes again when it runs so a
// membership revoked in between is still honoured.
func (s *chatService) OpenSession(ctx context.Context, roomID uint64, userID string, lastMessageID uint64) (*stream.Session, error) {
	if roomID == 0 || strings.TrimSpace(userID) == "" {
		return nil, apperror.InvalidArgument("room id and user id are required")
	}
	room, err := s.directory.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if _, err := s.participant(ctx, roomID, userID); err != nil {
		return nil, err
	}

	deps := stream.Dependencies{
		Relay:    s.relay,
		Ledger:   roomLedger{service: s, room: partitionOf(room)},
		Typing:   s.typing,
		Registry: s.registry,
		Auth:     s,
	}
	return stream.NewSession(roomID, userID, lastMessageID, deps, s.streamCfg), nil
}

// AuthorizeStream admits active participants only.
func (s *chatService) AuthorizeStream(ctx context.Context, roomID uint64, userID string) error {
	_, err := s.participant(ctx, roomID, userID)
	return err
}

func (s *chatService) Partitions() []tenant.HandleInfo {
	return s.router.Stats()
}

// roomLedger resolves the partition on every read so a session survives
// handle eviction. The room is captured when the session opens; its
// partition address never changes.
type roomLedger struct {
	service *chatService
	room    tenant.Room
}

func (l roomLedger) ListSince(ctx context.Context, cursor uint64, opts repository.ListOptions) ([]models.Message, error) {
	var messages []models.Message
	err := l.service.withPartition(ctx, l.room, func(ledger repository.MessageLedger) error {
		var err error
		messages, err = ledger.ListSince(ctx, cursor, opts)
		return err
	})
	return messages, err
}
