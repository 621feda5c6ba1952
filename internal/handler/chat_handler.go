package handler

import (
	"bufio"
	"context"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"time"

	validatorpkg "github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/roomchat-api/internal/apperror"
	"github.com/noah-isme/roomchat-api/internal/dto"
	"github.com/noah-isme/roomchat-api/internal/middleware"
	"github.com/noah-isme/roomchat-api/internal/models"
	"github.com/noah-isme/roomchat-api/internal/service"
	"github.com/noah-isme/roomchat-api/internal/utils"
)

// ChatHandler exposes room messaging, presence and the live stream endpoints.
type ChatHandler struct {
	service   service.ChatService
	validator *validatorpkg.Validate
	logger    zerolog.Logger
	baseCtx   context.Context
	probe     time.Duration
}

// NewChatHandler creates a chat handler. Stream sessions outlive the request
// context, so they derive from baseCtx and stop when it is cancelled.
func NewChatHandler(baseCtx context.Context, service service.ChatService, validator *validatorpkg.Validate, logger zerolog.Logger) *ChatHandler {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	if validator == nil {
		validator = validatorpkg.New()
	}
	return &ChatHandler{
		service:   service,
		validator: validator,
		logger:    logger.With().Str("component", "chat_handler").Logger(),
		baseCtx:   baseCtx,
		probe:     defaultProbeInterval,
	}
}

// Register binds the room routes. writeLimiter, when set, guards the
// endpoints that append to the ledger or the typing tracker.
func (h *ChatHandler) Register(router fiber.Router, writeLimiter fiber.Handler) {
	limited := func(handler fiber.Handler) []fiber.Handler {
		if writeLimiter == nil {
			return []fiber.Handler{handler}
		}
		return []fiber.Handler{writeLimiter, handler}
	}

	rooms := router.Group("/rooms/:roomId")
	rooms.Get("/messages", h.history)
	rooms.Post("/messages", limited(h.send)...)
	rooms.Patch("/messages/:id", h.edit)
	rooms.Delete("/messages/:id", h.delete)
	rooms.Get("/messages/:id/thread", h.thread)
	rooms.Post("/messages/:id/reactions", h.react)
	rooms.Delete("/messages/:id/reactions/:emoji", h.unreact)
	rooms.Post("/messages/:id/read", h.markRead)
	rooms.Get("/messages/:id/readers", h.readers)
	rooms.Put("/messages/:id/pin", h.pin(true))
	rooms.Delete("/messages/:id/pin", h.pin(false))
	rooms.Put("/messages/:id/favourite", h.favourite(true))
	rooms.Delete("/messages/:id/favourite", h.favourite(false))
	rooms.Get("/messages/:id/translations/:lang", h.translation)
	rooms.Put("/messages/:id/translations/:lang", h.saveTranslation)
	rooms.Get("/pinned", h.pinned)
	rooms.Get("/stats", h.stats)
	rooms.Post("/typing", limited(h.typing)...)
	rooms.Get("/status", h.status)
	rooms.Get("/stream", h.stream)

	rooms.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("correlation_id", middleware.GetCorrelationID(c))
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	rooms.Get("/ws", websocket.New(h.socket))
}

// RegisterAdmin binds operator routes. Callers are expected to guard the
// group with an admin role check.
func (h *ChatHandler) RegisterAdmin(router fiber.Router) {
	router.Get("/partitions", h.partitions)
	router.Post("/rooms/:roomId/announcements", h.announce)
}

func (h *ChatHandler) requestContext(c *fiber.Ctx) context.Context {
	ctx := c.UserContext()
	if ctx == nil {
		ctx = context.Background()
	}
	return middleware.ContextWithCorrelation(ctx, middleware.GetCorrelationID(c))
}

// caller resolves the authenticated user and the room path parameter.
func (h *ChatHandler) caller(c *fiber.Ctx) (string, uint64, error) {
	userID := userIDFromContext(c)
	if userID == "" {
		return "", 0, fiber.NewError(fiber.StatusUnauthorized, "user not authenticated")
	}
	roomID, err := parseUintParam(c, "roomId")
	if err != nil {
		return "", 0, err
	}
	return userID, roomID, nil
}

func (h *ChatHandler) fail(c *fiber.Ctx, err error) error {
	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		return utils.SendError(c, fiberErr.Code, fiberErr.Message)
	}
	return sendServiceError(c, h.logger, err)
}

func (h *ChatHandler) bind(c *fiber.Ctx, out interface{}) error {
	if len(c.Body()) > 0 {
		if err := c.BodyParser(out); err != nil {
			return apperror.InvalidArgument("invalid request body")
		}
	}
	return h.validator.Struct(out)
}

func (h *ChatHandler) send(c *fiber.Ctx) error {
	userID, roomID, err := h.caller(c)
	if err != nil {
		return h.fail(c, err)
	}

	var req dto.SendMessageRequest
	if err := h.bind(c, &req); err != nil {
		return h.fail(c, err)
	}

	message, err := h.service.Send(h.requestContext(c), roomID, userID, req)
	if err != nil {
		return h.fail(c, err)
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "message sent", message)
}

func (h *ChatHandler) history(c *fiber.Ctx) error {
	userID, roomID, err := h.caller(c)
	if err != nil {
		return h.fail(c, err)
	}

	var query dto.HistoryQuery
	if err := c.QueryParser(&query); err != nil {
		return h.fail(c, apperror.InvalidArgument("invalid query"))
	}
	if err := h.validator.Struct(query); err != nil {
		return h.fail(c, err)
	}

	messages, err := h.service.History(h.requestContext(c), roomID, userID, query)
	if err != nil {
		return h.fail(c, err)
	}
	return utils.SendSuccess(c, "messages", messages)
}

func (h *ChatHandler) thread(c *fiber.Ctx) error {
	userID, roomID, err := h.caller(c)
	if err != nil {
		return h.fail(c, err)
	}
	rootID, err := parseUintParam(c, "id")
	if err != nil {
		return h.fail(c, err)
	}

	messages, err := h.service.Thread(h.requestContext(c), roomID, userID, rootID)
	if err != nil {
		return h.fail(c, err)
	}
	return utils.SendSuccess(c, "thread", messages)
}

func (h *ChatHandler) edit(c *fiber.Ctx) error {
	userID, roomID, err := h.caller(c)
	if err != nil {
		return h.fail(c, err)
	}
	messageID, err := parseUintParam(c, "id")
	if err != nil {
		return h.fail(c, err)
	}

	var req dto.EditMessageRequest
	if err := h.bind(c, &req); err != nil {
		return h.fail(c, err)
	}

	message, err := h.service.Edit(h.requestContext(c), roomID, messageID, userID, req)
	if err != nil {
		return h.fail(c, err)
	}
	return utils.SendSuccess(c, "message updated", message)
}

func (h *ChatHandler) delete(c *fiber.Ctx) error {
	userID, roomID, err := h.caller(c)
	if err != nil {
		return h.fail(c, err)
	}
	messageID, err := parseUintParam(c, "id")
	if err != nil {
		return h.fail(c, err)
	}

	var req dto.DeleteMessageRequest
	if err := h.bind(c, &req); err != nil {
		return h.fail(c, err)
	}

	message, err := h.service.Delete(h.requestContext(c), roomID, messageID, userID, req)
	if err != nil {
		return h.fail(c, err)
	}
	return utils.SendSuccess(c, "message deleted", message)
}

func (h *ChatHandler) react(c *fiber.Ctx) error {
	userID, roomID, err := h.caller(c)
	if err != nil {
		return h.fail(c, err)
	}
	messageID, err := parseUintParam(c, "id")
	if err != nil {
		return h.fail(c, err)
	}

	var req dto.ReactionRequest
	if err := h.bind(c, &req); err != nil {
		return h.fail(c, err)
	}

	result, err := h.service.React(h.requestContext(c), roomID, messageID, userID, req.Emoji)
	if err != nil {
		return h.fail(c, err)
	}
	return utils.SendSuccess(c, "reaction added", result)
}

func (h *ChatHandler) unreact(c *fiber.Ctx) error {
	userID, roomID, err := h.caller(c)
	if err != nil {
		return h.fail(c, err)
	}
	messageID, err := parseUintParam(c, "id")
	if err != nil {
		return h.fail(c, err)
	}
	emoji, err := url.PathUnescape(c.Params("emoji"))
	if err != nil || strings.TrimSpace(emoji) == "" {
		return h.fail(c, apperror.InvalidArgument("invalid emoji"))
	}

	result, err := h.service.Unreact(h.requestContext(c), roomID, messageID, userID, emoji)
	if err != nil {
		return h.fail(c, err)
	}
	return utils.SendSuccess(c, "reaction removed", result)
}

func (h *ChatHandler) markRead(c *fiber.Ctx) error {
	userID, roomID, err := h.caller(c)
	if err != nil {
		return h.fail(c, err)
	}
	messageID, err := parseUintParam(c, "id")
	if err != nil {
		return h.fail(c, err)
	}

	var req dto.ReadRequest
	if err := h.bind(c, &req); err != nil {
		return h.fail(c, err)
	}

	receipt, err := h.service.MarkRead(h.requestContext(c), roomID, messageID, userID, req)
	if err != nil {
		return h.fail(c, err)
	}
	return utils.SendSuccess(c, "receipt recorded", receipt)
}

func (h *ChatHandler) readers(c *fiber.Ctx) error {
	userID, roomID, err := h.caller(c)
	if err != nil {
		return h.fail(c, err)
	}
	messageID, err := parseUintParam(c, "id")
	if err != nil {
		return h.fail(c, err)
	}

	readers, err := h.service.Readers(h.requestContext(c), roomID, messageID, userID)
	if err != nil {
		return h.fail(c, err)
	}
	return utils.SendSuccess(c, "readers", readers)
}

func (h *ChatHandler) pin(on bool) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID, roomID, err := h.caller(c)
		if err != nil {
			return h.fail(c, err)
		}
		messageID, err := parseUintParam(c, "id")
		if err != nil {
			return h.fail(c, err)
		}

		message, err := h.service.Pin(h.requestContext(c), roomID, messageID, userID, on)
		if err != nil {
			return h.fail(c, err)
		}
		return utils.SendSuccess(c, "pin updated", message)
	}
}

func (h *ChatHandler) favourite(on bool) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID, roomID, err := h.caller(c)
		if err != nil {
			return h.fail(c, err)
		}
		messageID, err := parseUintParam(c, "id")
		if err != nil {
			return h.fail(c, err)
		}

		result, err := h.service.Favourite(h.requestContext(c), roomID, messageID, userID, on)
		if err != nil {
			return h.fail(c, err)
		}
		return utils.SendSuccess(c, "favourite updated", result)
	}
}

func (h *ChatHandler) pinned(c *fiber.Ctx) error {
	userID, roomID, err := h.caller(c)
	if err != nil {
		return h.fail(c, err)
	}

	messages, err := h.service.Pinned(h.requestContext(c), roomID, userID)
	if err != nil {
		return h.fail(c, err)
	}
	return utils.SendSuccess(c, "pinned messages", messages)
}

func (h *ChatHandler) stats(c *fiber.Ctx) error {
	userID, roomID, err := h.caller(c)
	if err != nil {
		return h.fail(c, err)
	}

	day := time.Now().UTC()
	if raw := strings.TrimSpace(c.Query("day")); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return h.fail(c, apperror.InvalidArgument("day must be formatted as YYYY-MM-DD"))
		}
		day = parsed
	}

	stat, err := h.service.Stats(h.requestContext(c), roomID, userID, day)
	if err != nil {
		return h.fail(c, err)
	}
	return utils.SendSuccess(c, "daily stats", stat)
}

func (h *ChatHandler) translation(c *fiber.Ctx) error {
	userID, roomID, err := h.caller(c)
	if err != nil {
		return h.fail(c, err)
	}
	messageID, err := parseUintParam(c, "id")
	if err != nil {
		return h.fail(c, err)
	}

	translation, err := h.service.Translation(h.requestContext(c), roomID, messageID, userID, c.Params("lang"))
	if err != nil {
		return h.fail(c, err)
	}
	return utils.SendSuccess(c, "translation", translation)
}

func (h *ChatHandler) saveTranslation(c *fiber.Ctx) error {
	userID, roomID, err := h.caller(c)
	if err != nil {
		return h.fail(c, err)
	}
	messageID, err := parseUintParam(c, "id")
	if err != nil {
		return h.fail(c, err)
	}

	var req dto.TranslationRequest
	if err := h.bind(c, &req); err != nil {
		return h.fail(c, err)
	}

	translation, err := h.service.SaveTranslation(h.requestContext(c), roomID, messageID, userID, models.MessageTranslation{
		Language: c.Params("lang"),
		Content:  req.Content,
		Provider: req.Provider,
	})
	if err != nil {
		return h.fail(c, err)
	}
	return utils.SendSuccess(c, "translation saved", translation)
}

func (h *ChatHandler) typing(c *fiber.Ctx) error {
	userID, roomID, err := h.caller(c)
	if err != nil {
		return h.fail(c, err)
	}

	var req dto.TypingRequest
	if err := h.bind(c, &req); err != nil {
		return h.fail(c, err)
	}

	if err := h.service.Typing(h.requestContext(c), roomID, userID, req.IsTyping); err != nil {
		return h.fail(c, err)
	}
	return utils.SendSuccess(c, "typing updated", fiber.Map{"is_typing": req.IsTyping})
}

func (h *ChatHandler) status(c *fiber.Ctx) error {
	userID, roomID, err := h.caller(c)
	if err != nil {
		return h.fail(c, err)
	}

	status, err := h.service.Status(h.requestContext(c), roomID, userID)
	if err != nil {
		return h.fail(c, err)
	}
	return utils.SendSuccess(c, "room status", status)
}

// lastMessageID reads the resume cursor from the query string, falling back
// to the Last-Event-ID header browsers send on reconnect.
func lastMessageID(raw, header string) (uint64, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		value = strings.TrimSpace(header)
	}
	if value == "" {
		return 0, nil
	}
	parsed, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, apperror.InvalidArgument("invalid last_message_id")
	}
	return parsed, nil
}

func (h *ChatHandler) stream(c *fiber.Ctx) error {
	userID, roomID, err := h.caller(c)
	if err != nil {
		return h.fail(c, err)
	}
	last, err := lastMessageID(c.Query("last_message_id"), c.Get("Last-Event-ID"))
	if err != nil {
		return h.fail(c, err)
	}

	correlation := middleware.GetCorrelationID(c)
	ctx := middleware.ContextWithCorrelation(h.baseCtx, correlation)
	session, err := h.service.OpenSession(ctx, roomID, userID, last)
	if err != nil {
		return h.fail(c, err)
	}

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	logger := h.logger.With().
		Str("session_id", session.ID()).
		Uint64("room_id", roomID).
		Str("user_id", userID).
		Str("correlation_id", correlation).
		Logger()
	probe := h.probe

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		transport := newSSETransport(w, probe)
		if err := transport.writeRetry(session.Retry()); err != nil {
			logger.Debug().Err(err).Msg("stream client gone before start")
			return
		}
		logger.Info().Msg("stream opened")
		if err := session.Run(ctx, transport); err != nil {
			logger.Warn().Err(err).Msg("stream ended with error")
			return
		}
		logger.Info().Msg("stream closed")
	})

	return nil
}

func (h *ChatHandler) socket(conn *websocket.Conn) {
	defer conn.Close()

	userID, _ := conn.Locals("user_id").(string)
	userID = strings.TrimSpace(userID)
	correlation, _ := conn.Locals("correlation_id").(string)
	roomID, err := strconv.ParseUint(conn.Params("roomId"), 10, 64)
	if err != nil || roomID == 0 || userID == "" {
		h.closeSocket(conn, websocket.ClosePolicyViolation, "room and user are required")
		return
	}
	last, err := lastMessageID(conn.Query("last_message_id"), "")
	if err != nil {
		h.closeSocket(conn, websocket.CloseUnsupportedData, err.Error())
		return
	}

	ctx := middleware.ContextWithCorrelation(h.baseCtx, correlation)
	session, err := h.service.OpenSession(ctx, roomID, userID, last)
	if err != nil {
		code := websocket.CloseInternalServerErr
		if statusFor(err) < fiber.StatusInternalServerError {
			code = websocket.ClosePolicyViolation
		}
		h.closeSocket(conn, code, err.Error())
		return
	}

	logger := h.logger.With().
		Str("session_id", session.ID()).
		Uint64("room_id", roomID).
		Str("user_id", userID).
		Logger()

	transport := newSocketTransport(conn)
	go transport.readLoop(func(isTyping bool) {
		if err := h.service.Typing(ctx, roomID, userID, isTyping); err != nil {
			logger.Warn().Err(err).Msg("typing frame rejected")
		}
	})

	logger.Info().Msg("websocket stream opened")
	if err := session.Run(ctx, transport); err != nil {
		logger.Warn().Err(err).Msg("websocket stream ended with error")
		if statusFor(err) < fiber.StatusInternalServerError {
			h.closeSocket(conn, websocket.ClosePolicyViolation, err.Error())
		}
		return
	}
	logger.Info().Msg("websocket stream closed")
}

func (h *ChatHandler) closeSocket(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
}

func (h *ChatHandler) partitions(c *fiber.Ctx) error {
	return utils.SendSuccess(c, "open partitions", h.service.Partitions())
}

func (h *ChatHandler) announce(c *fiber.Ctx) error {
	userID, roomID, err := h.caller(c)
	if err != nil {
		return h.fail(c, err)
	}

	var req dto.AnnounceRequest
	if err := h.bind(c, &req); err != nil {
		return h.fail(c, err)
	}

	data := make(map[string]string, len(req.Data)+1)
	for key, value := range req.Data {
		data[key] = value
	}
	if req.Text != "" {
		data["text"] = req.Text
	}

	message, err := h.service.Announce(h.requestContext(c), roomID, userID, models.SystemPayload{Event: req.Event, Data: data})
	if err != nil {
		return h.fail(c, err)
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "announcement posted", message)
}
