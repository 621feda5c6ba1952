package tenant

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/noah-isme/roomchat-api/internal/apperror"
	"github.com/noah-isme/roomchat-api/internal/models"
	"github.com/noah-isme/roomchat-api/internal/observability"
)

const (
	defaultPoolSize    = 256
	defaultBusyTimeout = 5 * time.Second
	defaultMaxConns    = 4
)

// Options configures a Router.
type Options struct {
	Root        string
	PoolSize    int
	BusyTimeout time.Duration
	MaxConns    int
	Logger      zerolog.Logger
}

// Handle is an open, provisioned partition bound to exactly one room.
type Handle struct {
	room     Room
	address  Address
	db       *gorm.DB
	openedAt time.Time
}

// DB returns the gorm handle of the partition.
func (h *Handle) DB() *gorm.DB { return h.db }

// Room returns the room the partition belongs to.
func (h *Handle) Room() Room { return h.room }

// Address returns the partition location.
func (h *Handle) Address() Address { return h.address }

func (h *Handle) close() error {
	sqlDB, err := h.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// HandleInfo describes an open partition handle.
type HandleInfo struct {
	RoomID   uint64    `json:"room_id"`
	RoomCode string    `json:"room_code"`
	Path     string    `json:"path"`
	OpenedAt time.Time `json:"opened_at"`
}

// Router maps rooms to partition handles, provisioning schema on first use.
type Router struct {
	opts   Options
	logger zerolog.Logger
	group  singleflight.Group

	mu    sync.Mutex
	cache *lru.Cache
}

// NewRouter constructs a Router rooted at opts.Root.
func NewRouter(opts Options) (*Router, error) {
	if opts.Root == "" {
		return nil, fmt.Errorf("tenant storage root must not be empty")
	}
	if opts.PoolSize <= 0 {
		opts.PoolSize = defaultPoolSize
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = defaultBusyTimeout
	}
	if opts.MaxConns <= 0 {
		opts.MaxConns = defaultMaxConns
	}

	r := &Router{
		opts:   opts,
		logger: opts.Logger.With().Str("component", "tenant_router").Logger(),
	}

	cache, err := lru.NewWithEvict(opts.PoolSize, r.onEvict)
	if err != nil {
		return nil, fmt.Errorf("failed to create partition pool: %w", err)
	}
	r.cache = cache

	return r, nil
}

// Resolve returns the live handle of the room's partition, opening and
// migrating it when it is not cached yet. Concurrent first resolves of the
// same room share a single provisioning.
func (r *Router) Resolve(ctx context.Context, room Room) (*Handle, error) {
	address, err := AddressFor(r.opts.Root, room)
	if err != nil {
		return nil, err
	}
	key := address.Path()

	if handle, ok := r.lookup(key); ok {
		return r.bind(handle, room)
	}

	value, err, _ := r.group.Do(key, func() (interface{}, error) {
		if handle, ok := r.lookup(key); ok {
			return handle, nil
		}

		handle, err := r.provision(ctx, room, address)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		r.cache.Add(key, handle)
		observability.TenantPartitionsOpen().Set(float64(r.cache.Len()))
		r.mu.Unlock()

		return handle, nil
	})
	if err != nil {
		return nil, err
	}

	return r.bind(value.(*Handle), room)
}

// Stats lists the open partition handles ordered by room id.
func (r *Router) Stats() []HandleInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := r.cache.Keys()
	out := make([]HandleInfo, 0, len(keys))
	for _, key := range keys {
		value, ok := r.cache.Peek(key)
		if !ok {
			continue
		}
		handle := value.(*Handle)
		out = append(out, HandleInfo{
			RoomID:   handle.room.ID,
			RoomCode: handle.room.Code,
			Path:     handle.address.Path(),
			OpenedAt: handle.openedAt,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })
	return out
}

// Close releases every open partition handle.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.cache.Purge()
	observability.TenantPartitionsOpen().Set(0)
	return nil
}

func (r *Router) lookup(key string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	value, ok := r.cache.Get(key)
	if !ok {
		return nil, false
	}
	return value.(*Handle), true
}

// bind refuses to hand out a partition to a caller presenting another room's id.
func (r *Router) bind(handle *Handle, room Room) (*Handle, error) {
	if handle.room.ID != room.ID {
		return nil, apperror.InvalidArgument("partition %s belongs to room %d, not %d", handle.address.File, handle.room.ID, room.ID)
	}
	return handle, nil
}

func (r *Router) provision(ctx context.Context, room Room, address Address) (*Handle, error) {
	if err := os.MkdirAll(address.Dir, 0o755); err != nil {
		return nil, apperror.Transient(fmt.Errorf("create partition directory: %w", err))
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_txlock=immediate&_foreign_keys=on",
		address.Path(), r.opts.BusyTimeout.Milliseconds())

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  gormlogger.Default.LogMode(gormlogger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, apperror.Transient(fmt.Errorf("open partition %s: %w", address.Path(), err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, apperror.Transient(err)
	}
	sqlDB.SetMaxOpenConns(r.opts.MaxConns)

	if err := db.WithContext(ctx).AutoMigrate(models.PartitionTables()...); err != nil {
		_ = sqlDB.Close()
		return nil, apperror.Transient(fmt.Errorf("migrate partition %s: %w", address.Path(), err))
	}

	observability.TenantPartitionsOpened().Inc()
	r.logger.Info().
		Uint64("room_id", room.ID).
		Str("room_code", room.Code).
		Str("path", address.Path()).
		Msg("room partition opened")

	return &Handle{
		room:     room,
		address:  address,
		db:       db,
		openedAt: time.Now().UTC(),
	}, nil
}

func (r *Router) onEvict(key interface{}, value interface{}) {
	handle, ok := value.(*Handle)
	if !ok {
		return
	}
	if err := handle.close(); err != nil {
		r.logger.Warn().Err(err).Str("path", handle.address.Path()).Msg("failed to close evicted partition")
		return
	}
	r.logger.Debug().Str("path", handle.address.Path()).Msg("room partition closed")
}
