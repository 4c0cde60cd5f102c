package telegram

import (
	"context"
	"strings"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers/filters/callbackquery"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers/filters/message"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"notebot/internal/approval"
	"notebot/internal/metrics"
	"notebot/internal/netstate"
	"notebot/internal/permissions"
	"notebot/internal/providers"
	"notebot/internal/queue"
	"notebot/internal/responsecache"
	"notebot/internal/storage"
)

type Service struct {
	store         *storage.Store
	queue         *queue.StreamQueue
	quota         *queue.TurnQuota
	approvals     *approval.Manager
	policy        *permissions.Registry
	cache         *responsecache.Cache
	probe         *netstate.Probe
	sessions      *chatSessions
	drafts        *draftStore
	redis         *redis.Client
	logger        zerolog.Logger
	metrics       *metrics.Metrics
	adminCacheTTL time.Duration
	contextMode   providers.ContextMode
	accessMode    string
	adminUserID   int64
}

type Config struct {
	Store         *storage.Store
	Queue         *queue.StreamQueue
	Quota         *queue.TurnQuota
	Approvals     *approval.Manager
	Policy        *permissions.Registry
	Cache         *responsecache.Cache
	Probe         *netstate.Probe
	Redis         *redis.Client
	Logger        zerolog.Logger
	Metrics       *metrics.Metrics
	AdminCacheTTL time.Duration
	SessionTTL    time.Duration
	DraftTTL      time.Duration
	ContextMode   providers.ContextMode
	AccessMode    string
	AdminUserID   int64
}

func NewService(cfg Config) *Service {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.AdminCacheTTL <= 0 {
		cfg.AdminCacheTTL = 10 * time.Minute
	}
	if cfg.DraftTTL <= 0 {
		cfg.DraftTTL = 20 * time.Minute
	}
	if cfg.ContextMode == "" {
		cfg.ContextMode = providers.ContextFull
	}
	return &Service{
		store:         cfg.Store,
		queue:         cfg.Queue,
		quota:         cfg.Quota,
		approvals:     cfg.Approvals,
		policy:        cfg.Policy,
		cache:         cfg.Cache,
		probe:         cfg.Probe,
		sessions:      newChatSessions(cfg.Redis, cfg.SessionTTL),
		drafts:        newDraftStore(cfg.Redis, cfg.DraftTTL),
		redis:         cfg.Redis,
		logger:        cfg.Logger,
		metrics:       m,
		adminCacheTTL: cfg.AdminCacheTTL,
		contextMode:   cfg.ContextMode,
		accessMode:    cfg.AccessMode,
		adminUserID:   cfg.AdminUserID,
	}
}

func (s *Service) Register(d *ext.Dispatcher) {
	d.AddHandler(handlers.NewCommand("help", s.help))
	d.AddHandler(handlers.NewCommand("start", s.help))
	d.AddHandler(handlers.NewCommand("menu", s.menu))
	d.AddHandler(handlers.NewCommand("status", s.status))
	d.AddHandler(handlers.NewCommand("ask", s.ask))
	d.AddHandler(handlers.NewCommand("pending", s.pending))
	d.AddHandler(handlers.NewCommand("approve_all", s.approveAll))
	d.AddHandler(handlers.NewCommand("reject_all", s.rejectAll))
	d.AddHandler(handlers.NewCommand("tools", s.tools))
	d.AddHandler(handlers.NewCommand("tool", s.tool))
	d.AddHandler(handlers.NewCommand("tools_reset", s.toolsReset))
	d.AddHandler(handlers.NewCommand("new_session", s.newSession))
	d.AddHandler(handlers.NewCommand("source_add", s.sourceAdd))
	d.AddHandler(handlers.NewCommand("sources", s.sources))
	d.AddHandler(handlers.NewCommand("source_del", s.sourceDel))
	d.AddHandler(handlers.NewCommand("history_clear", s.historyClear))
	d.AddHandler(handlers.NewCommand("cancel", s.cancelDraft))
	d.AddHandler(handlers.NewCallback(callbackquery.Prefix(cbPrefix), s.onCallback))
	d.AddHandler(handlers.NewMessage(func(msg *gotgbot.Message) bool {
		return message.Text(msg) && !strings.HasPrefix(msg.Text, "/")
	}, s.plainText))
}

func (s *Service) now() time.Time {
	return time.Now().UTC()
}

func (s *Service) session(ctx context.Context, chatID int64) permissions.Session {
	sess, err := s.sessions.Current(ctx, chatID)
	if err != nil {
		s.logger.Warn().Err(err).Int64("chat_id", chatID).Msg("chat session unavailable")
	}
	return sess
}
