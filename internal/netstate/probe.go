package netstate

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

type Mode string

const (
	ModeAuto Mode = "auto"
	ModeOn   Mode = "on"  // always offline
	ModeOff  Mode = "off" // never offline
)

func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeAuto, "":
		return ModeAuto, nil
	case ModeOn:
		return ModeOn, nil
	case ModeOff:
		return ModeOff, nil
	default:
		return "", fmt.Errorf("invalid offline mode %q", s)
	}
}

type Config struct {
	Mode       Mode
	ProbeURL   string
	TTL        time.Duration
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// Probe answers whether the process should consider itself offline. In auto
// mode it asks ProbeURL and remembers the answer for TTL; concurrent callers
// share one in-flight request.
type Probe struct {
	cfg    Config
	cached *gocache.Cache
	group  singleflight.Group
}

func New(cfg Config) *Probe {
	if cfg.Mode == "" {
		cfg.Mode = ModeAuto
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Probe{cfg: cfg, cached: gocache.New(cfg.TTL, 2*cfg.TTL)}
}

const onlineKey = "online"

func (p *Probe) Offline(ctx context.Context) bool {
	switch p.cfg.Mode {
	case ModeOn:
		return true
	case ModeOff:
		return false
	}
	if strings.TrimSpace(p.cfg.ProbeURL) == "" {
		return false
	}
	if v, ok := p.cached.Get(onlineKey); ok {
		return !v.(bool)
	}

	v, _, _ := p.group.Do(onlineKey, func() (any, error) {
		online := p.check(ctx)
		p.cached.SetDefault(onlineKey, online)
		return online, nil
	})
	return !v.(bool)
}

// Invalidate drops the remembered answer, e.g. after a provider call failed
// at the transport level.
func (p *Probe) Invalidate() {
	p.cached.Delete(onlineKey)
}

func (p *Probe) check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.cfg.ProbeURL, nil)
	if err != nil {
		p.cfg.Logger.Warn().Err(err).Str("url", p.cfg.ProbeURL).Msg("build connectivity probe")
		return true
	}
	resp, err := p.cfg.HTTPClient.Do(req)
	if err != nil {
		p.cfg.Logger.Info().Err(err).Msg("connectivity probe failed, treating as offline")
		return false
	}
	resp.Body.Close()
	// any answer at all means the network path works
	return true
}
