package config

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeebo/blake3"

	logx "publisher/pkg/logx"
)

const validateTimeout = 5 * time.Second

// Manager owns the live config: the committed value, its content digest,
// and the subscribers that hear about every committed change.
type Manager struct {
	path string
	log  logx.Logger

	validator func(ctx context.Context, cfg *Config) error

	cur atomic.Pointer[committed]

	// subsMu also serializes publishing with Unsubscribe closing a channel.
	subsMu sync.Mutex
	subs   map[chan *Config]struct{}
}

// committed pairs a config with the digest that detects no-op reloads.
type committed struct {
	cfg    *Config
	digest string
}

func NewManager(path string) *Manager {
	return &Manager{path: path, log: logx.Nop(), subs: map[chan *Config]struct{}{}}
}

func (m *Manager) Path() string { return m.path }

func (m *Manager) SetLogger(log logx.Logger) {
	if log.IsZero() {
		log = logx.Nop()
	}
	m.log = log.With(logx.String("path", m.path))
}

// SetValidator installs the check a reload must pass before it is committed.
// Call it before Watch.
func (m *Manager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validator = fn
}

func (m *Manager) Parse() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	return ParseBytes(m.path, b)
}

// Load parses and commits without validation or publishing.
func (m *Manager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *Manager) Commit(cfg *Config) {
	m.cur.Store(&committed{cfg: cfg, digest: digest(cfg)})
}

func (m *Manager) Get() *Config {
	if c := m.cur.Load(); c != nil {
		return c.cfg
	}
	return nil
}

// digest is empty when cfg can't be encoded, which never matches.
func digest(cfg *Config) string {
	if cfg == nil {
		return ""
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return ""
	}
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:8])
}

// Subscribe returns a channel that receives every committed reload. A slow
// subscriber only ever misses intermediate configs, never the latest one.
func (m *Manager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, max(buffer, 1))
	m.subsMu.Lock()
	m.subs[ch] = struct{}{}
	m.subsMu.Unlock()
	return ch
}

func (m *Manager) Unsubscribe(ch chan *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	if _, ok := m.subs[ch]; ok {
		delete(m.subs, ch)
		close(ch)
	}
}

func (m *Manager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for ch := range m.subs {
		for !offer(ch, cfg) {
			// make room by dropping the oldest pending config
			select {
			case <-ch:
			default:
			}
		}
	}
}

func offer(ch chan *Config, cfg *Config) bool {
	select {
	case ch <- cfg:
		return true
	default:
		return false
	}
}

// Reload parses, validates, commits and publishes the file once. Content
// identical to the committed config is neither validated nor published.
func (m *Manager) Reload(ctx context.Context) error {
	cfg, err := m.Parse()
	if err != nil {
		m.log.Warn("config parse failed", logx.Err(err))
		return err
	}
	d := digest(cfg)
	if cur := m.cur.Load(); cur != nil && d != "" && d == cur.digest {
		m.log.Debug("config unchanged")
		return nil
	}
	if m.validator != nil {
		vctx, cancel := context.WithTimeout(ctx, validateTimeout)
		err := m.validator(vctx, cfg)
		cancel()
		if err != nil {
			m.log.Warn("config rejected", logx.Err(err))
			return err
		}
	}
	m.cur.Store(&committed{cfg: cfg, digest: d})
	m.publish(cfg)
	m.log.Info("config reloaded", logx.String("digest", d))
	return nil
}

// Watch reloads on every change to the file until ctx is done.
func (m *Manager) Watch(ctx context.Context) error {
	return WatchFile(ctx, m.path, m.log, func() { _ = m.Reload(ctx) })
}
