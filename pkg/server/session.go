package server

import (
	"context"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"zprojector/internal/models"
	"zprojector/pkg/loader"
	"zprojector/pkg/precomputed"
	"zprojector/pkg/projection"
)

// Settings are the projection parameters new sessions start with.
type Settings struct {
	Mode      projection.Mode
	Options   projection.Options
	NumLayers int

	// MaxSessions caps live sessions; values below 1 mean one session
	MaxSessions int
}

// Session pairs the shared original volume with one viewer's current
// projection. UseLayers is the only writer; readers take a snapshot of the
// current source and keep using it even if it is replaced meanwhile.
type Session struct {
	ID      string
	Created time.Time

	original *models.Volume
	mode     projection.Mode
	opts     projection.Options
	log      logrus.FieldLogger

	// update serializes recomputations so the last request wins
	update sync.Mutex

	mu        sync.RWMutex
	numLayers int
	projected precomputed.Source
}

// Mode reports whether the session materializes its projection.
func (s *Session) Mode() projection.Mode {
	return s.mode
}

// Original returns the raw volume as a source.
func (s *Session) Original() precomputed.Source {
	return precomputed.NewVolumeSource(s.original)
}

// Projected returns the current projection and its window half-width.
func (s *Session) Projected() (precomputed.Source, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.projected, s.numLayers
}

// UseLayers replaces the session's projection with one of half-width
// numLayers. In eager mode the full volume is computed before the swap; in
// lazy mode only the view is reconfigured. On error the previous projection
// stays in place.
func (s *Session) UseLayers(ctx context.Context, numLayers int) error {
	s.update.Lock()
	defer s.update.Unlock()

	start := time.Now()
	src, err := s.project(ctx, numLayers)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.projected = src
	s.numLayers = numLayers
	s.mu.Unlock()

	fields := logrus.Fields{
		"session":   s.ID,
		"mode":      s.mode.String(),
		"numLayers": numLayers,
		"duration":  time.Since(start).String(),
	}
	if s.mode == projection.Eager {
		fields["size"] = humanize.Bytes(uint64(src.Shape().NumVoxels()))
	}
	s.log.WithFields(fields).Info("Projection updated")
	return nil
}

func (s *Session) project(ctx context.Context, numLayers int) (precomputed.Source, error) {
	if s.mode == projection.Lazy {
		s.mu.RLock()
		current, ok := s.projected.(*projection.LazyProjector)
		s.mu.RUnlock()
		if ok {
			return current.WithNumLayers(numLayers)
		}
		return projection.Wrap(s.original, numLayers)
	}

	vol, err := projection.ProjectContext(ctx, s.original, numLayers, s.opts)
	if err != nil {
		return nil, err
	}
	return precomputed.NewVolumeSource(vol), nil
}

// Manager owns the loaded volume and the live sessions over it.
type Manager struct {
	volume   *models.Volume
	settings Settings
	log      logrus.FieldLogger

	statsOnce sync.Once
	stats     []loader.ChannelStats

	mu       sync.RWMutex
	sessions map[string]*Session
	order    []string // creation order, oldest first
}

// NewManager returns a manager serving sessions over volume. The volume must
// not be modified afterwards.
func NewManager(volume *models.Volume, settings Settings, log logrus.FieldLogger) *Manager {
	if settings.MaxSessions < 1 {
		settings.MaxSessions = 1
	}
	return &Manager{
		volume:   volume,
		settings: settings,
		log:      log,
		sessions: make(map[string]*Session),
	}
}

// Create starts a session with the default window and registers it,
// dropping the oldest session when the cap is reached.
func (m *Manager) Create(ctx context.Context) (*Session, error) {
	sess := &Session{
		ID:       uuid.NewString(),
		Created:  time.Now(),
		original: m.volume,
		mode:     m.settings.Mode,
		opts:     m.settings.Options,
	}
	sess.log = m.log.WithField("session", sess.ID)
	if err := sess.UseLayers(ctx, m.settings.NumLayers); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.order) >= m.settings.MaxSessions {
		oldest := m.order[0]
		m.order = m.order[1:]
		delete(m.sessions, oldest)
		m.log.WithField("session", oldest).Info("Dropped oldest session")
	}
	m.sessions[sess.ID] = sess
	m.order = append(m.order, sess.ID)
	return sess, nil
}

// Get looks up a session by id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	return sess, ok
}

// Latest returns the most recently created live session.
func (m *Manager) Latest() (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.order) == 0 {
		return nil, false
	}
	return m.sessions[m.order[len(m.order)-1]], true
}

// Delete removes a session, reporting whether it existed.
func (m *Manager) Delete(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return false
	}
	delete(m.sessions, id)
	for i, sid := range m.order {
		if sid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return true
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Stats returns per-channel statistics of the original volume, computed on
// first use.
func (m *Manager) Stats() []loader.ChannelStats {
	m.statsOnce.Do(func() {
		m.stats = loader.Summarize(m.volume)
	})
	return m.stats
}
