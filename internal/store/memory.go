package store

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// SessionTTL is the maximum age of an OAuth session, measured from
	// CreatedAt regardless of later updates.
	SessionTTL = 7 * 24 * time.Hour

	cleanupInterval = 5 * time.Minute
)

// MemoryStorage is the canonical Storage implementation: primary maps plus
// secondary indices, swept periodically for expired records. It is used
// directly in deployments with an external session database and wrapped by
// FileStorage for single-instance deployments.
//
// The secondary indices are denormalized caches; every mutation that touches
// a token must update the index in the same critical section or a racing
// reader could observe a session reachable by its old token and unreachable
// by its new one.
type MemoryStorage struct {
	mu            sync.Mutex
	sessions      map[string]*OAuthSession
	deviceFlows   map[string]*DeviceFlowState
	authCodeFlows map[string]*AuthCodeFlowState
	authCodes     map[string]*AuthorizationCode

	sessionsByAccessToken  map[string]string
	sessionsByRefreshToken map[string]string
	mcpSessions            map[string]string

	sweep Task

	now       func() time.Time
	scheduler Scheduler
	quiet     bool
}

var _ Storage = (*MemoryStorage)(nil)

// NewMemoryStorage returns an empty in-memory store. Initialize starts the
// expiry sweep.
func NewMemoryStorage() *MemoryStorage {
	return newMemoryStorage(time.Now, NewSystemScheduler(), false)
}

func newMemoryStorage(now func() time.Time, scheduler Scheduler, quiet bool) *MemoryStorage {
	return &MemoryStorage{
		sessions:               make(map[string]*OAuthSession),
		deviceFlows:            make(map[string]*DeviceFlowState),
		authCodeFlows:          make(map[string]*AuthCodeFlowState),
		authCodes:              make(map[string]*AuthorizationCode),
		sessionsByAccessToken:  make(map[string]string),
		sessionsByRefreshToken: make(map[string]string),
		mcpSessions:            make(map[string]string),
		now:                    now,
		scheduler:              scheduler,
		quiet:                  quiet,
	}
}

func (m *MemoryStorage) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sweep == nil {
		m.sweep = m.scheduler.Every(cleanupInterval, m.Cleanup)
	}
	if !m.quiet {
		logrus.Info("in-memory session storage initialized")
	}
	return nil
}

func (m *MemoryStorage) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sweep != nil {
		m.sweep.Stop()
		m.sweep = nil
	}
	return nil
}

// CreateSession inserts a session and its token index entries. A duplicate id
// silently overwrites the previous record; collision-free ids are the
// caller's responsibility.
func (m *MemoryStorage) CreateSession(s *OAuthSession) {
	m.mu.Lock()
	defer m.mu.Unlock()

	nowMillis := m.now().UnixMilli()
	copied := s.clone()
	if copied.CreatedAt == 0 {
		copied.CreatedAt = nowMillis
	}
	if copied.UpdatedAt == 0 {
		copied.UpdatedAt = copied.CreatedAt
	}

	if old, ok := m.sessions[copied.ID]; ok {
		m.unindexSessionLocked(old)
	}
	m.sessions[copied.ID] = copied
	m.indexSessionLocked(copied)
}

func (m *MemoryStorage) GetSession(id string) (*OAuthSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	return s.clone(), true
}

func (m *MemoryStorage) GetSessionByAccessToken(token string) (*OAuthSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.sessionsByAccessToken[token]
	if !ok {
		return nil, false
	}
	return m.sessions[id].clone(), true
}

func (m *MemoryStorage) GetSessionByRefreshToken(token string) (*OAuthSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.sessionsByRefreshToken[token]
	if !ok {
		return nil, false
	}
	return m.sessions[id].clone(), true
}

func (m *MemoryStorage) GetAllSessions() []*OAuthSession {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*OAuthSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.clone())
	}
	return out
}

// UpdateSession applies a partial update and refreshes UpdatedAt. Replacing a
// token removes the old index entry and inserts the new one in the same
// critical section.
func (m *MemoryStorage) UpdateSession(id string, update SessionUpdate) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return false
	}

	if update.GitLabUserID != nil {
		s.GitLabUserID = *update.GitLabUserID
	}
	if update.GitLabToken != nil {
		tok := *update.GitLabToken
		s.GitLabToken = &tok
	}
	if update.MCPAccessToken != nil && *update.MCPAccessToken != s.MCPAccessToken {
		if s.MCPAccessToken != "" {
			delete(m.sessionsByAccessToken, s.MCPAccessToken)
		}
		s.MCPAccessToken = *update.MCPAccessToken
		if s.MCPAccessToken != "" {
			m.sessionsByAccessToken[s.MCPAccessToken] = id
		}
	}
	if update.MCPRefreshToken != nil && *update.MCPRefreshToken != s.MCPRefreshToken {
		if s.MCPRefreshToken != "" {
			delete(m.sessionsByRefreshToken, s.MCPRefreshToken)
		}
		s.MCPRefreshToken = *update.MCPRefreshToken
		if s.MCPRefreshToken != "" {
			m.sessionsByRefreshToken[s.MCPRefreshToken] = id
		}
	}
	s.UpdatedAt = m.now().UnixMilli()
	return true
}

func (m *MemoryStorage) DeleteSession(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.deleteSessionLocked(id)
}

func (m *MemoryStorage) PutDeviceFlow(state string, flow *DeviceFlowState) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.deviceFlows[state] = flow.clone()
}

func (m *MemoryStorage) GetDeviceFlow(state string) (*DeviceFlowState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.deviceFlows[state]
	if !ok {
		return nil, false
	}
	return f.clone(), true
}

// GetDeviceFlowByDeviceCode scans all device flows. No index is maintained
// for this lookup: device flows are few and short-lived, and the device code
// is polled far less often than the primary state key.
func (m *MemoryStorage) GetDeviceFlowByDeviceCode(deviceCode string) (*DeviceFlowState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, f := range m.deviceFlows {
		if f.DeviceCode == deviceCode {
			return f.clone(), true
		}
	}
	return nil, false
}

func (m *MemoryStorage) DeleteDeviceFlow(state string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.deviceFlows[state]; !ok {
		return false
	}
	delete(m.deviceFlows, state)
	return true
}

func (m *MemoryStorage) PutAuthCodeFlow(internalState string, flow *AuthCodeFlowState) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.authCodeFlows[internalState] = flow.clone()
}

func (m *MemoryStorage) GetAuthCodeFlow(internalState string) (*AuthCodeFlowState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.authCodeFlows[internalState]
	if !ok {
		return nil, false
	}
	return f.clone(), true
}

func (m *MemoryStorage) DeleteAuthCodeFlow(internalState string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.authCodeFlows[internalState]; !ok {
		return false
	}
	delete(m.authCodeFlows, internalState)
	return true
}

func (m *MemoryStorage) PutAuthCode(code *AuthorizationCode) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.authCodes[code.Code] = code.clone()
}

func (m *MemoryStorage) GetAuthCode(code string) (*AuthorizationCode, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.authCodes[code]
	if !ok {
		return nil, false
	}
	return c.clone(), true
}

func (m *MemoryStorage) DeleteAuthCode(code string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.authCodes[code]; !ok {
		return false
	}
	delete(m.authCodes, code)
	return true
}

func (m *MemoryStorage) PutSessionMapping(mcpSessionID, oauthSessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.mcpSessions[mcpSessionID] = oauthSessionID
}

func (m *MemoryStorage) GetSessionMapping(mcpSessionID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.mcpSessions[mcpSessionID]
	return id, ok
}

func (m *MemoryStorage) DeleteSessionMapping(mcpSessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.mcpSessions[mcpSessionID]; !ok {
		return false
	}
	delete(m.mcpSessions, mcpSessionID)
	return true
}

// Cleanup removes every record past its expiry rule: sessions older than
// SessionTTL, and device flows, auth-code flows and authorization codes past
// their ExpiresAt. Session removal goes through the same index-clearing path
// as DeleteSession.
func (m *MemoryStorage) Cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	nowMillis := now.UnixMilli()
	deadline := now.Add(-SessionTTL).UnixMilli()

	var removed int
	for id, s := range m.sessions {
		if s.CreatedAt < deadline {
			m.deleteSessionLocked(id)
			removed++
		}
	}
	for state, f := range m.deviceFlows {
		if f.ExpiresAt < nowMillis {
			delete(m.deviceFlows, state)
			removed++
		}
	}
	for state, f := range m.authCodeFlows {
		if f.ExpiresAt < nowMillis {
			delete(m.authCodeFlows, state)
			removed++
		}
	}
	for code, c := range m.authCodes {
		if c.ExpiresAt < nowMillis {
			delete(m.authCodes, code)
			removed++
		}
	}

	if removed > 0 && !m.quiet {
		logrus.WithField("removed", removed).Debug("expired session records swept")
	}
}

func (m *MemoryStorage) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Stats{
		Sessions:        len(m.sessions),
		DeviceFlows:     len(m.deviceFlows),
		AuthCodeFlows:   len(m.authCodeFlows),
		AuthCodes:       len(m.authCodes),
		SessionMappings: len(m.mcpSessions),
	}
}

// ExportData returns a full snapshot of every primary map. Indices are not
// exported; ImportData rebuilds them from the primary records.
func (m *MemoryStorage) ExportData() *Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := &Snapshot{
		Sessions:           make([]*OAuthSession, 0, len(m.sessions)),
		DeviceFlows:        make([]DeviceFlowRecord, 0, len(m.deviceFlows)),
		AuthCodeFlows:      make([]AuthCodeFlowRecord, 0, len(m.authCodeFlows)),
		AuthCodes:          make([]*AuthorizationCode, 0, len(m.authCodes)),
		MCPSessionMappings: make([]SessionMappingRecord, 0, len(m.mcpSessions)),
	}
	for _, s := range m.sessions {
		snap.Sessions = append(snap.Sessions, s.clone())
	}
	for state, f := range m.deviceFlows {
		snap.DeviceFlows = append(snap.DeviceFlows, DeviceFlowRecord{State: state, Flow: f.clone()})
	}
	for state, f := range m.authCodeFlows {
		snap.AuthCodeFlows = append(snap.AuthCodeFlows, AuthCodeFlowRecord{InternalState: state, Flow: f.clone()})
	}
	for _, c := range m.authCodes {
		snap.AuthCodes = append(snap.AuthCodes, c.clone())
	}
	for mcpID, oauthID := range m.mcpSessions {
		snap.MCPSessionMappings = append(snap.MCPSessionMappings, SessionMappingRecord{
			MCPSessionID:   mcpID,
			OAuthSessionID: oauthID,
		})
	}
	return snap
}

// ImportData replaces all state with the snapshot contents and rebuilds the
// secondary indices. It is a replace, not a merge.
func (m *MemoryStorage) ImportData(snap *Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sessions = make(map[string]*OAuthSession, len(snap.Sessions))
	m.deviceFlows = make(map[string]*DeviceFlowState, len(snap.DeviceFlows))
	m.authCodeFlows = make(map[string]*AuthCodeFlowState, len(snap.AuthCodeFlows))
	m.authCodes = make(map[string]*AuthorizationCode, len(snap.AuthCodes))
	m.sessionsByAccessToken = make(map[string]string)
	m.sessionsByRefreshToken = make(map[string]string)
	m.mcpSessions = make(map[string]string, len(snap.MCPSessionMappings))

	for _, s := range snap.Sessions {
		copied := s.clone()
		m.sessions[copied.ID] = copied
		m.indexSessionLocked(copied)
	}
	for _, r := range snap.DeviceFlows {
		if r.Flow != nil {
			m.deviceFlows[r.State] = r.Flow.clone()
		}
	}
	for _, r := range snap.AuthCodeFlows {
		if r.Flow != nil {
			m.authCodeFlows[r.InternalState] = r.Flow.clone()
		}
	}
	for _, c := range snap.AuthCodes {
		m.authCodes[c.Code] = c.clone()
	}
	for _, r := range snap.MCPSessionMappings {
		m.mcpSessions[r.MCPSessionID] = r.OAuthSessionID
	}
}

func (m *MemoryStorage) deleteSessionLocked(id string) bool {
	s, ok := m.sessions[id]
	if !ok {
		return false
	}
	m.unindexSessionLocked(s)
	delete(m.sessions, id)
	return true
}

func (m *MemoryStorage) indexSessionLocked(s *OAuthSession) {
	if s.MCPAccessToken != "" {
		m.sessionsByAccessToken[s.MCPAccessToken] = s.ID
	}
	if s.MCPRefreshToken != "" {
		m.sessionsByRefreshToken[s.MCPRefreshToken] = s.ID
	}
}

func (m *MemoryStorage) unindexSessionLocked(s *OAuthSession) {
	if s.MCPAccessToken != "" {
		delete(m.sessionsByAccessToken, s.MCPAccessToken)
	}
	if s.MCPRefreshToken != "" {
		delete(m.sessionsByRefreshToken, s.MCPRefreshToken)
	}
}
