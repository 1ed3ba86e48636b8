package store

import "time"

// SnapshotVersion is the current on-disk snapshot format version.
const SnapshotVersion = 1

// Snapshot is the persisted file format: one JSON document holding every
// entity collection. Secondary indices are never persisted; they are rebuilt
// from the primary records on import.
type Snapshot struct {
	Version            int                    `json:"version"`
	ExportedAt         int64                  `json:"exportedAt"`
	Sessions           []*OAuthSession        `json:"sessions"`
	DeviceFlows        []DeviceFlowRecord     `json:"deviceFlows"`
	AuthCodeFlows      []AuthCodeFlowRecord   `json:"authCodeFlows"`
	AuthCodes          []*AuthorizationCode   `json:"authCodes"`
	MCPSessionMappings []SessionMappingRecord `json:"mcpSessionMappings"`
}

type DeviceFlowRecord struct {
	State string           `json:"state"`
	Flow  *DeviceFlowState `json:"flow"`
}

type AuthCodeFlowRecord struct {
	InternalState string             `json:"internalState"`
	Flow          *AuthCodeFlowState `json:"flow"`
}

type SessionMappingRecord struct {
	MCPSessionID   string `json:"mcpSessionId"`
	OAuthSessionID string `json:"oauthSessionId"`
}

// dropExpired removes records that already passed their expiry rule, so a
// long-idle restart does not resurrect stale state. It returns the number of
// records dropped.
func (s *Snapshot) dropExpired(now time.Time) int {
	nowMillis := now.UnixMilli()
	sessionDeadline := now.Add(-SessionTTL).UnixMilli()
	var dropped int

	sessions := s.Sessions[:0]
	for _, sess := range s.Sessions {
		if sess == nil || sess.CreatedAt < sessionDeadline {
			dropped++
			continue
		}
		sessions = append(sessions, sess)
	}
	s.Sessions = sessions

	deviceFlows := s.DeviceFlows[:0]
	for _, r := range s.DeviceFlows {
		if r.Flow == nil || r.Flow.ExpiresAt < nowMillis {
			dropped++
			continue
		}
		deviceFlows = append(deviceFlows, r)
	}
	s.DeviceFlows = deviceFlows

	authCodeFlows := s.AuthCodeFlows[:0]
	for _, r := range s.AuthCodeFlows {
		if r.Flow == nil || r.Flow.ExpiresAt < nowMillis {
			dropped++
			continue
		}
		authCodeFlows = append(authCodeFlows, r)
	}
	s.AuthCodeFlows = authCodeFlows

	authCodes := s.AuthCodes[:0]
	for _, c := range s.AuthCodes {
		if c == nil || c.ExpiresAt < nowMillis {
			dropped++
			continue
		}
		authCodes = append(authCodes, c)
	}
	s.AuthCodes = authCodes

	return dropped
}
