package store

import (
	"context"

	"golang.org/x/oauth2"
)

// OAuthSession links the access token minted for an MCP client to the
// upstream GitLab identity that authorized it. All identifiers are opaque
// strings generated by the OAuth endpoint layer; the store only indexes them.
type OAuthSession struct {
	ID              string        `json:"id"`
	GitLabUserID    string        `json:"gitlabUserId"`
	MCPAccessToken  string        `json:"mcpAccessToken,omitempty"`
	MCPRefreshToken string        `json:"mcpRefreshToken,omitempty"`
	GitLabToken     *oauth2.Token `json:"gitlabToken,omitempty"`
	CreatedAt       int64         `json:"createdAt"`
	UpdatedAt       int64         `json:"updatedAt"`
}

// SessionUpdate is a partial update of an OAuthSession. Nil fields are left
// untouched; an empty string clears the corresponding token.
type SessionUpdate struct {
	GitLabUserID    *string
	MCPAccessToken  *string
	MCPRefreshToken *string
	GitLabToken     *oauth2.Token
}

// DeviceFlowState is one pending device-authorization grant, keyed by an
// opaque state string distinct from both codes.
type DeviceFlowState struct {
	UserCode   string `json:"userCode"`
	DeviceCode string `json:"deviceCode"`
	ExpiresAt  int64  `json:"expiresAt"`
}

// AuthCodeFlowState is one pending browser-redirect authorization-code grant,
// keyed by an internal state string. The redirect and verifier data is opaque
// to the store.
type AuthCodeFlowState struct {
	RedirectURI         string `json:"redirectUri"`
	ClientState         string `json:"clientState,omitempty"`
	CodeChallenge       string `json:"codeChallenge,omitempty"`
	CodeChallengeMethod string `json:"codeChallengeMethod,omitempty"`
	CodeVerifier        string `json:"codeVerifier,omitempty"`
	ExpiresAt           int64  `json:"expiresAt"`
}

// AuthorizationCode is a one-time code redeemable for a session's tokens.
// Single use is enforced by callers through lookup followed by DeleteAuthCode,
// which reports atomically whether the code was still live.
type AuthorizationCode struct {
	Code          string `json:"code"`
	SessionID     string `json:"sessionId"`
	CodeChallenge string `json:"codeChallenge,omitempty"`
	ExpiresAt     int64  `json:"expiresAt"`
}

// Stats reports the number of live records per entity kind.
type Stats struct {
	Sessions        int
	DeviceFlows     int
	AuthCodeFlows   int
	AuthCodes       int
	SessionMappings int
}

// Storage is the contract between the OAuth endpoint layer and the state
// store. Unknown ids are reported through boolean returns, never errors.
type Storage interface {
	Initialize(ctx context.Context) error
	Cleanup()
	Close() error
	Stats() Stats

	CreateSession(s *OAuthSession)
	GetSession(id string) (*OAuthSession, bool)
	GetSessionByAccessToken(token string) (*OAuthSession, bool)
	GetSessionByRefreshToken(token string) (*OAuthSession, bool)
	GetAllSessions() []*OAuthSession
	UpdateSession(id string, update SessionUpdate) bool
	DeleteSession(id string) bool

	PutDeviceFlow(state string, flow *DeviceFlowState)
	GetDeviceFlow(state string) (*DeviceFlowState, bool)
	GetDeviceFlowByDeviceCode(deviceCode string) (*DeviceFlowState, bool)
	DeleteDeviceFlow(state string) bool

	PutAuthCodeFlow(internalState string, flow *AuthCodeFlowState)
	GetAuthCodeFlow(internalState string) (*AuthCodeFlowState, bool)
	DeleteAuthCodeFlow(internalState string) bool

	PutAuthCode(code *AuthorizationCode)
	GetAuthCode(code string) (*AuthorizationCode, bool)
	DeleteAuthCode(code string) bool

	PutSessionMapping(mcpSessionID, oauthSessionID string)
	GetSessionMapping(mcpSessionID string) (string, bool)
	DeleteSessionMapping(mcpSessionID string) bool
}

func (s *OAuthSession) clone() *OAuthSession {
	copied := *s
	if s.GitLabToken != nil {
		tok := *s.GitLabToken
		copied.GitLabToken = &tok
	}
	return &copied
}

func (f *DeviceFlowState) clone() *DeviceFlowState {
	copied := *f
	return &copied
}

func (f *AuthCodeFlowState) clone() *AuthCodeFlowState {
	copied := *f
	return &copied
}

func (c *AuthorizationCode) clone() *AuthorizationCode {
	copied := *c
	return &copied
}
