package store

import (
	"fmt"
	"testing"
	"time"

	. "github.com/onsi/gomega"
	"golang.org/x/oauth2"
)

func newTestMemoryStorage() (*MemoryStorage, *fakeClock, *fakeScheduler) {
	clock := newFakeClock()
	scheduler := &fakeScheduler{}
	return newMemoryStorage(clock.Now, scheduler, false), clock, scheduler
}

func TestNewMemoryStorage(t *testing.T) {
	g := NewWithT(t)

	m := NewMemoryStorage()

	g.Expect(m).ToNot(BeNil())
	g.Expect(m.sessions).To(BeEmpty())
	g.Expect(m.deviceFlows).To(BeEmpty())
	g.Expect(m.authCodeFlows).To(BeEmpty())
	g.Expect(m.authCodes).To(BeEmpty())
	g.Expect(m.sessionsByAccessToken).To(BeEmpty())
	g.Expect(m.sessionsByRefreshToken).To(BeEmpty())
	g.Expect(m.mcpSessions).To(BeEmpty())
}

func TestMemoryStorage_InitializeAndClose(t *testing.T) {
	g := NewWithT(t)
	m, _, scheduler := newTestMemoryStorage()

	g.Expect(m.Initialize(t.Context())).To(Succeed())
	g.Expect(scheduler.pending()).To(HaveLen(1))
	g.Expect(scheduler.pending()[0].repeating).To(BeTrue())
	g.Expect(scheduler.pending()[0].d).To(Equal(cleanupInterval))

	g.Expect(m.Close()).To(Succeed())
	g.Expect(scheduler.pending()).To(BeEmpty())
}

func TestMemoryStorage_CreateSession(t *testing.T) {
	tests := []struct {
		name               string
		session            *OAuthSession
		expectAccessIndex  bool
		expectRefreshIndex bool
	}{
		{
			name: "session with both tokens",
			session: &OAuthSession{
				ID:              "sess-1",
				GitLabUserID:    "42",
				MCPAccessToken:  "tok-access",
				MCPRefreshToken: "tok-refresh",
			},
			expectAccessIndex:  true,
			expectRefreshIndex: true,
		},
		{
			name:    "session without tokens",
			session: &OAuthSession{ID: "sess-2", GitLabUserID: "42"},
		},
		{
			name: "session with upstream token",
			session: &OAuthSession{
				ID:             "sess-3",
				MCPAccessToken: "tok-access",
				GitLabToken:    &oauth2.Token{AccessToken: "glpat-123", TokenType: "Bearer"},
			},
			expectAccessIndex: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewWithT(t)
			m, clock, _ := newTestMemoryStorage()

			m.CreateSession(tt.session)

			got, ok := m.GetSession(tt.session.ID)
			g.Expect(ok).To(BeTrue())
			g.Expect(got.CreatedAt).To(Equal(clock.Now().UnixMilli()))
			g.Expect(got.UpdatedAt).To(Equal(got.CreatedAt))
			g.Expect(got.GitLabToken).To(Equal(tt.session.GitLabToken))

			if tt.expectAccessIndex {
				byToken, ok := m.GetSessionByAccessToken(tt.session.MCPAccessToken)
				g.Expect(ok).To(BeTrue())
				g.Expect(byToken.ID).To(Equal(tt.session.ID))
			}
			if tt.expectRefreshIndex {
				byToken, ok := m.GetSessionByRefreshToken(tt.session.MCPRefreshToken)
				g.Expect(ok).To(BeTrue())
				g.Expect(byToken.ID).To(Equal(tt.session.ID))
			}
		})
	}
}

func TestMemoryStorage_CreateSession_DuplicateIDOverwrites(t *testing.T) {
	g := NewWithT(t)
	m, _, _ := newTestMemoryStorage()

	m.CreateSession(&OAuthSession{ID: "sess-1", MCPAccessToken: "tok-old", MCPRefreshToken: "ref-old"})
	m.CreateSession(&OAuthSession{ID: "sess-1", MCPAccessToken: "tok-new"})

	_, ok := m.GetSessionByAccessToken("tok-old")
	g.Expect(ok).To(BeFalse())
	_, ok = m.GetSessionByRefreshToken("ref-old")
	g.Expect(ok).To(BeFalse())

	got, ok := m.GetSessionByAccessToken("tok-new")
	g.Expect(ok).To(BeTrue())
	g.Expect(got.ID).To(Equal("sess-1"))
	g.Expect(m.Stats().Sessions).To(Equal(1))
}

func TestMemoryStorage_UpdateSession(t *testing.T) {
	t.Run("unknown id is a no-op", func(t *testing.T) {
		g := NewWithT(t)
		m, _, _ := newTestMemoryStorage()

		g.Expect(m.UpdateSession("missing", SessionUpdate{})).To(BeFalse())
	})

	t.Run("token replacement reindexes", func(t *testing.T) {
		g := NewWithT(t)
		m, _, _ := newTestMemoryStorage()

		m.CreateSession(&OAuthSession{ID: "sess-1", MCPAccessToken: "tok-A"})

		tokB := "tok-B"
		g.Expect(m.UpdateSession("sess-1", SessionUpdate{MCPAccessToken: &tokB})).To(BeTrue())

		_, ok := m.GetSessionByAccessToken("tok-A")
		g.Expect(ok).To(BeFalse())
		got, ok := m.GetSessionByAccessToken("tok-B")
		g.Expect(ok).To(BeTrue())
		g.Expect(got.ID).To(Equal("sess-1"))
	})

	t.Run("empty token clears the index", func(t *testing.T) {
		g := NewWithT(t)
		m, _, _ := newTestMemoryStorage()

		m.CreateSession(&OAuthSession{ID: "sess-1", MCPRefreshToken: "ref-A"})

		empty := ""
		g.Expect(m.UpdateSession("sess-1", SessionUpdate{MCPRefreshToken: &empty})).To(BeTrue())

		_, ok := m.GetSessionByRefreshToken("ref-A")
		g.Expect(ok).To(BeFalse())
		got, ok := m.GetSession("sess-1")
		g.Expect(ok).To(BeTrue())
		g.Expect(got.MCPRefreshToken).To(BeEmpty())
	})

	t.Run("refreshes UpdatedAt", func(t *testing.T) {
		g := NewWithT(t)
		m, clock, _ := newTestMemoryStorage()

		m.CreateSession(&OAuthSession{ID: "sess-1"})
		created, _ := m.GetSession("sess-1")

		clock.Advance(time.Minute)
		userID := "42"
		g.Expect(m.UpdateSession("sess-1", SessionUpdate{GitLabUserID: &userID})).To(BeTrue())

		got, _ := m.GetSession("sess-1")
		g.Expect(got.GitLabUserID).To(Equal("42"))
		g.Expect(got.CreatedAt).To(Equal(created.CreatedAt))
		g.Expect(got.UpdatedAt).To(Equal(created.UpdatedAt + time.Minute.Milliseconds()))
	})
}

func TestMemoryStorage_DeleteSession(t *testing.T) {
	t.Run("removes primary and both indices", func(t *testing.T) {
		g := NewWithT(t)
		m, _, _ := newTestMemoryStorage()

		m.CreateSession(&OAuthSession{ID: "sess-1", MCPAccessToken: "tok-A", MCPRefreshToken: "ref-A"})

		g.Expect(m.DeleteSession("sess-1")).To(BeTrue())

		_, ok := m.GetSession("sess-1")
		g.Expect(ok).To(BeFalse())
		_, ok = m.GetSessionByAccessToken("tok-A")
		g.Expect(ok).To(BeFalse())
		_, ok = m.GetSessionByRefreshToken("ref-A")
		g.Expect(ok).To(BeFalse())
	})

	t.Run("unknown id leaves state untouched", func(t *testing.T) {
		g := NewWithT(t)
		m, _, _ := newTestMemoryStorage()

		m.CreateSession(&OAuthSession{ID: "sess-1", MCPAccessToken: "tok-A"})
		before := m.ExportData()

		g.Expect(m.DeleteSession("missing")).To(BeFalse())

		g.Expect(m.ExportData()).To(Equal(before))
	})

	t.Run("does not cascade MCP session mappings", func(t *testing.T) {
		g := NewWithT(t)
		m, _, _ := newTestMemoryStorage()

		m.CreateSession(&OAuthSession{ID: "sess-1"})
		m.PutSessionMapping("mcp-1", "sess-1")

		g.Expect(m.DeleteSession("sess-1")).To(BeTrue())

		id, ok := m.GetSessionMapping("mcp-1")
		g.Expect(ok).To(BeTrue())
		g.Expect(id).To(Equal("sess-1"))
	})
}

func TestMemoryStorage_DeviceFlows(t *testing.T) {
	g := NewWithT(t)
	m, clock, _ := newTestMemoryStorage()

	flow := &DeviceFlowState{
		UserCode:   "ABCD-EFGH",
		DeviceCode: "device-123",
		ExpiresAt:  clock.Now().Add(10 * time.Minute).UnixMilli(),
	}
	m.PutDeviceFlow("state-1", flow)

	got, ok := m.GetDeviceFlow("state-1")
	g.Expect(ok).To(BeTrue())
	g.Expect(got).To(Equal(flow))

	got, ok = m.GetDeviceFlowByDeviceCode("device-123")
	g.Expect(ok).To(BeTrue())
	g.Expect(got.UserCode).To(Equal("ABCD-EFGH"))

	_, ok = m.GetDeviceFlowByDeviceCode("device-999")
	g.Expect(ok).To(BeFalse())

	g.Expect(m.DeleteDeviceFlow("state-1")).To(BeTrue())
	g.Expect(m.DeleteDeviceFlow("state-1")).To(BeFalse())
	_, ok = m.GetDeviceFlowByDeviceCode("device-123")
	g.Expect(ok).To(BeFalse())
}

func TestMemoryStorage_AuthCodeFlows(t *testing.T) {
	g := NewWithT(t)
	m, clock, _ := newTestMemoryStorage()

	flow := &AuthCodeFlowState{
		RedirectURI:   "https://client.example/callback",
		ClientState:   "client-state",
		CodeChallenge: "challenge",
		CodeVerifier:  "verifier",
		ExpiresAt:     clock.Now().Add(10 * time.Minute).UnixMilli(),
	}
	m.PutAuthCodeFlow("internal-1", flow)

	got, ok := m.GetAuthCodeFlow("internal-1")
	g.Expect(ok).To(BeTrue())
	g.Expect(got).To(Equal(flow))

	g.Expect(m.DeleteAuthCodeFlow("internal-1")).To(BeTrue())
	g.Expect(m.DeleteAuthCodeFlow("internal-1")).To(BeFalse())
}

func TestMemoryStorage_AuthCodes(t *testing.T) {
	g := NewWithT(t)
	m, clock, _ := newTestMemoryStorage()

	code := &AuthorizationCode{
		Code:      "code-1",
		SessionID: "sess-1",
		ExpiresAt: clock.Now().Add(time.Minute).UnixMilli(),
	}
	m.PutAuthCode(code)

	got, ok := m.GetAuthCode("code-1")
	g.Expect(ok).To(BeTrue())
	g.Expect(got).To(Equal(code))

	// Single-use redemption: the delete reports whether the code was live.
	g.Expect(m.DeleteAuthCode("code-1")).To(BeTrue())
	g.Expect(m.DeleteAuthCode("code-1")).To(BeFalse())
	_, ok = m.GetAuthCode("code-1")
	g.Expect(ok).To(BeFalse())
}

func TestMemoryStorage_SessionMappings(t *testing.T) {
	g := NewWithT(t)
	m, _, _ := newTestMemoryStorage()

	m.PutSessionMapping("mcp-1", "sess-1")

	id, ok := m.GetSessionMapping("mcp-1")
	g.Expect(ok).To(BeTrue())
	g.Expect(id).To(Equal("sess-1"))

	_, ok = m.GetSessionMapping("mcp-2")
	g.Expect(ok).To(BeFalse())

	g.Expect(m.DeleteSessionMapping("mcp-1")).To(BeTrue())
	g.Expect(m.DeleteSessionMapping("mcp-1")).To(BeFalse())
}

func TestMemoryStorage_Cleanup(t *testing.T) {
	t.Run("session TTL is measured from CreatedAt", func(t *testing.T) {
		g := NewWithT(t)
		m, clock, _ := newTestMemoryStorage()
		now := clock.Now()

		m.CreateSession(&OAuthSession{
			ID:             "old",
			MCPAccessToken: "tok-old",
			CreatedAt:      now.Add(-8 * 24 * time.Hour).UnixMilli(),
		})
		m.CreateSession(&OAuthSession{
			ID:             "fresh",
			MCPAccessToken: "tok-fresh",
			CreatedAt:      now.Add(-6 * 24 * time.Hour).UnixMilli(),
		})

		m.Cleanup()

		_, ok := m.GetSession("old")
		g.Expect(ok).To(BeFalse())
		_, ok = m.GetSessionByAccessToken("tok-old")
		g.Expect(ok).To(BeFalse())

		got, ok := m.GetSession("fresh")
		g.Expect(ok).To(BeTrue())
		g.Expect(got.MCPAccessToken).To(Equal("tok-fresh"))
	})

	t.Run("flows and codes expire by ExpiresAt", func(t *testing.T) {
		g := NewWithT(t)
		m, clock, _ := newTestMemoryStorage()
		now := clock.Now()

		m.PutDeviceFlow("expired", &DeviceFlowState{DeviceCode: "d-1", ExpiresAt: now.Add(-time.Second).UnixMilli()})
		m.PutDeviceFlow("live", &DeviceFlowState{DeviceCode: "d-2", ExpiresAt: now.Add(time.Hour).UnixMilli()})
		m.PutAuthCodeFlow("expired", &AuthCodeFlowState{ExpiresAt: now.Add(-time.Second).UnixMilli()})
		m.PutAuthCode(&AuthorizationCode{Code: "code-1", ExpiresAt: now.Add(time.Minute).UnixMilli()})

		_, ok := m.GetAuthCode("code-1")
		g.Expect(ok).To(BeTrue())

		clock.Advance(2 * time.Minute)
		m.Cleanup()

		_, ok = m.GetDeviceFlow("expired")
		g.Expect(ok).To(BeFalse())
		_, ok = m.GetDeviceFlow("live")
		g.Expect(ok).To(BeTrue())
		_, ok = m.GetAuthCodeFlow("expired")
		g.Expect(ok).To(BeFalse())
		_, ok = m.GetAuthCode("code-1")
		g.Expect(ok).To(BeFalse())
	})
}

func TestMemoryStorage_Stats(t *testing.T) {
	g := NewWithT(t)
	m, clock, _ := newTestMemoryStorage()
	expiry := clock.Now().Add(time.Hour).UnixMilli()

	for i := range 3 {
		m.CreateSession(&OAuthSession{ID: fmt.Sprintf("sess-%d", i)})
	}
	m.PutDeviceFlow("state-1", &DeviceFlowState{ExpiresAt: expiry})
	m.PutAuthCodeFlow("internal-1", &AuthCodeFlowState{ExpiresAt: expiry})
	m.PutAuthCode(&AuthorizationCode{Code: "code-1", ExpiresAt: expiry})
	m.PutSessionMapping("mcp-1", "sess-0")
	m.PutSessionMapping("mcp-2", "sess-1")

	g.Expect(m.Stats()).To(Equal(Stats{
		Sessions:        3,
		DeviceFlows:     1,
		AuthCodeFlows:   1,
		AuthCodes:       1,
		SessionMappings: 2,
	}))
}

func TestMemoryStorage_ExportImportRoundTrip(t *testing.T) {
	g := NewWithT(t)
	m, clock, _ := newTestMemoryStorage()
	expiry := clock.Now().Add(time.Hour).UnixMilli()

	m.CreateSession(&OAuthSession{
		ID:              "sess-1",
		GitLabUserID:    "42",
		MCPAccessToken:  "tok-A",
		MCPRefreshToken: "ref-A",
		GitLabToken:     &oauth2.Token{AccessToken: "glpat-123"},
	})
	m.PutDeviceFlow("state-1", &DeviceFlowState{UserCode: "ABCD", DeviceCode: "d-1", ExpiresAt: expiry})
	m.PutAuthCodeFlow("internal-1", &AuthCodeFlowState{RedirectURI: "https://client.example", ExpiresAt: expiry})
	m.PutAuthCode(&AuthorizationCode{Code: "code-1", SessionID: "sess-1", ExpiresAt: expiry})
	m.PutSessionMapping("mcp-1", "sess-1")

	snap := m.ExportData()
	m.ImportData(snap)

	g.Expect(m.ExportData()).To(Equal(snap))

	// Indices are rebuilt from the imported primaries.
	got, ok := m.GetSessionByAccessToken("tok-A")
	g.Expect(ok).To(BeTrue())
	g.Expect(got.ID).To(Equal("sess-1"))
	got, ok = m.GetSessionByRefreshToken("ref-A")
	g.Expect(ok).To(BeTrue())
	g.Expect(got.ID).To(Equal("sess-1"))
}

func TestMemoryStorage_ImportDataReplaces(t *testing.T) {
	g := NewWithT(t)
	m, _, _ := newTestMemoryStorage()

	m.CreateSession(&OAuthSession{ID: "stale", MCPAccessToken: "tok-stale"})
	m.PutSessionMapping("mcp-stale", "stale")

	m.ImportData(&Snapshot{
		Sessions: []*OAuthSession{{ID: "imported", MCPAccessToken: "tok-imported", CreatedAt: 1, UpdatedAt: 1}},
	})

	_, ok := m.GetSession("stale")
	g.Expect(ok).To(BeFalse())
	_, ok = m.GetSessionByAccessToken("tok-stale")
	g.Expect(ok).To(BeFalse())
	_, ok = m.GetSessionMapping("mcp-stale")
	g.Expect(ok).To(BeFalse())

	got, ok := m.GetSessionByAccessToken("tok-imported")
	g.Expect(ok).To(BeTrue())
	g.Expect(got.ID).To(Equal("imported"))
}

func TestMemoryStorage_ReturnsCopies(t *testing.T) {
	g := NewWithT(t)
	m, _, _ := newTestMemoryStorage()

	m.CreateSession(&OAuthSession{ID: "sess-1", GitLabUserID: "42"})

	got, _ := m.GetSession("sess-1")
	got.GitLabUserID = "tampered"

	again, _ := m.GetSession("sess-1")
	g.Expect(again.GitLabUserID).To(Equal("42"))
}
