package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/mcp-suite/gitlab-mcp-proxy/internal/gitlab"
	"github.com/mcp-suite/gitlab-mcp-proxy/internal/logging"
	"github.com/mcp-suite/gitlab-mcp-proxy/internal/store"
)

func newMCPHandler(storage store.Storage, gl *gitlab.Client) http.Handler {
	s := mcpserver.NewMCPServer("gitlab-mcp-proxy", "1.0.0",
		mcpserver.WithToolCapabilities(false))

	whoami := mcp.NewTool("whoami",
		mcp.WithDescription("Report the GitLab identity backing the current MCP session."))
	s.AddTool(whoami, whoamiHandler(storage, gl))

	return mcpserver.NewStreamableHTTPServer(s)
}

func whoamiHandler(storage store.Storage, gl *gitlab.Client) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		clientSession := mcpserver.ClientSessionFromContext(ctx)
		if clientSession == nil {
			return mcp.NewToolResultError("no MCP session"), nil
		}
		oauthSessionID, ok := storage.GetSessionMapping(clientSession.SessionID())
		if !ok {
			return mcp.NewToolResultError("the MCP session is not associated with an OAuth session"), nil
		}
		session, ok := storage.GetSession(oauthSessionID)
		if !ok {
			return mcp.NewToolResultError("the OAuth session no longer exists"), nil
		}

		if session.GitLabToken != nil {
			user, err := gl.CurrentUser(ctx, session.GitLabToken)
			if err != nil {
				logging.FromContext(ctx).WithError(err).Warn("failed to resolve gitlab user")
			} else {
				return mcp.NewToolResultText(fmt.Sprintf("GitLab user %s (id %s)", user.Username, user.UserID())), nil
			}
		}
		return mcp.NewToolResultText(fmt.Sprintf("GitLab user id %s", session.GitLabUserID)), nil
	}
}
