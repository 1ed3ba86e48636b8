package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mcp-suite/gitlab-mcp-proxy/internal/config"
	"github.com/mcp-suite/gitlab-mcp-proxy/internal/gitlab"
	"github.com/mcp-suite/gitlab-mcp-proxy/internal/store"
)

func New(conf *config.Config, storage store.Storage) *http.Server {
	gl := gitlab.NewClient(conf.GitLab.URL)
	api := authenticate(newMCPHandler(storage, gl), storage)
	return newServer(conf, api, storage, prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}
