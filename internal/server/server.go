// Package server exposes the orchestrator over a small HTTP admin API:
// state snapshot, event publication, manual workflow runs, saved run
// lookup, and the scheduled job list.
package server

import (
	"context"
	"net"

	"github.com/rakunlabs/ada"

	"github.com/rakunlabs/akis/internal/config"
	"github.com/rakunlabs/akis/internal/service"
	"github.com/rakunlabs/akis/internal/service/cron"
	"github.com/rakunlabs/akis/internal/service/orchestrator"

	mcors "github.com/rakunlabs/ada/middleware/cors"
	mlog "github.com/rakunlabs/ada/middleware/log"
	mrecover "github.com/rakunlabs/ada/middleware/recover"
	mrequestid "github.com/rakunlabs/ada/middleware/requestid"
	mserver "github.com/rakunlabs/ada/middleware/server"
	mtelemetry "github.com/rakunlabs/ada/middleware/telemetry"
)

type Server struct {
	config config.Server

	server *ada.Server

	orchestrator *orchestrator.Orchestrator
	runStore     service.RunStore
	scheduler    *cron.Scheduler
}

// New wires the admin API around an orchestrator. runStore and scheduler
// may be nil; run lookup then answers 404 and the run and job lists answer
// an empty list.
func New(cfg config.Server, orch *orchestrator.Orchestrator, runStore service.RunStore, scheduler *cron.Scheduler) (*Server, error) {
	mux := ada.New()
	mux.Use(
		mrecover.Middleware(),
		mserver.Middleware(config.Service),
		mcors.Middleware(),
		mrequestid.Middleware(),
		mlog.Middleware(),
		mtelemetry.Middleware(),
	)

	s := &Server{
		config:       cfg,
		server:       mux,
		orchestrator: orch,
		runStore:     runStore,
		scheduler:    scheduler,
	}

	apiGroup := mux.Group(cfg.BasePath + "/api")

	apiGroup.GET("/v1/snapshot", s.SnapshotAPI)
	apiGroup.POST("/v1/events", s.PublishEventAPI)
	apiGroup.POST("/v1/workflows/run/*", s.RunWorkflowAPI)
	apiGroup.GET("/v1/runs", s.ListRunsAPI)
	apiGroup.GET("/v1/runs/*", s.GetRunAPI)
	apiGroup.GET("/v1/jobs", s.ListJobsAPI)

	return s, nil
}

func (s *Server) Start(ctx context.Context) error {
	return s.server.StartWithContext(ctx, net.JoinHostPort(s.config.Host, s.config.Port))
}
