package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/helix-labs/helix-go/internal/service/instances"
)

type reconcileSyncer struct {
	logger   *slog.Logger
	svc      *instances.Service
	interval time.Duration
}

func startReconcileSyncer(ctx context.Context, logger *slog.Logger, svc *instances.Service, interval time.Duration) {
	if svc == nil {
		return
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	s := &reconcileSyncer{
		logger:   logger,
		svc:      svc,
		interval: interval,
	}

	go s.run(ctx)
}

func (s *reconcileSyncer) run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.svc.ReconcileOnce(ctx)
		}
	}
}
