// Syncward - Offline-First Operation Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/syncward

package services

import (
	"context"
	"fmt"
)

// StartStopper is a component that runs its own goroutine between Start and
// Stop. *queue.Compactor satisfies it.
type StartStopper interface {
	Start(ctx context.Context) error
	Stop()
	IsRunning() bool
}

// StartStopService adapts a StartStopper to suture's Serve pattern: Start,
// wait for shutdown, then Stop, which blocks until the goroutine exits.
//
//	compactor := queue.NewCompactor(store, time.Hour, 7*24*time.Hour)
//	tree.AddDataService(services.NewStartStopService("queue-compactor", compactor))
type StartStopService struct {
	component StartStopper
	name      string
}

// NewStartStopService wraps component under name.
func NewStartStopService(name string, component StartStopper) *StartStopService {
	return &StartStopService{component: component, name: name}
}

// Serve implements suture.Service. A Start error is returned so suture
// restarts the service with backoff.
func (s *StartStopService) Serve(ctx context.Context) error {
	if err := s.component.Start(ctx); err != nil {
		return fmt.Errorf("%s start failed: %w", s.name, err)
	}

	<-ctx.Done()
	s.component.Stop()
	return ctx.Err()
}

func (s *StartStopService) String() string {
	return s.name
}
