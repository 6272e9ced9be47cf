package api

import (
	"context"
	"sync"

	"github.com/bhandras/delight/sync/internal/store"
	"github.com/bhandras/delight/sync/pkg/logger"
)

// BootstrapResult reports which collections loaded during a bootstrap pass.
// Fetches settle independently: one failing endpoint does not discard the
// others' results.
type BootstrapResult struct {
	SessionsErr error
	MachinesErr error
	AccountErr  error
}

// Err returns the first recorded error, if any.
func (r BootstrapResult) Err() error {
	if r.SessionsErr != nil {
		return r.SessionsErr
	}
	if r.MachinesErr != nil {
		return r.MachinesErr
	}
	return r.AccountErr
}

// Bootstrap loads the session, machine, and account snapshots in parallel
// and replaces the corresponding store collections with whatever succeeded.
// It runs after the first successful connect and again after reconnects to
// catch up on updates missed while offline.
func Bootstrap(ctx context.Context, client *Client, st *store.Store) BootstrapResult {
	var result BootstrapResult
	var wg sync.WaitGroup

	wg.Add(3)
	go func() {
		defer wg.Done()
		sessions, err := client.ListSessions(ctx)
		if err != nil {
			logger.Warnf("bootstrap: list sessions: %v", err)
			result.SessionsErr = err
			return
		}
		st.ReplaceSessions(sessions)
		logger.Debugf("bootstrap: loaded %d sessions", len(sessions))
	}()
	go func() {
		defer wg.Done()
		machines, err := client.ListMachines(ctx)
		if err != nil {
			logger.Warnf("bootstrap: list machines: %v", err)
			result.MachinesErr = err
			return
		}
		st.ReplaceMachines(machines)
		logger.Debugf("bootstrap: loaded %d machines", len(machines))
	}()
	go func() {
		defer wg.Done()
		profile, err := client.GetAccountProfile(ctx)
		if err != nil {
			logger.Warnf("bootstrap: account profile: %v", err)
			result.AccountErr = err
			return
		}
		st.SetAccount(profile)
	}()
	wg.Wait()

	if result.Err() == nil {
		st.MarkSynced()
	}
	return result
}
