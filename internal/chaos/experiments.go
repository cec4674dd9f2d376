// internal/chaos/experiments.go
package chaos

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"libracirc/internal/circulation"
	"libracirc/internal/licensing"
)

// RegisterExperiments registers the delivery-fault suite over one generated
// event stream.
func (e *Engine) RegisterExperiments(seed uint64, events int) {
	stream := Stream(seed, events, time.Now().UTC().Truncate(time.Minute))
	e.Register(e.ShuffledDelivery("chaos:shuffled", stream, seed))
	e.Register(e.DuplicatedDelivery("chaos:duplicated", stream, seed))
	e.Register(e.UndatedDelivery("chaos:undated", stream, 3))
	e.Register(e.ConcurrentCheckout("chaos:concurrent", 3, 50))
}

// target is the pool an experiment provisions, feeds and removes.
type target struct {
	engine     *Engine
	identifier string

	mu   sync.Mutex
	pool *licensing.LicensePool
}

func (e *Engine) target(identifier string) *target {
	return &target{engine: e, identifier: identifier}
}

func (t *target) id() (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pool == nil {
		return 0, false
	}
	return t.pool.ID, true
}

func (t *target) provision(licenses ...licensing.License) Action {
	return Action{
		Type:   "provision-pool",
		Target: t.identifier,
		Execute: func(ctx context.Context) error {
			pool, err := t.engine.store.CreatePool(ctx, licensing.LicensePool{
				CollectionID: t.engine.collectionID,
				Identifier:   t.identifier,
			})
			if err != nil {
				return err
			}
			t.mu.Lock()
			t.pool = pool
			t.mu.Unlock()

			if len(licenses) == 0 {
				return nil
			}
			for _, l := range licenses {
				l.PoolID = pool.ID
				if _, err := t.engine.store.CreateLicense(ctx, l); err != nil {
					return err
				}
			}
			_, _, err = t.engine.service.Refresh(ctx, pool.ID, nil)
			return err
		},
	}
}

func (t *target) remove() Action {
	return Action{
		Type:   "remove-pool",
		Target: t.identifier,
		Execute: func(ctx context.Context) error {
			id, ok := t.id()
			if !ok {
				return nil
			}
			return t.engine.store.DeletePool(ctx, id)
		},
	}
}

func (t *target) deliver(stream []licensing.Delta) []Action {
	actions := make([]Action, 0, len(stream))
	for _, d := range stream {
		actions = append(actions, Action{
			Type:   "deliver-" + string(d.Type),
			Target: t.identifier,
			Execute: func(ctx context.Context) error {
				id, ok := t.id()
				if !ok {
					return errors.New("pool not provisioned")
				}
				_, _, err := t.engine.service.ApplyDelta(ctx, id, d)
				return err
			},
		})
	}
	return actions
}

// divergence measures how far the stored counters are from want.
func (t *target) divergence(want licensing.Availability) Metric {
	return Metric{
		Name: "divergence_from_clean_delivery",
		Query: func(ctx context.Context) (float64, error) {
			id, ok := t.id()
			if !ok {
				return 0, errors.New("pool not provisioned")
			}
			p, err := t.engine.store.GetPool(ctx, id)
			if err != nil {
				return 0, err
			}
			got := p.Availability()
			return float64(abs(got.Owned-want.Owned) +
				abs(got.Available-want.Available) +
				abs(got.Reserved-want.Reserved) +
				abs(got.HoldQueue-want.HoldQueue)), nil
		},
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// steadyState is checked before and throughout every experiment: no counter
// below zero, no more available than owned, and no pool's last_checked moving
// backwards between samples.
func (e *Engine) steadyState() []Metric {
	var (
		mu   sync.Mutex
		seen = make(map[int64]time.Time)
	)
	return []Metric{
		{
			Name: "negative_counters",
			Query: func(ctx context.Context) (float64, error) {
				pools, err := e.store.ListPools(ctx)
				if err != nil {
					return 0, err
				}
				n := 0
				for _, p := range pools {
					for _, v := range []int{p.LicensesOwned, p.LicensesAvailable, p.LicensesReserved, p.PatronsInHoldQueue} {
						if v < 0 {
							n++
						}
					}
				}
				return float64(n), nil
			},
			Threshold: Threshold{Operator: "==", Value: 0},
		},
		{
			Name: "available_exceeds_owned",
			Query: func(ctx context.Context) (float64, error) {
				pools, err := e.store.ListPools(ctx)
				if err != nil {
					return 0, err
				}
				n := 0
				for _, p := range pools {
					if p.LicensesAvailable > p.LicensesOwned {
						n++
					}
				}
				return float64(n), nil
			},
			Threshold: Threshold{Operator: "==", Value: 0},
		},
		{
			Name: "last_checked_regressions",
			Query: func(ctx context.Context) (float64, error) {
				pools, err := e.store.ListPools(ctx)
				if err != nil {
					return 0, err
				}
				mu.Lock()
				defer mu.Unlock()
				n := 0
				for _, p := range pools {
					if p.LastChecked == nil {
						if _, ok := seen[p.ID]; ok {
							n++
						}
						continue
					}
					if prev, ok := seen[p.ID]; ok && p.LastChecked.Before(prev) {
						n++
					}
					seen[p.ID] = *p.LastChecked
				}
				return float64(n), nil
			},
			Threshold: Threshold{Operator: "==", Value: 0},
		},
	}
}

// ShuffledDelivery feeds the stream in random order.
func (e *Engine) ShuffledDelivery(identifier string, stream []licensing.Delta, seed uint64) Experiment {
	t := e.target(identifier)
	return Experiment{
		Name:        "shuffled-delivery",
		Hypothesis:  "Counters stay consistent when distributor events arrive out of order",
		SteadyState: e.steadyState(),
		Method:      append([]Action{t.provision()}, t.deliver(Shuffle(stream, seed))...),
		Rollback:    []Action{t.remove()},
	}
}

// DuplicatedDelivery feeds the stream with repeats and late replays.
func (e *Engine) DuplicatedDelivery(identifier string, stream []licensing.Delta, seed uint64) Experiment {
	t := e.target(identifier)
	div := t.divergence(Replay(stream))
	return Experiment{
		Name:        "duplicated-delivery",
		Hypothesis:  "Redelivered events leave the counters where a single delivery would",
		SteadyState: e.steadyState(),
		Observe:     []Metric{div},
		Method:      append([]Action{t.provision()}, t.deliver(Duplicate(stream, seed))...),
		Rollback:    []Action{t.remove()},
		Validation: []Assertion{{
			Metric:    div.Name,
			Condition: func(v float64) bool { return v == 0 },
			Message:   "counters should match a clean delivery of the same stream",
		}},
	}
}

// UndatedDelivery strips the timestamp from every k-th event.
func (e *Engine) UndatedDelivery(identifier string, stream []licensing.Delta, every int) Experiment {
	t := e.target(identifier)
	delivered := StripDates(stream, every)
	div := t.divergence(Replay(Dated(delivered)))
	return Experiment{
		Name:        "undated-delivery",
		Hypothesis:  "Undated events do not move a pool that has already been checked",
		SteadyState: e.steadyState(),
		Observe:     []Metric{div},
		Method:      append([]Action{t.provision()}, t.deliver(delivered)...),
		Rollback:    []Action{t.remove()},
		Validation: []Assertion{{
			Metric:    div.Name,
			Condition: func(v float64) bool { return v == 0 },
			Message:   "counters should match delivery of the dated events alone",
		}},
	}
}

// ConcurrentCheckout sends many simultaneous checkouts at a pool with a few
// copies.
func (e *Engine) ConcurrentCheckout(identifier string, copies, borrowers int) Experiment {
	t := e.target(identifier)

	var (
		mu      sync.Mutex
		granted []circulation.Borrower
	)
	succeeded := Metric{
		Name: "successful_checkouts",
		Query: func(context.Context) (float64, error) {
			mu.Lock()
			defer mu.Unlock()
			return float64(len(granted)), nil
		},
	}

	return Experiment{
		Name:        "concurrent-checkout",
		Hypothesis:  "Simultaneous checkouts never lend more copies than the licenses allow",
		SteadyState: e.steadyState(),
		Observe:     []Metric{succeeded},
		Method: []Action{
			t.provision(licensing.License{
				Identifier:         identifier + ":license",
				Status:             licensing.StatusAvailable,
				CheckoutsAvailable: copies,
				TermsConcurrency:   copies,
			}),
			{
				Type:   "concurrent-checkouts",
				Target: identifier,
				Execute: func(ctx context.Context) error {
					id, ok := t.id()
					if !ok {
						return errors.New("pool not provisioned")
					}
					var wg sync.WaitGroup
					for i := range borrowers {
						wg.Add(1)
						go func(b circulation.Borrower) {
							defer wg.Done()
							if _, _, err := e.service.Checkout(ctx, b, id); err == nil {
								mu.Lock()
								granted = append(granted, b)
								mu.Unlock()
							}
						}(circulation.Patron(int64(i + 1)))
					}
					wg.Wait()
					return nil
				},
			},
		},
		Rollback: []Action{
			{
				Type:   "return-loans",
				Target: identifier,
				Execute: func(ctx context.Context) error {
					id, ok := t.id()
					if !ok {
						return nil
					}
					mu.Lock()
					defer mu.Unlock()
					var errs []error
					for _, b := range granted {
						if _, err := e.service.Checkin(ctx, b, id); err != nil {
							errs = append(errs, fmt.Errorf("checkin %s: %w", b, err))
						}
					}
					return errors.Join(errs...)
				},
			},
			t.remove(),
		},
		Validation: []Assertion{{
			Metric:    succeeded.Name,
			Condition: func(v float64) bool { return v == float64(copies) },
			Message:   fmt.Sprintf("exactly %d checkouts should succeed", copies),
		}},
	}
}
