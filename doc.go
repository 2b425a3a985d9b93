// Package gatekeeper decides what a PawMatch user may do right now and keeps
// the subscription records that decision rests on.
//
// Gatekeeper is a library, not a service. The HTTP layer imports it and
// calls the Engine directly. It provides:
//
//   - Action checks that combine a user's plan features, daily and weekly
//     caps, consumable balances and active adoption listings
//   - Idempotent usage counters keyed by a client operation ID
//   - Subscription lifecycle (create, comp, soft and hard cancel, refund,
//     expiry) with automatic entitlement downgrade
//   - An append-only audit journal and subscription events published to a
//     topic exchange
//   - Plugin hooks for metrics and compliance trails
//
// # Quick Start
//
//	import (
//	    "github.com/pawmatch/gatekeeper"
//	    "github.com/pawmatch/gatekeeper/store/redis"
//	)
//
//	kv := redis.New(redisClient)
//	engine := gatekeeper.New(kv, nil)
//	if err := engine.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer engine.Stop()
//
// # Checking and counting
//
// A check never mutates. Count the action only once it has happened:
//
//	res, err := engine.CanPerformAction(ctx, userID, gatekeeper.ActionSwipe)
//	if err != nil {
//	    return err
//	}
//	if !res.Allowed {
//	    return errLimited(res.Reason, res.Remaining)
//	}
//	// ... record the swipe ...
//	_, err = engine.IncrementUsage(ctx, userID, gatekeeper.UsageSwipe, opID)
//
// Retrying IncrementUsage with the same opID is safe. The counter moves once.
//
// # Failure behavior
//
// When the store cannot be read, entitlements resolve to the free plan and
// usage-gated actions are denied. A store outage never grants more than the
// free plan.
//
// # Time
//
// Day and week windows are cut in the Engine's location (UTC unless
// WithLocation says otherwise). Weeks start on Monday.
package gatekeeper
