// Package harness runs scripted sync scenarios against the real queue,
// cache and coordinator.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: transient_recovery
//	description: "What this scenario validates"
//	start_offline: true
//	config:
//	  max_retries: 3
//	script:
//	  P2: [transient, transient, ok]
//	flow:
//	  - do: enqueue
//	    args: { id: P1, endpoint: inventory, action: submitInventory, data: { sku: A } }
//	  - do: network
//	    args: { online: true }
//	  - do: sync
//	    expect:
//	      case: completed
//	      result: { success: 1 }
//	assertions:
//	  - type: transmission_order
//	    ids: [P1]
//
// config accepts the keys of an offsync config file. script lists the
// remote's reply to each attempt of a sync id (ok, transient, permanent,
// reject); unscripted attempts are acknowledged.
//
// # Flow Steps
//
//   - enqueue: id, endpoint, action, data, priority
//   - network: online
//   - advance: by (duration)
//   - sync
//   - restart: close and reopen the database
//   - cache_set: key, value, ttl
//   - cache_get: key, allow_stale
//   - sweep
//   - flush_urgent
//
// # Assertion Types
//
//   - trace_contains: an event of the given type and subject exists
//   - trace_count: exactly count such events exist
//   - transmission_order: the remote saw exactly these sync ids, in order
//   - attempts: the remote saw id exactly count times
//   - sleeps: the coordinator waited exactly these backoffs
//   - queue_length: count records remain queued
//
// # Deterministic Testing
//
// Every scenario runs on a fresh database in a temp directory, a fake
// clock that only moves on advance steps and backoff waits, and ids taken
// from the enqueue steps, so traces are byte-identical across runs and
// can be compared against golden files.
package harness
