// Package coordinator implements the relay coordinator, which accepts jobs
// from user nodes, hands them to worker nodes chosen by a load balancing
// policy and routes results back to their owners.
//
// # Overview
//
// Nodes talk to the coordinator over short TCP connections (see package
// cluster). The Engine ingests each inbound message and updates shared
// state; two background loops do the outbound work:
//
//	inbound conn ──► Engine.Ingest ──┬─► AccountRegistry   (SYNC, STATS)
//	                                 ├─► Ledger.Submit     (NEW_TASK)
//	                                 └─► event queue ──► Dispatcher ──► worker / owner
//	                                                          │
//	                                                          └─► Mailbox ◄── Redeliverer ◄── SYNC
//
// # Core Components
//
// AccountRegistry: every node that ever announced itself, the subset of
// workers believed reachable and the subset of users.
//
// Ledger: one row per submitted job from submission until its result is
// handled. Rows carry both the coordinator's job id and the user's original
// id.
//
// Stats: per job type cpu share averages, the completed-job log and
// throughput. Reset on every policy switch.
//
// Mailbox: results that could not be delivered, held per owner until the
// owner sends SYNC again.
//
// # Dispatching
//
// The Dispatcher is the only consumer of the event queue and performs one
// handshake delivery at a time. A job whose delivery fails evicts the worker
// and goes to the back of the queue; it is retried until some worker takes
// it. When the policy finds no worker the job moves to a held queue, in
// arrival order, and results and stats behind it keep draining. Held jobs go
// back to the policy once a worker joins or reports, or DefaultIdlePoll
// passes.
//
// A result is matched to its ledger row, the user's original job id is put
// back and the message is delivered to the owner. If the owner cannot be
// reached the result is parked in the Mailbox.
//
// # Lifecycle
//
//	e, _ := coordinator.New(coordinator.Options{Policy: balancer.RoundRobinIndex})
//	_ = e.Start(ctx)          // dispatch and redelivery loops
//	go e.Serve(ctx, listener) // ingestion
//	...
//	e.Stop()
//
// An engine rebuilt with Restore or FromSnapshot is stopped; Start must be
// called to resume.
package coordinator
