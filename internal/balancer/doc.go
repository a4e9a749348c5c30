// Package balancer holds the load balancing policies used to choose a
// worker for each job.
//
// A policy sees the active workers in registry order, the pending ledger
// rows and an estimator of per-type cpu share, and returns the index of the
// worker to try. The Selector keeps one instance of each policy so that
// stateful policies (the round-robin cursor and the adaptive weights) keep
// their state across switches.
//
//	0 round-robin          rotate a single cursor
//	1 queue-length         fewest assigned jobs
//	2 fitting-cpu-share    first worker with room for the type's average share
//	3 min-cpu-share        lowest reported cpu load
//	4 min-cpu-load-queue   lowest estimated queued cpu demand
//	5 adaptive             linear Q-learning over cpu load and outstanding jobs
//
// Ties always go to the first worker in the order given.
package balancer
