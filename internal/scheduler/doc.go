// Package scheduler runs scheduled message jobs.
//
// A Scheduler owns the trigger registry and a supervisor. Every firing becomes
// one supervised task that claims the job with a compare-and-set, consults the
// validation gate, makes a single delivery attempt and records the terminal
// status. The claim is the only guard against double dispatch; everything
// around it (registration, recovery, reconcile sweeps) may repeat freely.
package scheduler
