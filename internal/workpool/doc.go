// Package workpool runs work items on a fixed set of long-lived workers.
//
// A work item is an ordered list of operations bound to one session value.
// Items are handed to workers over a bounded channel; each worker runs an
// item's operations strictly in order and stops at the first error, which
// is captured in that item's result slot.
//
// Run submits one stage's items and blocks until every one of them has
// finished, so consecutive calls to Run form a total order of stages:
//
//	pool := workpool.New[*refstore.Conn](workpool.Options{Workers: 4})
//	defer pool.Close()
//
//	for i, stage := range stages {
//	    results, err := pool.Run(ctx, workpool.Stage{Index: i, Name: stage.Name}, stage.Items)
//	    ...
//	}
//
// Workers do not know which stage they serve. Receiving from the job
// channel is their only suspension point while idle.
package workpool
