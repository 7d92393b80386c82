/*
Package dispatcher runs background work on a fixed pool of workers.

Workers are split into a writer class and a reader class by a WorkloadPolicy.
Writer-class work (driving the flusher, bucket snapshots and deletes, stat
snapshots) is routed to worker shard%writers. Reader-class work (background
fetches, key stat fetches) is routed to writers+shard%readers, so a slow
backend read never delays the flusher.

Each worker owns two keyed heaps: the future queue ordered by wake time and the
ready queue ordered by task priority. Control messages (schedule, wake, cancel)
arrive over a lock-free mailbox so producers never block on a worker.

A task is a TaskFunc. Returning true reschedules it after its sleep interval,
which the task may change with Snooze while it runs:

	d := dispatcher.New(dispatcher.DefaultWorkloadPolicy())
	d.Start()
	defer d.Stop()

	d.ScheduleStatsSnapshot(func(ctx context.Context, t *dispatcher.Task) bool {
		snapshot()
		return true
	}, 0, 10*time.Second)

There is one dispatcher per process by convention. It is created explicitly and
passed to whatever schedules work.
*/
package dispatcher
