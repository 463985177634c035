/*
Package cleanup drains the durable work queue Store keeps for teardown
actions owed after a container transitions toward REMOVING: veth removal,
IP release, cgroup deletion, rootfs removal, and DNS deregistration.

Unlike the teacher's reconciler, which rescans the whole cluster on every
tick, the Service here claims a bounded batch of specific rows
(Store.ClaimCleanup) via the same lease pattern the store uses internally,
and lets several worker goroutines drain it concurrently. A task is
retried with exponential backoff on failure and marked stuck — never
dropped — once it exhausts its budget; a stuck task stays in the
cleanup_tasks table and is counted by the stuck-task gauge, so an operator
can find it. SystemInfo does not report cleanup tasks.
*/
package cleanup
