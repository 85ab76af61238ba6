/*
Package controller turns queued chunks into worker processes.

A fixed number of lease loops pull jobs from the queue; each loop runs
one worker at a time, which bounds concurrent workers without a separate
semaphore. A job expands its scanner profile's invocation template,
spawns the worker in its own process group, and polls the worker's
progress file while it runs. The chunk deadline nests inside the scan's
context, so scan cancellation and chunk timeout travel the same path:
SIGTERM, a short grace, then SIGKILL to the group.

Exit classification prefers context state over exit codes, then treats
exit code 3 or a budget_exhausted status file as a budget stop, which
counts as a completed chunk.
*/
package controller
