/*
Package reconciler drives the fleet's observed container status toward
the declared desired_state, one single pass at a time.

# Pass Structure

ReconcileOnce runs a batched pass:

 1. Containers are grouped by owning node; groups on unknown or
    inactive nodes are skipped until the node returns.
 2. Per node, real states are pulled with get_vms in bounded chunks
    (at most 200 ids per request) and drifted statuses are persisted.
 3. Per container, the (desired, status) pair maps to an action:

    desired=running, status in {stopped, error, creating}  -> start
    desired=stopped, status=running                        -> stop
    anything else                                          -> no-op

    A dispatched start hints status=provisioning locally; a dispatched
    stop hints status=stopped. The next pass's sync confirms.

# Idempotency

Once desired == status for every container, a pass performs zero actions
and zero updates. Passes 2..N after convergence are free.

# Failure Semantics

An action that fails records an audit entry and moves on to the next
container; there is no batch-wide rollback. A failed get_vms chunk marks
its containers error for this pass; the node agent's catalog is
authoritative and corrects the record on the next pass. The periodic
loop (Start/Stop, 10s) logs and survives any cycle error.

# Ordering

Reconciler actions within one pass are not ordered with respect to
concurrent user actions; the next pass self-heals whatever interleaving
produced.
*/
package reconciler
