/*
Package scheduler admits new containers against user quotas and places
them on worker nodes by capacity score. It is the single call site for
container creation: quota checks and node selection are never repeated
at the HTTP layer.

# Admission

A create request passes admission when all of the following hold:

  - the requested container type exists in the catalog
  - the user's quota lists that type in allowed_types
  - credits_left >= type.credits_cost, where credits_left is the quota's
    credit balance minus the cost of every container the user already
    wants running (containers with an unknown type count as cost 1)

Any failure is a permission error (or a validation error for an unknown
type); nothing is persisted and no node is contacted.

# Node Selection

Candidates are nodes with active=true, healthy=true, and a heartbeat
within the TTL (60s default). Among candidates whose free resources
cover the request, the highest score wins:

	score = 2*free_mem_mib + 1*free_vcpus - 0.5*running_vm_count

Free resources are capacity minus the claims of desired-running
containers already placed there. Ties break deterministically: nodes are
iterated in id order and the first best is kept.

When no candidate has the capacity, the scheduler falls back to a random
active node and attaches a warning to the Placement, so the degraded
path is observable in the response. With no active nodes at all the
create fails.

# Placement

On success the scheduler boots the VM through the chosen node's agent
(POST /vms), persists a Container record keyed by the VM id with
status=creating and desired_state=running, and emits an audit event. The
reconciler takes over from there.
*/
package scheduler
