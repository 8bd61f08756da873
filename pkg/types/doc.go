/*
Package types defines the core data structures shared by the node agent and
the control plane.

# Architecture

Two families of entities live here:

Control-plane entities (relational, owned by pkg/manager/pkg/controlstore):
  - Node: a worker host's registration, capacity, and heartbeat.
  - Container: a logical VM, its desired vs. observed state.
  - ContainerType: the catalog of purchasable VM shapes.
  - ResourceQuota: a user's credit balance and allowed types.

Node-local entities (process/shared-store, owned by pkg/vmrunner/pkg/catalog):
  - VMRecord: the authoritative per-node record of a booted VM.
  - VMProc: the in-memory handle to a live QEMU child process.

Two entities of the data model deliberately live elsewhere: the
SSH/SFTP/shell cache entry is pkg/sshcache.Session (it owns live
connections, not data), and the per-(container, path) file revision is a
bare counter in pkg/catalog.RevStore.

# Thread Safety

Types in this package carry no internal locking. Mutation is synchronized
by the owning package (pkg/controlstore for control-plane entities,
pkg/catalog and pkg/vmrunner for node-local ones).
*/
package types
