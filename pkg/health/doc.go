/*
Package health implements the Checker strategy used for node and VM
liveness probing: a common Result/Status/Config shape with HTTP, TCP, and
exec-backed implementations.

# Checkers

  - TCPChecker: used by pkg/catalog to probe a VM's forwarded SSH port
    (127.0.0.1:ssh_port) during catalog reconciliation.
  - HTTPChecker: used by the control plane to call a node agent's
    GET /health endpoint when evaluating heartbeat staleness.
  - ExecChecker: used at node-agent startup to confirm qemu-img is
    present; a failure marks the qemu-img component unhealthy and
    does not stop the process from accepting boot requests. The seed ISO
    tools and the QEMU binary are not checked.

# Hysteresis

Status.Update implements the same consecutive-failure/success counting as
a Docker-style healthcheck: a single blip does not flip Healthy, but
Config.Retries consecutive failures does. The node-agent liveness probe
deliberately does not use this hysteresis; catalog reconciliation is a
single TCP connect per pass, not a debounced health check. Callers that
want hysteresis (node heartbeat staleness) build a Status around the
checker's Result themselves.
*/
package health
