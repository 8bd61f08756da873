/*
Package log provides structured logging via zerolog, shared by the node
agent and the control plane.

# Architecture

A single package-level Logger is initialized once via Init, then every
long-running component derives a child logger that tags its output:

	log.WithComponent("vmrunner")
	log.WithVMID(vm.ID)
	log.WithContainerID(c.ID)

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true, Output: os.Stdout})

	runnerLog := log.WithComponent("vmrunner")
	runnerLog.Info().Str("vm_id", vm.ID).Msg("boot started")

	log.Logger.Error().Err(err).Str("vm_id", vm.ID).Msg("ssh readiness probe failed")

# Output

JSON (production):

	{"level":"info","component":"vmrunner","vm_id":"vm-1","time":"2026-07-29T10:30:00Z","message":"boot started"}

Console (development, JSONOutput=false):

	2026-07-29T10:30:00Z INF boot started component=vmrunner vm_id=vm-1

Never log secrets: SSH private key contents, AUTH_TOKEN values, or cloud-init
user-data must never reach a log line.
*/
package log
