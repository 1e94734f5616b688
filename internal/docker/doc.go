// Package docker implements engine.Engine on top of the Docker Engine SDK.
//
// Key responsibilities:
//   - Locate and connect to the Docker daemon (DOCKER_HOST or the platform
//     default socket)
//   - Translate berth's engine-level specs into SDK request types
//     (container.Config, container.HostConfig, nat.PortMap, mount.Mount)
//   - Translate SDK responses back into engine.Resource
//   - Classify SDK errors: missing resources wrap engine.ErrNotFound,
//     connection failures and unavailable daemons become
//     model.TransientEngineError, everything else model.EngineError
//
// Labels are the only state berth persists. Every container, network and
// volume berth creates carries the "berth." labels defined in
// internal/engine, and listing filters on them server-side.
package docker
