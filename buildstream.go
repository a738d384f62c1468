// Package buildstream is a declarative build and integration orchestrator:
// it loads a project's element graph, computes weak/strict/strong cache
// keys for each element, and schedules tracking, fetching, building and
// pushing through a coordinator/worker pipeline backed by a
// content-addressable artifact store. See the package docs under
// element, cachekey, queue, scheduler and artifact for each stage.
package buildstream

// Version is this build of buildstream's own version string. Nothing in
// the module reads it or records it anywhere persistent, and it has no
// bearing on the format version project.Load checks against.
const Version = "0.1.0-dev"
