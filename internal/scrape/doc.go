// Package scrape defines the domain model shared by the scrape service:
// jobs and their lifecycle, extraction payloads, cache entries, errors and the
// collaborator interfaces the orchestrator and engine depend on.
package scrape
