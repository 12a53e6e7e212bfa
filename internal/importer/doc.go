// Package importer holds the domain model shared by the ingestion pipeline:
// scraped question payloads, run and job lifecycles, the collaborator
// interfaces the pipeline writes through, and the error taxonomy used to
// decide what is retried, skipped, or fatal.
package importer
