// Package cmd defines the importer CLI.
//
//   - serve: HTTP API plus the background job worker. Submitted credentials
//     are sealed with AES-256-GCM, the worker claims PENDING jobs one at a
//     time, streams the producer's questions into the question store and
//     records live counters on the job. A job-finished message goes to
//     Pub/Sub when configured.
//   - run: the live path in a terminal. Progress lines are printed as
//     questions arrive. The first Ctrl-C stops the stream and drains what was
//     already received; a second one drops the backlog.
//   - jobs submit|list|watch: a client for a running serve instance. watch
//     polls every jobs.poll_interval until each job is COMPLETED or FAILED.
//
// Configuration comes from --config (YAML) and IMPORTER_* environment
// variables, e.g. IMPORTER_STREAM_ENDPOINT, IMPORTER_DATABASE_DRIVER,
// IMPORTER_DATABASE_DSN and IMPORTER_CRYPTO_KEY.
package cmd
