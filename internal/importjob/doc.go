// Package importjob runs imports detached from the caller. The Service
// records submissions as PENDING jobs, the Worker claims and executes them
// one at a time, and the Poller lets clients follow a job to completion.
package importjob
