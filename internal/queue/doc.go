// Package queue observes the synthesis backend's job queue.
// It polls the status endpoint, detects when the queue has drained, and
// warns once when the completed counter stops advancing.
package queue
