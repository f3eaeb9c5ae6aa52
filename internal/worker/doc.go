// Package worker runs audio tasks on a bounded pool of isolated workers.
// Tasks enter through one shared inbound queue and every outcome, success or failure,
// leaves through one shared outbound result channel tagged with the task's correlation id.
package worker
