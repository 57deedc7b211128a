// Package task defines the core types shared across the status channel: the
// task record, bus events, lifecycle stages, and the store/bus contracts.
package task
