// Package market defines core types shared across the harvester subsystems:
// the records exchanged with the marketplace API, the rows persisted in the
// operational and analytical stores, and the interfaces each subsystem is
// wired through.
package market
