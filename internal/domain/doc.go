// Package domain holds the values shared by the collector side of
// devrelay: sentinel errors and the client registry entry.
//
// It has no dependencies on transport, logging or configuration so that
// the collector, the UI bridge and the terminal printer can all import it.
package domain
