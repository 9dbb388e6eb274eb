// Package connectivity tracks whether the remote store can be reached.
//
// Manual is flipped by its owner. Prober pings a remote.Pinger on a ticker
// and reports transitions. Both emit only on change, so a subscriber sees
// became-reachable and became-unreachable edges, never repeats.
package connectivity
