// Package system holds the services every svctree root carries: storage
// layout, persistent settings, key material and the supervised daemon.
package system
