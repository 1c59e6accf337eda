// Package tools provides command execution shared by platform backends
// and the daemon supervisor.
//
// Ownership boundary:
// - local command execution (ExecRunner)
//
// - remote command execution over SSH (SSHRunner)
package tools
