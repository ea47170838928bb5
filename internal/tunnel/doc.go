// Package tunnel contains the configuration model for the external
// TLS-tunneling process: the document representation of its config file,
// a bit-exact parser and serializer for the stunnel-style INI format,
// semantic validation, and accept-port allocation.
//
// Everything in this package is pure: no file system access, no process
// interaction. The reload and control packages own all side effects.
package tunnel
