// Package pcharcli bundles the Lua scenarios shipped with the pchar CLI.
package pcharcli

import _ "embed"

// DefaultScript is run by `pchar script` when no file is given.
//
//go:embed examples/fifo_demo.lua
var DefaultScript string

// ResizeScript demonstrates the resize drop policy.
//
//go:embed examples/resize.lua
var ResizeScript string
