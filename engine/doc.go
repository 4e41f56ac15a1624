// Package engine adapts the embedded WebAssembly Component Model runtime to
// the host.
//
// Every artifact gets a private engine runtime so that unloading one
// component releases everything compiled for it. The WASI capability and the
// key-value host interface are registered on that runtime before the
// component is linked.
//
// # Lifecycle
//
//  1. Inspect() decodes the binary and lists its canonical lifts
//  2. Compiler.Compile() links and pre-compiles the component
//  3. Module.Instantiate() creates a fresh Instance for one call
//  4. Instance.Call() invokes an export by canonical name
//  5. Instance.Close() and Module.Close() release the engine state
//
// # Values
//
// Call arguments and results use the engine's dynamic Go conventions
// (sized integers, rune for char, map[string]any for records,
// map{"ok"|"err": v} for results). The marshal package converts between
// these and its own Value tree.
package engine
