// Package mecp hosts WebAssembly components as tools.
//
// A component's exported functions become tools with a JSON Schema derived
// from their parameter types. Calls carry JSON arguments, which are
// marshalled into component values, run on a fresh instance, and the
// results are marshalled back to JSON.
//
// # Architecture Overview
//
// The module is organized into several packages with distinct responsibilities:
//
//	mecp/
//	├── runtime/         High-level API: load, unload, list and call
//	├── loader/          Fetch, validate, compile, persist and publish components
//	├── executor/        Per-call lifecycle on a fresh instance
//	├── registry/        Component and flat tool-name indexes
//	├── component/       Compiled, reference-counted component artifacts
//	├── engine/          Adapter over the embedded component engine and WASI
//	├── introspect/      Export surface to tool catalog and input schemas
//	├── marshal/         JSON and component value conversion
//	├── types/           Structural types of parameters and results
//	├── tool/            Tool descriptors and argument validation
//	├── validator/       Binary header classification
//	├── kv/              Per (component, tenant) key-value state
//	├── store/           One <id>.wasm file per component
//	├── watch/           Hot reload of the component directory
//	├── config/          TOML configuration with MECP_* overrides
//	├── logging/         zap logger construction
//	└── errors/          Structured error types for debugging
//
// # Quick Start
//
// Load a component and call one of its tools:
//
//	rt, err := runtime.New(ctx, runtime.Options{Config: config.Default()})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer rt.Shutdown(ctx)
//
//	if _, err := rt.LoadComponent(ctx, "calculator.wasm", ""); err != nil {
//	    log.Fatal(err)
//	}
//
//	res, err := rt.CallTool(ctx, "add", json.RawMessage(`{"param0":2,"param1":3}`), "", "")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(res.Output) // 5
package mecp
