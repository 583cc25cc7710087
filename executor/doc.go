// Package executor runs one exported function of an untrusted WebAssembly
// module under a memory ceiling, a table ceiling and a fuel budget.
//
// # Overview
//
// Every module is metered before compilation: fuel is charged for each
// instruction the guest executes, and a guest that runs out traps. Linear
// memory is allocated through the invocation's [limits.Limiter], and table
// growth is checked against the same limiter. Guests get no imports.
//
// # Basic Usage
//
//	exec, err := executor.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer exec.Close()
//
//	report, err := exec.Execute(ctx, executor.Request{
//	    ModulePath:       "add.wasm",
//	    Function:         "add",
//	    Args:             []int32{5, 10},
//	    MemoryLimitBytes: 10 << 20,
//	    Fuel:             10_000,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(report.Result) // 15
//
// # Errors
//
// Failed invocations return an [*Error] whose Kind tells why:
//
//	if errors.Is(err, executor.ErrFuelExhausted) {
//	    // raise the budget or give up
//	}
//
// # Caching
//
// Compiled modules are cached by content hash and shared by concurrent
// invocations. Instances, fuel and limits are never shared. Use
// [WithDiskCache] to persist native code across processes.
package executor
