// Package wasmbox runs untrusted WebAssembly functions under hard resource
// budgets.
//
// # Overview
//
// A guest module is metered at load time: every instruction it executes
// costs one unit of fuel, and a guest that runs out of fuel traps. Linear
// memory is capped in bytes and tables in entries. Guests get no imports,
// so a call can only compute on its arguments and its own memory.
//
// # Basic Usage
//
//	exec, _ := executor.New()
//	defer exec.Close()
//
//	report, err := exec.Execute(ctx, executor.Request{
//	    ModulePath:       "add.wasm",
//	    Function:         "add",
//	    Args:             []int32{2, 3},
//	    MemoryLimitBytes: 10 << 20,
//	    Fuel:             10000,
//	})
//	if errors.Is(err, executor.ErrFuelExhausted) {
//	    // the guest ran past its budget
//	}
//	fmt.Println(report.Result, report.FuelConsumed)
//
// The wasmbox command exposes the same call:
//
//	wasmbox run add.wasm 2 3
//	wasmbox run sub.wasm -f sub --fuel 500 -- -5 3
//
// See the [executor] and [limits] packages for detailed API documentation.
package wasmbox
