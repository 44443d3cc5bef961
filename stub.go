package main

import "gopheros/kernel/kmain"

// multibootInfoPtr, kernelStartAddr and kernelEndAddr are patched in place
// by the linker script before this image is loaded; they are declared here
// as package-level variables (rather than passed as literal arguments) so
// the compiler cannot inline this call and eliminate Kmain from the
// generated object file.
var (
	multibootInfoPtr uintptr
	kernelStartAddr  uintptr
	kernelEndAddr    uintptr
)

// main is the only Go symbol visible to the rt0 initialization code. It
// works as a trampoline into the real kernel entrypoint, kmain.Kmain, and is
// intentionally defined this way so the Go compiler, which has no idea the
// rt0 assembly exists, does not optimize the rest of the kernel away as
// unreachable.
//
// main is invoked by the rt0 assembly after it has built the page tables
// this image runs under and switched to long mode. It is not expected to
// return; if it does, rt0 halts the CPU.
func main() {
	kmain.Kmain(multibootInfoPtr, kernelStartAddr, kernelEndAddr)
}
