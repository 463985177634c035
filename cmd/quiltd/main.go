package main

import (
	"fmt"
	"os"

	"github.com/cuemby/quilt/pkg/runtime"
)

// main dispatches re-exec'd child roles before cobra ever sees argv. A
// container's init process and an exec-into-container shim are both the
// quiltd binary itself, invoked with argv[0] rewritten to one of these
// sentinels by pkg/runtime (see Runtime.Create and execInContainer) —
// neither wants a subcommand parsed, and both run post-clone, already
// inside the new namespaces, where importing cobra's flag machinery would
// be wasted work at best. A container created without an explicit command
// still goes through quilt-init: RunInit itself substitutes the built-in
// sentinel once isolation setup is done, so there is no separate sentinel
// argv0/role to dispatch here.
func main() {
	switch os.Args[0] {
	case runtime.InitArg:
		if err := runtime.RunInit(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	case runtime.ExecArg:
		if err := runtime.RunExec(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
