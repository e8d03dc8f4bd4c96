// Command gpuproxy replays a GPU runtime call trace on a simulated CPU that
// talks to a functional GPU model through a memory-mapped command proxy.
package main

import (
	"fmt"
	"os"

	"github.com/tebeka/atexit"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		atexit.Exit(1)
	}

	atexit.Exit(0)
}
