// Kalpana control plane entry point.
package main

import "kalpana.dev/cli"

func main() {
	cli.Execute()
}
