// Command troupe drives interactive coding-agent CLIs through pseudo-terminals
// and runs multi-step workflows across them.
package main

func main() {
	Execute()
}
