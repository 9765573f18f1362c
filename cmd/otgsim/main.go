// Command otgsim runs transfer engine scenarios on the simulated OTG core.
package main

import "github.com/ardnew/softotg/cmd/otgsim/cmd"

func main() {
	cmd.Execute()
}
