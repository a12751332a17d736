package main

import "github.com/jdtait/nest-protect-gateway/cmd"

func main() {
	cmd.Execute()
}
