package main

import "github.com/terraconstructs/relogin/cmd/reloginctl/cmd"

func main() {
	cmd.Execute()
}
