// cmd/outreachctl/main.go
package main

import "github.com/unclebandit/outreach-dispatch/cmd/outreachctl/commands"

func main() {
	commands.Execute()
}
