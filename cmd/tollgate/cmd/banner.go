package cmd

import (
	"fmt"
)

// Version is set at build time with -ldflags "-X .../cmd.Version=...".
var Version = "dev"

const banner = `
  _____     _ _             _       
 |_   _|__ | | | __ _  __ _| |_ ___ 
   | |/ _ \| | |/ _` + "`" + ` |/ _` + "`" + ` | __/ _ \
   | | (_) | | | (_| | (_| | ||  __/
   |_|\___/|_|_|\__, |\__,_|\__\___|
                |___/               
`

func printBanner() {
	fmt.Printf("\x1b[34m%s\x1b[0m", banner)
	fmt.Printf("\x1b[32m  Session Gateway - Version %s\x1b[0m\n\n", Version)
}
