// flowctl is the command line client for the tenantflow API.
//
// Settings come from flags, a config file or FLOWCTL_ environment variables,
// for example FLOWCTL_SERVER and FLOWCTL_TENANT. When a token URL is set the
// client authenticates with the OAuth2 client credentials flow.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
