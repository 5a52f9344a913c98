// Command radarctl queries the station catalog locally and drives a running
// radar service over HTTP.
//
// Usage:
//
//	radarctl stations nearby --lat 41.6 --lon -90.6 --radius 150
//	radarctl ingest KDVN --start 2020-08-10T16:00:00Z --end 2020-08-10T17:00:00Z
//	radarctl scans
//	radarctl records latest KDVN
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
