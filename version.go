package go_mpris_bridge

import "fmt"

func VersionNumberString() string {
	// TODO: we probably want a commit hash for non-debug binaries
	return "dev"
}

func VersionString() string {
	return fmt.Sprintf("go-mpris-bridge %s", VersionNumberString())
}
