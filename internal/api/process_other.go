//go:build !unix

package api

import "os"

func pid() int { return os.Getpid() }

func openFDs() int { return -1 }

func fdLimit() int { return -1 }
