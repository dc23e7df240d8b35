//go:build !linux

package source

import "os"

func adviseSequential(*os.File) {}

func adviseDontNeed(*os.File, int64, int64) {}
