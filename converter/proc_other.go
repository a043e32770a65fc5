//go:build windows

package converter

import "os/exec"

func configureProcess(*exec.Cmd) {}
