//go:build !unix && !windows

package controller

func crossDevice(error) bool { return false }
