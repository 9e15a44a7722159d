//go:build windows
// +build windows

package main

func askForConfirmation(string) (bool, error) {
	return false, newUsageError("interactive confirmation is not supported on Windows; pass --yes to confirm")
}
