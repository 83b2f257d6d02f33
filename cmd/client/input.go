package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

// PassphraseEnv overrides the interactive passphrase prompt.
const PassphraseEnv = "SEALDROP_PASSPHRASE"

// readPassword is a test seam for term.ReadPassword.
var readPassword = term.ReadPassword

var errPassphraseMismatch = errors.New("passphrases do not match")

// promptPassword prints prompt to w and reads a line from the terminal
// without echo.
func promptPassword(w io.Writer, prompt string) (string, error) {
	if _, err := fmt.Fprint(w, prompt); err != nil {
		return "", err
	}
	pw, err := readPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(w)
	if err != nil {
		return "", err
	}
	return string(pw), nil
}

// getPassphrase returns the passphrase from the environment or the
// terminal. With confirm set the passphrase is asked for twice.
func getPassphrase(w io.Writer, confirm bool) (string, error) {
	if pass := os.Getenv(PassphraseEnv); pass != "" {
		return pass, nil
	}

	pass, err := promptPassword(w, "Enter passphrase: ")
	if err != nil {
		return "", fmt.Errorf("failed to read passphrase: %w", err)
	}
	if pass == "" {
		return "", errors.New("passphrase must not be empty")
	}
	if confirm {
		again, err := promptPassword(w, "Repeat passphrase: ")
		if err != nil {
			return "", fmt.Errorf("failed to read passphrase: %w", err)
		}
		if again != pass {
			return "", errPassphraseMismatch
		}
	}
	return pass, nil
}
