// Package prompt is the operator confirmation capability: yes/no and
// path questions gate every destructive step, and declining is always a
// safe no-op.
package prompt

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"syscall"

	"golang.org/x/term"
)

// Prompter asks the operator before destructive actions. Engines never
// read stdin directly; they hold one of these.
type Prompter interface {
	// Confirm asks a yes/no question and reports the answer. Anything
	// other than an explicit yes is no.
	Confirm(question string) bool
	// AskPath asks for a directory path, offering a default.
	AskPath(question, defaultPath string) string
}

// Terminal prompts on stdin/stdout.
type Terminal struct{}

func (Terminal) Confirm(question string) bool {
	fmt.Printf("%s (y/N): ", question)
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(scanner.Text()))
	return answer == "y" || answer == "yes"
}

func (Terminal) AskPath(question, defaultPath string) string {
	if defaultPath != "" {
		fmt.Printf("%s [%s]: ", question, defaultPath)
	} else {
		fmt.Printf("%s: ", question)
	}
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		return defaultPath
	}
	answer := strings.TrimSpace(scanner.Text())
	if answer == "" {
		return defaultPath
	}
	return answer
}

// AutoAccept answers yes to every confirmation and takes every default
// path. Used by --yes and by batch runs that must not block.
type AutoAccept struct{}

func (AutoAccept) Confirm(string) bool { return true }

func (AutoAccept) AskPath(_, defaultPath string) string { return defaultPath }

// ReadPassword prompts for a password without echo, optionally asking
// for confirmation. An empty return means the prompt failed or the
// confirmation mismatched.
func ReadPassword(promptText string, confirm bool) string {
	fmt.Print(promptText)
	bytePassword, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return ""
	}

	password := string(bytePassword)
	if confirm {
		fmt.Print("Confirm password: ")
		byteConfirm, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			return ""
		}
		if password != string(byteConfirm) {
			fmt.Println("Passwords do not match")
			return ""
		}
	}
	return password
}
