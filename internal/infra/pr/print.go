// Package pr is a thin wrapper for unified output in an interactive CLI
// context. It initialises readline with a cancelable stdin, redirects
// stdout/stderr through its buffers, and exposes print helpers for normal
// and diagnostic output plus kr/pretty dumps for debugging.
package pr

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/chzyer/readline"
	"github.com/kr/pretty"
)

var (
	rl     *readline.Instance
	out    io.Writer = os.Stdout
	errOut io.Writer = os.Stderr
	mu     sync.Mutex

	cancelableIn interface{ Close() error }
)

// Init sets up readline and redirects the package's output streams to its
// stdout/stderr. Uses a cancelable stdin so shutdown can interrupt a pending
// read with io.EOF. Not safe to call twice.
func Init() error {
	cs := readline.NewCancelableStdin(os.Stdin)
	newRl, err := readline.NewEx(&readline.Config{Stdin: cs})
	if err != nil {
		_ = cs.Close()
		return err
	}
	rl = newRl

	mu.Lock()
	cancelableIn = cs
	out = rl.Stdout()
	errOut = rl.Stderr()
	mu.Unlock()

	return nil
}

// InterruptReadline closes the cancelable stdin so a blocked Readline()
// call returns io.EOF. Idempotent.
func InterruptReadline() {
	if cancelableIn != nil {
		_ = cancelableIn.Close()
	}
}

// SetPrompt sets the readline prompt string. Assumes Init has been called.
func SetPrompt(prompt string) {
	if rl != nil {
		rl.SetPrompt(prompt)
	}
}

// Rl returns the current readline instance, or nil before Init.
func Rl() *readline.Instance {
	return rl
}

func Stdout() io.Writer {
	mu.Lock()
	defer mu.Unlock()
	return out
}

func Stderr() io.Writer {
	mu.Lock()
	defer mu.Unlock()
	return errOut
}

func Print(a ...any)                 { fmt.Fprint(Stdout(), a...) }
func Println(a ...any)               { fmt.Fprintln(Stdout(), a...) }
func Printf(format string, a ...any) { fmt.Fprintf(Stdout(), format, a...) }

func ErrPrint(a ...any)                 { fmt.Fprint(Stderr(), a...) }
func ErrPrintln(a ...any)               { fmt.Fprintln(Stderr(), a...) }
func ErrPrintf(format string, a ...any) { fmt.Fprintf(Stderr(), format, a...) }

// PP pretty-prints a value to Stdout. Handy for debugging; avoid on hot paths.
func PP(v any) {
	fmt.Fprintf(Stdout(), "%# v\n", pretty.Formatter(v))
}

// Pf returns the pretty-printed form of a value, for debug logs.
func Pf(v any) string {
	return fmt.Sprintf("%# v\n", pretty.Formatter(v))
}
