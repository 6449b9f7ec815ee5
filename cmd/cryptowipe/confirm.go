package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"golang.org/x/term"

	"cryptowipe/internal/system"
)

const confirmationPhrase = "DESTROY ALL DATA"

var errNotConfirmed = errors.New("wipe not confirmed")

// confirm lists the targets and requires the operator to type the
// confirmation phrase. Without a terminal on stdin the wipe needs --force.
func confirm(in *os.File, out io.Writer, targets []system.DeviceDescriptor) error {
	if !term.IsTerminal(int(in.Fd())) {
		return errors.WithHint(errors.New("stdin is not a terminal, cannot ask for confirmation"),
			"pass --force to wipe without confirmation")
	}
	return confirmFrom(in, out, targets)
}

func confirmFrom(in io.Reader, out io.Writer, targets []system.DeviceDescriptor) error {
	fmt.Fprintf(out, "WARNING: the following %d device(s) will be irreversibly erased:\n", len(targets))
	for _, d := range targets {
		line := "  " + d.String()
		if d.Model != "" {
			line += " " + d.Model
		}
		if d.Removable {
			line += " [removable]"
		}
		fmt.Fprintln(out, line)
	}
	fmt.Fprintf(out, "Type %q to continue: ", confirmationPhrase)

	answer, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return errors.Wrap(err, "failed to read confirmation")
	}
	if strings.TrimSpace(answer) != confirmationPhrase {
		return errNotConfirmed
	}
	return nil
}
