package childproc

import (
	"errors"
	"os"
	"os/exec"
)

func configureProcessGroup(cmd *exec.Cmd) {}

// Windows has no polite signal that can be sent to a console process from here, so the first
// attempt is an interrupt that is expected to fail and the kill follows after the grace period.
func signalProcessGroup(p *os.Process, kill bool) error {
	var err error
	if kill {
		err = p.Kill()
	} else {
		err = p.Signal(os.Interrupt)
	}
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
