package sandbox

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnsupportedLanguage is returned for unknown languages and for
	// languages that are recognised but not implemented yet.
	ErrUnsupportedLanguage = errors.New("unsupported language")

	// ErrImageUnavailable is returned when the image is missing locally and
	// could not be pulled.
	ErrImageUnavailable = errors.New("image unavailable")

	// ErrStaging is returned when the code or stdin file cannot be written.
	ErrStaging = errors.New("failed to stage artifacts")
)

// ContainerError reports a container that ran but exited with a non-zero
// status. Stderr holds what the program wrote to its standard error.
type ContainerError struct {
	ExitCode int
	Stderr   []byte
}

func (e *ContainerError) Error() string {
	msg := strings.TrimSpace(string(e.Stderr))
	if msg == "" {
		return fmt.Sprintf("container exited with status %d", e.ExitCode)
	}
	return fmt.Sprintf("container exited with status %d: %s", e.ExitCode, msg)
}

// unsupportedLanguageError keeps the user-facing message while matching
// ErrUnsupportedLanguage with errors.Is.
type unsupportedLanguageError struct {
	msg string
}

func (e *unsupportedLanguageError) Error() string { return e.msg }

func (*unsupportedLanguageError) Is(target error) bool { return target == ErrUnsupportedLanguage }
