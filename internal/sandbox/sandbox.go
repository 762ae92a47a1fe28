// Package sandbox runs untrusted programs inside network-less containers.
package sandbox

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrTimeout             = errors.New("execution timed out")
	ErrImagePulled         = errors.New("Docker image was just pulled. Please run the code again.")
	ErrUnsupportedLanguage = errors.New("unsupported language")
	ErrNoHarness           = errors.New("language has no test harness")
)

type Request struct {
	Language string
	Source   string
	// HarnessArgs, when set, wraps Source in the test harness and calls
	// solve with this literal argument text.
	HarnessArgs string
}

type Output struct {
	Stdout string
	Stderr string
}

type Sandbox interface {
	Run(ctx context.Context, req Request) (Output, error)
}

// Script returns the program text that is shipped into the container.
func Script(lang Language, req Request) (string, error) {
	if req.HarnessArgs == "" {
		return req.Source, nil
	}
	if lang.Harness == "" {
		return "", fmt.Errorf("%w: %s", ErrNoHarness, lang.Id)
	}
	return fmt.Sprintf(lang.Harness, req.Source, req.HarnessArgs), nil
}
