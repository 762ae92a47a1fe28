// Package judge grades a submission against a problem's test cases.
package judge

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/npezzotti/codecollab/internal/database"
	"github.com/npezzotti/codecollab/internal/sandbox"
	"github.com/npezzotti/codecollab/internal/store"
	"github.com/rs/zerolog"
)

type Verdict string

const (
	Accepted          Verdict = "Accepted"
	WrongAnswer       Verdict = "Wrong Answer"
	RuntimeError      Verdict = "Runtime Error"
	TimeLimitExceeded Verdict = "Time Limit Exceeded"
	Error             Verdict = "Error"
)

const (
	MsgNoProblem   = "No problem associated with this room."
	MsgNoTestCases = "Could not find test cases for this problem."
)

// ProblemSource looks up a problem with its test cases in stored order.
type ProblemSource interface {
	Problem(ctx context.Context, problemId int) (database.Problem, error)
}

type Submission struct {
	ProblemId *int
	Code      string
	Language  string
}

type Result struct {
	Verdict Verdict
	Details string
	Passed  int
	Total   int
}

type Judge struct {
	sandbox  sandbox.Sandbox
	problems ProblemSource
	log      zerolog.Logger
}

func NewJudge(sb sandbox.Sandbox, problems ProblemSource, logger zerolog.Logger) *Judge {
	return &Judge{
		sandbox:  sb,
		problems: problems,
		log:      logger.With().Str("component", "judge").Logger(),
	}
}

// Judge runs the test cases in order and stops at the first one that does
// not pass.
func (j *Judge) Judge(ctx context.Context, sub Submission) Result {
	if sub.ProblemId == nil {
		return Result{Verdict: Error, Details: MsgNoProblem}
	}

	problem, err := j.problems.Problem(ctx, *sub.ProblemId)
	if err != nil {
		// a dangling problem id reads the same as a problem with no cases
		if errors.Is(err, store.ErrProblemNotFound) {
			return Result{Verdict: Error, Details: MsgNoTestCases}
		}
		j.log.Error().Err(err).Int("problem_id", *sub.ProblemId).Msg("failed to load problem")
		return Result{Verdict: Error, Details: err.Error()}
	}

	total := len(problem.TestCases)
	if total == 0 {
		return Result{Verdict: Error, Details: MsgNoTestCases}
	}

	for i, tc := range problem.TestCases {
		n := i + 1
		out, err := j.sandbox.Run(ctx, sandbox.Request{
			Language:    sub.Language,
			Source:      sub.Code,
			HarnessArgs: tc.InputData,
		})
		if err != nil {
			return j.sandboxFault(err, n, total, i)
		}

		if out.Stderr != "" {
			return Result{
				Verdict: RuntimeError,
				Details: fmt.Sprintf("Test Case #%d failed with an error:\n%s", n, out.Stderr),
				Passed:  i,
				Total:   total,
			}
		}

		expected := strings.TrimSpace(tc.ExpectedOutput)
		got := strings.TrimSpace(out.Stdout)
		if got != expected {
			return Result{
				Verdict: WrongAnswer,
				Details: fmt.Sprintf("Test Case #%d failed.\nExpected: %s\nGot: %s", n, expected, got),
				Passed:  i,
				Total:   total,
			}
		}
	}

	return Result{
		Verdict: Accepted,
		Details: fmt.Sprintf("Congratulations! You passed all %d test cases.", total),
		Passed:  total,
		Total:   total,
	}
}

func (j *Judge) sandboxFault(err error, n, total, passed int) Result {
	switch {
	case errors.Is(err, sandbox.ErrTimeout):
		return Result{
			Verdict: TimeLimitExceeded,
			Details: fmt.Sprintf("Test Case #%d exceeded the time limit.", n),
			Passed:  passed,
			Total:   total,
		}
	case errors.Is(err, sandbox.ErrUnsupportedLanguage), errors.Is(err, sandbox.ErrNoHarness):
		return Result{Verdict: Error, Details: err.Error(), Total: total}
	}

	j.log.Error().Err(err).Int("test_case", n).Msg("sandbox fault")
	return Result{
		Verdict: RuntimeError,
		Details: fmt.Sprintf("Test Case #%d failed with an error:\n%s", n, err.Error()),
		Passed:  passed,
		Total:   total,
	}
}
