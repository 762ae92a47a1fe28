package judge

import (
	"context"
	"errors"
	"testing"

	"github.com/npezzotti/codecollab/internal/database"
	"github.com/npezzotti/codecollab/internal/dedup"
	"github.com/npezzotti/codecollab/internal/sandbox"
	"github.com/npezzotti/codecollab/internal/store"
	"github.com/npezzotti/codecollab/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

const reverseCode = "def solve(s):\n    return s[::-1]"

func newTestJudge(t *testing.T, sb sandbox.Sandbox, problems ...database.Problem) *Judge {
	repo := database.NewMemoryCodeCollabRepository(problems...)
	rooms := store.NewRoomStore(repo, dedup.NewMemoryDeduper(0), testutil.TestLogger(t))
	return NewJudge(sb, rooms, testutil.TestLogger(t))
}

func problemWith(outputs ...string) database.Problem {
	p := database.Problem{Id: 1, Title: "Reverse a String", TemplateCode: "def solve(s):\n    return"}
	for i, out := range outputs {
		p.TestCases = append(p.TestCases, database.TestCase{
			Id:             i + 1,
			ProblemId:      1,
			InputData:      `"case"`,
			ExpectedOutput: out,
		})
	}
	return p
}

func TestJudge_failFast(t *testing.T) {
	tcases := []struct {
		name      string
		outputs   []sandbox.Output
		verdict   Verdict
		details   string
		wantCalls int
	}{
		{
			name:      "first case wrong",
			outputs:   []sandbox.Output{{Stdout: "nope"}},
			verdict:   WrongAnswer,
			details:   "Test Case #1 failed.\nExpected: a\nGot: nope",
			wantCalls: 1,
		},
		{
			name:      "second case errors",
			outputs:   []sandbox.Output{{Stdout: "a"}, {Stderr: "ZeroDivisionError: division by zero"}},
			verdict:   RuntimeError,
			details:   "Test Case #2 failed with an error:\nZeroDivisionError: division by zero",
			wantCalls: 2,
		},
		{
			name:      "third case wrong",
			outputs:   []sandbox.Output{{Stdout: "a"}, {Stdout: "b"}, {Stdout: "x"}},
			verdict:   WrongAnswer,
			details:   "Test Case #3 failed.\nExpected: c\nGot: x",
			wantCalls: 3,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			sb := new(MockSandbox)
			for _, out := range tc.outputs {
				sb.On("Run", mock.Anything).Return(out, nil).Once()
			}

			j := newTestJudge(t, sb, problemWith("a", "b", "c", "d"))
			res := j.Judge(context.Background(), Submission{ProblemId: testutil.IntPtr(1), Code: reverseCode, Language: "python"})

			assert.Equal(t, tc.verdict, res.Verdict)
			assert.Equal(t, tc.details, res.Details)
			assert.Equal(t, tc.wantCalls-1, res.Passed)
			sb.AssertNumberOfCalls(t, "Run", tc.wantCalls)
		})
	}
}

func TestJudge_accepted(t *testing.T) {
	sb := new(MockSandbox)
	sb.On("Run", mock.Anything).Return(sandbox.Output{Stdout: "a"}, nil).Times(3)

	j := newTestJudge(t, sb, problemWith("a", "a", "a"))
	res := j.Judge(context.Background(), Submission{ProblemId: testutil.IntPtr(1), Code: reverseCode, Language: "python"})

	assert.Equal(t, Accepted, res.Verdict)
	assert.Equal(t, "Congratulations! You passed all 3 test cases.", res.Details)
	assert.Equal(t, 3, res.Passed)
	sb.AssertExpectations(t)
}

func TestJudge_trimming(t *testing.T) {
	tcases := []struct {
		expected string
		got      string
		verdict  Verdict
	}{
		{"olleh", "olleh\n", Accepted},
		{"olleh", "olleh \n", Accepted},
		{"olleh", " olleh", Accepted},
		{"olleh\n", "olleh", Accepted},
		{"olleh", "oLleh", WrongAnswer},
	}

	for _, tc := range tcases {
		t.Run(tc.got, func(t *testing.T) {
			sb := new(MockSandbox)
			sb.On("Run", mock.Anything).Return(sandbox.Output{Stdout: tc.got}, nil)

			j := newTestJudge(t, sb, problemWith(tc.expected))
			res := j.Judge(context.Background(), Submission{ProblemId: testutil.IntPtr(1), Code: reverseCode, Language: "python"})
			assert.Equal(t, tc.verdict, res.Verdict)
		})
	}
}

func TestJudge_preconditions(t *testing.T) {
	tcases := []struct {
		name      string
		problemId *int
		problems  []database.Problem
		details   string
	}{
		{
			name:    "no problem attached",
			details: "No problem associated with this room.",
		},
		{
			name:      "problem without test cases",
			problemId: testutil.IntPtr(1),
			problems:  []database.Problem{problemWith()},
			details:   "Could not find test cases for this problem.",
		},
		{
			name:      "problem no longer exists",
			problemId: testutil.IntPtr(42),
			details:   "Could not find test cases for this problem.",
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			sb := new(MockSandbox)
			j := newTestJudge(t, sb, tc.problems...)

			res := j.Judge(context.Background(), Submission{ProblemId: tc.problemId, Code: reverseCode, Language: "python"})
			assert.Equal(t, Error, res.Verdict)
			assert.Equal(t, tc.details, res.Details)
			sb.AssertNotCalled(t, "Run", mock.Anything)
		})
	}
}

func TestJudge_sandboxFaults(t *testing.T) {
	tcases := []struct {
		name    string
		err     error
		verdict Verdict
		details string
	}{
		{
			name:    "timeout",
			err:     sandbox.ErrTimeout,
			verdict: TimeLimitExceeded,
			details: "Test Case #1 exceeded the time limit.",
		},
		{
			name:    "image pulled",
			err:     sandbox.ErrImagePulled,
			verdict: RuntimeError,
			details: "Test Case #1 failed with an error:\nDocker image was just pulled. Please run the code again.",
		},
		{
			name:    "no harness",
			err:     sandbox.ErrNoHarness,
			verdict: Error,
			details: sandbox.ErrNoHarness.Error(),
		},
		{
			name:    "daemon down",
			err:     errors.New("Cannot connect to the Docker daemon"),
			verdict: RuntimeError,
			details: "Test Case #1 failed with an error:\nCannot connect to the Docker daemon",
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			sb := new(MockSandbox)
			sb.On("Run", mock.Anything).Return(sandbox.Output{}, tc.err).Once()

			j := newTestJudge(t, sb, problemWith("a", "b"))
			res := j.Judge(context.Background(), Submission{ProblemId: testutil.IntPtr(1), Code: reverseCode, Language: "python"})
			assert.Equal(t, tc.verdict, res.Verdict)
			assert.Equal(t, tc.details, res.Details)
			sb.AssertNumberOfCalls(t, "Run", 1)
		})
	}
}

func TestJudge_twoSum(t *testing.T) {
	code := "def solve(nums, target): return [0,1]"
	twoSum := database.Problem{
		Id: 2,
		TestCases: []database.TestCase{
			{InputData: "[2, 7, 11, 15], 9", ExpectedOutput: "[0, 1]"},
		},
	}

	sb := new(MockSandbox)
	sb.On("Run", sandbox.Request{Language: "python", Source: code, HarnessArgs: "[2, 7, 11, 15], 9"}).
		Return(sandbox.Output{Stdout: "[0, 1]"}, nil).Once()

	j := newTestJudge(t, sb, twoSum)
	res := j.Judge(context.Background(), Submission{ProblemId: testutil.IntPtr(2), Code: code, Language: "python"})

	assert.Equal(t, Accepted, res.Verdict)
	sb.AssertExpectations(t)
}
