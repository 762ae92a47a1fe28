package judge

import (
	"context"

	"github.com/npezzotti/codecollab/internal/sandbox"
	"github.com/stretchr/testify/mock"
)

type MockSandbox struct {
	mock.Mock
}

func (m *MockSandbox) Run(ctx context.Context, req sandbox.Request) (sandbox.Output, error) {
	args := m.Called(req)
	return args.Get(0).(sandbox.Output), args.Error(1)
}
