package contracts

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStageError_Is(t *testing.T) {
	cause := errors.New("boom")
	err := fmt.Errorf("run: %w", &StageError{Kind: ErrInstall, Stage: StageInstall, Address: "1.2.3.4", Err: cause})

	assert.ErrorIs(t, err, ErrInstall)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrTimeout)
	assert.Contains(t, err.Error(), "machine 1.2.3.4")

	var stageErr *StageError
	assert.True(t, errors.As(err, &stageErr))
	assert.Equal(t, StageInstall, stageErr.Stage)
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, ErrConfig, KindOf(NewConfigError("key file %s not found", "x")))
	assert.Equal(t, ErrTimeout, KindOf(&StageError{Kind: ErrTimeout, Stage: StageProvision, Err: context.DeadlineExceeded}))
	assert.Nil(t, KindOf(context.Canceled))
	assert.Nil(t, KindOf(nil))
}
