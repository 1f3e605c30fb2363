package forwarding

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorIsMatchesKind(t *testing.T) {
	cause := errors.New("api said no")
	err := newError(KindRemoteRuleCreationFailed, 42, "", cause)

	assert.ErrorIs(t, err, ErrRemoteRuleCreationFailed)
	assert.NotErrorIs(t, err, ErrNoCapacity)
	assert.ErrorIs(t, err, cause)

	wrapped := fmt.Errorf("hook: %w", err)
	assert.ErrorIs(t, wrapped, ErrRemoteRuleCreationFailed)
	assert.Equal(t, KindRemoteRuleCreationFailed, KindOf(wrapped))
	assert.Equal(t, KindUnknown, KindOf(cause))
}

func TestErrorMessage(t *testing.T) {
	err := newError(KindNoCapacity, 7, "range 20000-20005", nil)
	assert.Equal(t, "service 7: no capacity: range 20000-20005", err.Error())

	err = newError(KindInvalidConfig, 0, "", errors.New("malformed port range"))
	assert.Equal(t, "invalid config: malformed port range", err.Error())
}
