package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func allSentinels() []error {
	return []error{
		ErrRegistration,
		ErrAuthorizationDenied,
		ErrAuthorizationTimeout,
		ErrStateMismatch,
		ErrTokenExchange,
		ErrTokenRefresh,
		ErrReauthenticationRequired,
		ErrNotLoggedIn,
		ErrEncryption,
		ErrDecryption,
		ErrCancelled,
	}
}

func TestSentinelErrors_HaveMessages(t *testing.T) {
	for _, err := range allSentinels() {
		assert.NotEmpty(t, err.Error())
	}
}

func TestSentinelErrors_AreDistinct(t *testing.T) {
	sentinels := allSentinels()
	for i := range sentinels {
		for j := i + 1; j < len(sentinels); j++ {
			assert.False(t, errors.Is(sentinels[i], sentinels[j]),
				"%v should not match %v", sentinels[i], sentinels[j])
		}
	}
}

func TestSentinelErrors_SurviveWrapping(t *testing.T) {
	wrapped := fmt.Errorf("refreshing session: %w", ErrReauthenticationRequired)
	assert.ErrorIs(t, wrapped, ErrReauthenticationRequired)

	double := fmt.Errorf("proxy call: %w", wrapped)
	assert.ErrorIs(t, double, ErrReauthenticationRequired)
	assert.NotErrorIs(t, double, ErrTokenRefresh)
}
