package errs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindStatus(t *testing.T) {
	for kind, status := range map[Kind]int{
		KindValidation:     http.StatusBadRequest,
		KindConfiguration:  http.StatusBadRequest,
		KindAuth:           http.StatusUnauthorized,
		KindNotFound:       http.StatusNotFound,
		KindConflict:       http.StatusConflict,
		KindCredential:     http.StatusInternalServerError,
		KindProvider:       http.StatusInternalServerError,
		KindPersistence:    http.StatusInternalServerError,
		KindToolConnection: http.StatusInternalServerError,
		KindInternal:       http.StatusInternalServerError,
	} {
		t.Run(kind.String(), func(t *testing.T) {
			require.Equal(t, status, kind.Status())
		})
	}
}

func TestMessage(t *testing.T) {
	t.Run("reason wins over wrapped error", func(t *testing.T) {
		err := As(KindProvider, errors.New("socket closed"), "Provider unavailable")
		require.Equal(t, "Provider unavailable", Message(err))
		require.Equal(t, "socket closed", err.Error())
	})

	t.Run("wrapped kinds survive fmt wrapping", func(t *testing.T) {
		err := fmt.Errorf("execute: %w", New(KindNotFound, "Agent not found"))
		require.Equal(t, KindNotFound, KindOf(err))
		require.True(t, Is(err, KindNotFound))
		require.Equal(t, http.StatusNotFound, Status(err))
		require.Equal(t, "Agent not found", Message(err))
	})

	t.Run("plain errors", func(t *testing.T) {
		require.Equal(t, "boom", Message(errors.New("boom")))
		require.Equal(t, KindInternal, KindOf(errors.New("boom")))
	})

	t.Run("empty error text", func(t *testing.T) {
		require.Equal(t, "Unknown error", Message(errors.New("")))
	})
}
