package driver

import (
	"errors"
	"fmt"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestCodeOf verifies codes survive wrapping and unknown errors default to CodeUnknown.
func TestCodeOf(t *testing.T) {
	t.Parallel()

	base := NewError("open", CodePermissionDenied, fs.ErrPermission)
	wrapped := fmt.Errorf("open cam0: %w", base)

	require.Equal(t, CodePermissionDenied, CodeOf(wrapped))
	require.ErrorIs(t, wrapped, fs.ErrPermission)
	require.Equal(t, CodeUnknown, CodeOf(errors.New("boom")))
	require.Equal(t, CodeUnknown, CodeOf(nil))
}

// TestErrorMessage checks the rendered message with and without a cause.
func TestErrorMessage(t *testing.T) {
	t.Parallel()

	require.Equal(t, "close: in_use", NewError("close", CodeInUse, nil).Error())
	require.Equal(t, "operate: device: boom", NewError("operate", CodeDevice, errors.New("boom")).Error())
}
