package dberrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindHelpers(t *testing.T) {
	err := Interface("Cannot fetch from cursor that did not executed a statement.")
	assert.True(t, IsInterfaceError(err))
	assert.False(t, IsDatabaseError(err))
	assert.Equal(t, "Cannot fetch from cursor that did not executed a statement.", err.Error())

	wrapped := fmt.Errorf("cursor: %w", err)
	assert.True(t, IsInterfaceError(wrapped))
	assert.Equal(t, KindInterface, KindOf(wrapped))
}

func TestDataErrorIsDatabaseError(t *testing.T) {
	err := Dataf("value %s has too many fractional digits", "1.234")
	assert.True(t, IsDataError(err))
	assert.True(t, IsDatabaseError(err))
	assert.False(t, IsValueError(err))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("disk I/O error")
	err := Wrap(KindDatabase, "commit failed", cause)
	require.ErrorIs(t, err, cause)
	assert.Equal(t, "commit failed: disk I/O error", err.Error())
}

func TestFormat(t *testing.T) {
	err := Databasef("42000", -104, "Dynamic SQL Error")
	assert.Equal(t, "Statement failed, SQLSTATE = 42000\nDynamic SQL Error\n-SQL error code = -104", Format(err))
	assert.Equal(t, "plain", Format(errors.New("plain")))
}
