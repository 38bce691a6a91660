package errorhandling

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJoinErrors(t *testing.T) {
	t.Parallel()

	sentinel := errors.New("pd busy")
	for _, tc := range []struct {
		name        string
		errs        []error
		expectedErr error
	}{
		{
			name:        "nil error",
			errs:        nil,
			expectedErr: nil,
		},
		{
			name:        "empty errors",
			errs:        []error{},
			expectedErr: nil,
		},
		{
			name:        "one error",
			errs:        []error{sentinel},
			expectedErr: sentinel,
		},
		{
			name:        "two errors",
			errs:        []error{errors.New("e1"), errors.New("e2")},
			expectedErr: errors.New("2 errors occurred:\n\t* e1\n\t* e2"),
		},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := JoinErrors(tc.errs)
			if tc.expectedErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.EqualError(t, err, tc.expectedErr.Error())
		})
	}
}

func TestJoinErrorsKeepsSingleError(t *testing.T) {
	sentinel := errors.New("pd busy")
	assert.ErrorIs(t, JoinErrors([]error{sentinel}), sentinel)
}

type failingCloser struct{ closed bool }

func (f *failingCloser) Close() error {
	f.closed = true
	return errors.New("boom")
}

func TestCloseQuiet(t *testing.T) {
	c := &failingCloser{}
	CloseQuiet(c, "port")
	assert.True(t, c.closed)
}
