package gateerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorIsMatchesKind(t *testing.T) {
	err := New(KindAuthorization, CodeBadSignature, "cosigner %s", "alice")
	wrapped := fmt.Errorf("issue: %w", err)

	assert.True(t, errors.Is(wrapped, Authorization))
	assert.False(t, errors.Is(wrapped, Validation))
	assert.True(t, errors.Is(wrapped, &Error{Kind: KindAuthorization, Code: CodeBadSignature}))
	assert.False(t, errors.Is(wrapped, &Error{Kind: KindAuthorization, Code: CodeDuplicateLease}))
}

func TestWithSeqStampsOnce(t *testing.T) {
	err := New(KindValidation, CodeDiffTooLarge, "too big")
	_ = WithSeq(err, 7)
	_ = WithSeq(err, 9)

	require.Equal(t, uint64(7), SeqOf(err))
	assert.Contains(t, err.Error(), "audit seq 7")
	assert.Equal(t, CodeDiffTooLarge, CodeOf(err))
}

func TestExitCode(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, ExitOK},
		{New(KindNotFound, CodeNotFound, "x"), ExitNotFound},
		{New(KindAuthorization, CodeBadSignature, "x"), ExitUnauthorized},
		{New(KindInvalidState, CodeInvalidTransition, "x"), ExitInvalidState},
		{errors.New("plain"), ExitInvalidState},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, ExitCode(c.err), "err=%v", c.err)
	}
}

func TestUnwrapKeepsCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(cause, KindLedgerFault, CodeLedgerUnavailable, "append failed")
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, KindLedgerFault, KindOf(err))
}
