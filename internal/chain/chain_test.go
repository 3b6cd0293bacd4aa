package chain

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fabstir/llm-node/internal/apperrors"
)

func TestClassifyReasonMatchesWrappedRevertStrings(t *testing.T) {
	cases := []struct {
		reason string
		kind   apperrors.Kind
	}{
		{"execution reverted: OverClaim", apperrors.ChainTerminal},
		{"execution reverted: UnauthorizedHost", apperrors.ChainTerminal},
		{"execution reverted: JobNotActive", apperrors.ChainTerminal},
		{"execution reverted: TokensTooFew", apperrors.ChainTerminal},
		{"execution reverted: out of gas", apperrors.ChainTransient},
		{"unknown", apperrors.ChainTransient},
	}

	for _, tc := range cases {
		got := classifyReason(tc.reason)
		assert.Equal(t, tc.kind, apperrors.KindOf(got), "reason %q", tc.reason)
	}
}
