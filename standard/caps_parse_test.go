package standard

import (
	"testing"

	"github.com/filegrind/capns-go/urn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStandardCapUrnsParseWithNativeUrnPackage(t *testing.T) {
	for _, s := range []string{
		CapIdentity,
		CapDiscard,
		ModelAvailabilityUrn(),
		ModelPathUrn(),
		LlmConversationUrn("en"),
	} {
		_, err := urn.NewCapUrnFromString(s)
		require.NoError(t, err, s)
	}
}

func TestCapIdentityAcceptsAnyType(t *testing.T) {
	identity, err := urn.NewCapUrnFromString(CapIdentity)
	require.NoError(t, err)
	request, err := urn.NewCapUrnFromString("cap:in=media:pdf;out=media:pdf")
	require.NoError(t, err)
	assert.True(t, identity.Accepts(request))
}

func TestCapDiscardAcceptsAnyInputAndProducesVoid(t *testing.T) {
	discard, err := urn.NewCapUrnFromString(CapDiscard)
	require.NoError(t, err)
	request, err := urn.NewCapUrnFromString("cap:in=media:image;png;out=media:void")
	require.NoError(t, err)
	assert.True(t, discard.Accepts(request))

	nonVoidOutput, err := urn.NewCapUrnFromString("cap:in=media:image;png;out=media:string")
	require.NoError(t, err)
	assert.False(t, discard.Accepts(nonVoidOutput))
}
