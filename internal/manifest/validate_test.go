package manifest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVerifyMatch(t *testing.T) {
	cs, err := Sum256(strings.NewReader("hello"))
	require.NoError(t, err)
	chunk := Chunk{Index: 3, Checksum: cs}
	require.NoError(t, Verify(chunk, cs))
}

func TestVerifyMismatch(t *testing.T) {
	want, err := Sum256(strings.NewReader("hello"))
	require.NoError(t, err)
	got, err := Sum256(strings.NewReader("goodbye"))
	require.NoError(t, err)

	chunk := Chunk{Index: 1, Checksum: want}
	err = Verify(chunk, got)
	require.Error(t, err)

	var integrityErr *IntegrityError
	require.ErrorAs(t, err, &integrityErr)
	require.Equal(t, uint32(1), integrityErr.ChunkIndex)
}
