package network

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestLookupNameWireLayout(t *testing.T) {
	// Field 1, length-delimited, "a"; field 2, length-delimited, "bc".
	want := []byte{0x0a, 0x01, 'a', 0x12, 0x02, 'b', 'c'}
	require.Equal(t, want, Marshal(&LookupName{ID: "a", ReadableName: "bc"}))

	var got LookupName
	require.NoError(t, Unmarshal(want, &got))
	require.Equal(t, LookupName{ID: "a", ReadableName: "bc"}, got)
}

func TestFileChunkCarriesNestedTime(t *testing.T) {
	in := &FileChunk{
		RelativePath: "photos/cat.jpg",
		FileType:     1,
		Chunk:        []byte{0, 1, 2, 3},
		FileMode:     0o644,
		Time:         &FileTime{Mtime: 1_700_000_000, MtimeUsec: 123456},
	}

	var out FileChunk
	require.NoError(t, Unmarshal(Marshal(in), &out))
	require.Equal(t, *in, out)
}

func TestTransferOpRequestKeepsRepeatedNamesInOrder(t *testing.T) {
	in := &TransferOpRequest{
		Info:            &OpInfo{Ident: "HOST-ABCDEF", Timestamp: 1_700_000_000_123, UseCompression: true},
		SenderName:      "me",
		Size:            1 << 33,
		Count:           3,
		TopDirBasenames: []string{"b", "a", "c"},
	}

	var out TransferOpRequest
	require.NoError(t, Unmarshal(Marshal(in), &out))
	require.Equal(t, []string{"b", "a", "c"}, out.TopDirBasenames)
	require.Equal(t, uint64(1<<33), out.Size)
	require.NotNil(t, out.Info)
	require.True(t, out.Info.UseCompression)
	require.Equal(t, uint64(1_700_000_000_123), out.Info.Timestamp)
}

func TestUnmarshalSkipsUnknownFields(t *testing.T) {
	data := Marshal(&OpInfo{Ident: "x"})
	data = protowire.AppendTag(data, 15, protowire.VarintType)
	data = protowire.AppendVarint(data, 99)
	data = protowire.AppendTag(data, 16, protowire.BytesType)
	data = protowire.AppendString(data, "future")

	var got OpInfo
	require.NoError(t, Unmarshal(data, &got))
	require.Equal(t, "x", got.Ident)
}

func TestUnmarshalRejectsTruncatedInput(t *testing.T) {
	data := Marshal(&RemoteMachineInfo{DisplayName: "Living room"})

	var got RemoteMachineInfo
	err := Unmarshal(data[:len(data)-3], &got)
	require.True(t, errors.Is(err, ErrMalformedMessage))
}

func TestCodecRejectsForeignTypes(t *testing.T) {
	_, err := wireCodec{}.Marshal("not a message")
	require.ErrorIs(t, err, ErrUnknownMessage)
	require.Equal(t, "proto", wireCodec{}.Name())
}
