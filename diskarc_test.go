// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package diskarc

import (
	"bytes"
	"io"
	"testing"

	"github.com/elliotnunn/diskarc/archive"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var payload = bytes.Repeat([]byte("All work and no play makes Jack a dull boy.\n"), 40)

func build(t *testing.T, kind archive.Kind, cfg *Config) []byte {
	t.Helper()
	a, err := CreateNew(kind, cfg)
	require.NoError(t, err)
	require.Equal(t, kind, a.Kind())
	require.NoError(t, a.StartTransaction())
	e, err := a.CreateRecord()
	require.NoError(t, err)
	require.NoError(t, e.SetFileName("HELLO.TXT"))
	part := archive.DataFork
	if kind == archive.AppleDouble {
		part = archive.RsrcFork
	}
	require.NoError(t, a.AddPart(e, part, archive.NewBytesSource(payload), archive.Default))
	out := archive.NewMemStream(nil)
	require.NoError(t, a.CommitTransaction(out))
	require.NoError(t, a.Close())
	return out.Bytes()
}

func TestRoundTripEveryWritableFormat(t *testing.T) {
	for _, kind := range []archive.Kind{
		archive.NuFX, archive.Binary2, archive.AppleSingle, archive.AppleDouble, archive.Zip, archive.GZip,
	} {
		t.Run(kind.String(), func(t *testing.T) {
			b := build(t, kind, nil)
			got, err := Detect(bytes.NewReader(b), int64(len(b)))
			require.NoError(t, err)
			assert.Equal(t, kind, got)

			a, err := Open(archive.NewMemStream(b), nil)
			require.NoError(t, err)
			defer a.Close()
			assert.False(t, a.IsDubious())
			ents := a.Entries()
			require.Len(t, ents, 1)
			assert.Equal(t, "HELLO.TXT", ents[0].FileName())

			part := archive.DataFork
			if kind == archive.AppleDouble {
				part = archive.RsrcFork
			}
			rc, err := a.OpenPart(ents[0], part)
			require.NoError(t, err)
			data, err := io.ReadAll(rc)
			require.NoError(t, err)
			rc.Close()
			assert.Equal(t, payload, data)
		})
	}
}

func TestConfigCompression(t *testing.T) {
	// bzip2 has no encoder, so the part falls back to being stored
	b := build(t, archive.NuFX, &Config{Compression: archive.BZip2})
	a, err := Open(archive.NewMemStream(b), nil)
	require.NoError(t, err)
	p, ok := a.Entries()[0].Part(archive.DataFork)
	require.True(t, ok)
	assert.Equal(t, archive.Uncompressed, p.Format)

	b = build(t, archive.NuFX, nil)
	a, err = Open(archive.NewMemStream(b), nil)
	require.NoError(t, err)
	p, _ = a.Entries()[0].Part(archive.DataFork)
	assert.Equal(t, archive.Deflate, p.Format)
}

func TestReadOnlyFormats(t *testing.T) {
	for _, kind := range []archive.Kind{archive.MacBinary, archive.AppleLink, archive.AudioRecording} {
		_, err := CreateNew(kind, nil)
		assert.ErrorIs(t, err, archive.ErrUnsupported, kind.String())
	}
}

func TestUnrecognized(t *testing.T) {
	junk := bytes.Repeat([]byte{0xa5}, 300)
	kind, err := Detect(bytes.NewReader(junk), int64(len(junk)))
	assert.NoError(t, err)
	assert.Equal(t, archive.Unknown, kind)

	_, err = Open(archive.NewMemStream(junk), nil)
	assert.ErrorIs(t, err, archive.ErrFormat)

	_, err = OpenKind(archive.AudioRecording, archive.NewMemStream(junk), nil)
	assert.ErrorIs(t, err, archive.ErrUnsupported)
}

func TestOpenAudio(t *testing.T) {
	data := []byte{1, 2, 3}
	sum := byte(0xff)
	for _, c := range data {
		sum ^= c
	}
	a, err := OpenAudio([]AudioChunk{{Data: append(data, sum)}}, nil)
	require.NoError(t, err)
	assert.Equal(t, archive.AudioRecording, a.Kind())
	require.Len(t, a.Entries(), 1)
	assert.EqualValues(t, 3, a.Entries()[0].DataLength())
}
