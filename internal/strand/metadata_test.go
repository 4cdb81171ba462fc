package strand_test

import (
	"testing"

	"strand/internal/strand"

	"github.com/stretchr/testify/require"
)

func TestEncodeContentDisposition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		disposition strand.Disposition
		filename    string
		want        string
	}{
		{
			name:        "attachment with ascii filename",
			disposition: strand.DispositionAttachment,
			filename:    "cool_data.txt",
			want:        `attachment; filename="cool_data.txt"; filename*=UTF-8''cool_data.txt`,
		},
		{
			name:        "inline with ascii filename",
			disposition: strand.DispositionInline,
			filename:    "preview.png",
			want:        `inline; filename="preview.png"; filename*=UTF-8''preview.png`,
		},
		{
			name:        "non-ascii filename falls back to ? in the plain parameter",
			disposition: strand.DispositionAttachment,
			filename:    "résumé.pdf",
			want:        `attachment; filename="r?sum?.pdf"; filename*=UTF-8''r%C3%A9sum%C3%A9.pdf`,
		},
		{
			name:        "quotes and backslashes are escaped",
			disposition: strand.DispositionAttachment,
			filename:    `a"b\c.txt`,
			want:        `attachment; filename="a\"b\\c.txt"; filename*=UTF-8''a%22b%5Cc.txt`,
		},
		{
			name:        "empty disposition defaults to inline",
			disposition: "",
			filename:    "plain.txt",
			want:        `inline; filename="plain.txt"; filename*=UTF-8''plain.txt`,
		},
		{
			name:        "no filename yields bare disposition",
			disposition: strand.DispositionAttachment,
			filename:    "",
			want:        "attachment",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, strand.EncodeContentDisposition(tt.disposition, tt.filename))
		})
	}
}

func TestDecodeContentDisposition(t *testing.T) {
	t.Parallel()

	t.Run("round trips", func(t *testing.T) {
		t.Parallel()

		for _, filename := range []string{"cool_data.txt", "résumé.pdf", "with space.txt"} {
			encoded := strand.EncodeContentDisposition(strand.DispositionAttachment, filename)
			disposition, decoded, err := strand.DecodeContentDisposition(encoded)
			require.NoErrorf(t, err, "decoding %q", encoded)
			require.Equal(t, strand.DispositionAttachment, disposition)
			require.Equalf(t, filename, decoded, "extended parameter must win over the lossy fallback")
		}
	})

	t.Run("plain filename only", func(t *testing.T) {
		t.Parallel()

		disposition, filename, err := strand.DecodeContentDisposition(`inline; filename="plain.txt"`)
		require.NoError(t, err)
		require.Equal(t, strand.DispositionInline, disposition)
		require.Equal(t, "plain.txt", filename)
	})

	t.Run("empty header", func(t *testing.T) {
		t.Parallel()

		disposition, filename, err := strand.DecodeContentDisposition("")
		require.NoError(t, err)
		require.Equal(t, strand.Disposition(""), disposition)
		require.Empty(t, filename)
	})

	t.Run("unknown disposition", func(t *testing.T) {
		t.Parallel()

		_, _, err := strand.DecodeContentDisposition(`form-data; filename="x.txt"`)
		require.ErrorIs(t, err, strand.ErrInvalidMetadata)
	})
}
