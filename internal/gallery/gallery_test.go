package gallery

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTripIsExact(t *testing.T) {
	t.Parallel()

	raw := []byte("VERSION2\n" +
		"0000001a\n" +
		"2062874\n" +
		"8cd1b4a9e2\n" +
		"1\n" +
		"3\n" +
		"20\n" +
		"54\n" +
		"0 a1b2c3d4e5\n" +
		"1 f6a7b8c9d0\n" +
		"19 0123456789\n")

	m, err := Decode(raw)
	require.NoError(t, err)
	require.Equal(t, int64(2062874), m.ID)
	require.Equal(t, "8cd1b4a9e2", m.Token)
	require.Equal(t, 26, m.StartPage)
	require.Equal(t, 3, m.PreviewPageCount)
	require.Equal(t, 20, m.PreviewPerPage)
	require.Equal(t, 54, m.PageCount)
	require.Len(t, m.Tokens, 3)

	require.Equal(t, string(raw), string(Encode(m)))
}

func TestDecodeLegacyLayout(t *testing.T) {
	t.Parallel()

	raw := []byte("00000000\n" +
		"42\n" +
		"abcdef0123\n" +
		"1\n" +
		"2\n" +
		"40\n" +
		"5 0a0b0c0d0e\n")

	m, err := Decode(raw)
	require.NoError(t, err)
	require.Equal(t, int64(42), m.ID)
	require.Equal(t, 40, m.PageCount)
	require.Equal(t, 2, m.PreviewPageCount)
	require.Equal(t, -1, m.PreviewPerPage)
	value, ok := m.Tokens[5].Value()
	require.True(t, ok)
	require.Equal(t, "0a0b0c0d0e", value)

	again, err := Decode(Encode(m))
	require.NoError(t, err)
	require.Equal(t, m, again)
}

func TestEncodeSkipsFailureMarkers(t *testing.T) {
	t.Parallel()

	m := NewMetadata(Ref{ID: 7, Token: "tok"}, 3)
	m.Tokens[0] = Resolved("aaaaaaaaaa")
	m.Tokens[1] = PermanentFailure

	decoded, err := Decode(Encode(m))
	require.NoError(t, err)
	require.Len(t, decoded.Tokens, 1)
	_, present := decoded.Tokens[1]
	require.False(t, present)
}

func TestDecodeRejectsMalformedRecords(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"empty":         "",
		"bad version":   "VERSION9\n",
		"truncated":     "VERSION2\n00000000\n1\n",
		"bad gid":       "VERSION2\n00000000\nxx\ntok\n1\n1\n20\n10\n",
		"bad token row": "VERSION2\n00000000\n1\ntok\n1\n1\n20\n10\nnospace\n",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := Decode([]byte(raw))
			require.ErrorIs(t, err, ErrMalformedMetadata)
		})
	}
}

func TestPreviewIndex(t *testing.T) {
	t.Parallel()

	m := NewMetadata(Ref{ID: 1, Token: "t"}, 40)
	m.PreviewPageCount = 2
	m.PreviewPerPage = 20

	require.Equal(t, 0, m.PreviewIndex(0))
	require.Equal(t, 0, m.PreviewIndex(19))
	require.Equal(t, 1, m.PreviewIndex(25))
	require.Equal(t, 1, m.PreviewIndex(90))

	m.PreviewPerPage = -1
	require.Equal(t, 0, m.PreviewIndex(25))
	m.PreviewPerPage = 0
	require.Equal(t, 0, m.PreviewIndex(25))
}

func TestMergeTokensKeepsExistingEntries(t *testing.T) {
	t.Parallel()

	m := NewMetadata(Ref{ID: 1, Token: "t"}, 10)
	m.Tokens[2] = PermanentFailure
	m.Tokens[3] = Resolved("old")

	added := m.MergeTokens(map[int]string{1: "one", 2: "two", 3: "new", 4: ""})
	require.Equal(t, 1, added)
	require.True(t, m.Tokens[2].Failed())
	value, _ := m.Tokens[3].Value()
	require.Equal(t, "old", value)

	require.True(t, m.ClearFailure(2))
	require.False(t, m.ClearFailure(3))
	_, present := m.Tokens[2]
	require.False(t, present)
}

func TestCacheEvictsOldest(t *testing.T) {
	t.Parallel()

	c := NewCache(2)
	for id := int64(1); id <= 3; id++ {
		c.Put(NewMetadata(Ref{ID: id, Token: "t"}, int(id)))
	}
	require.Equal(t, 2, c.Len())
	_, ok := c.Get(1)
	require.False(t, ok)
	m, ok := c.Get(3)
	require.True(t, ok)
	require.Equal(t, 3, m.PageCount)
}

func TestSiteURLs(t *testing.T) {
	t.Parallel()

	site := NewSite("https://example.org/", "")
	ref := Ref{ID: 99, Token: "abc"}
	require.Equal(t, "https://example.org/api.php", site.APIURL)
	require.Equal(t, "https://example.org/g/99/abc/", site.DetailURL(ref, 0))
	require.Equal(t, "https://example.org/g/99/abc/?p=2", site.DetailURL(ref, 2))
	require.Equal(t, "https://example.org/mpv/99/abc/", site.MultiPageViewerURL(ref))

	page := site.PageURL(99, 4, "0123456789")
	require.Equal(t, "https://example.org/s/0123456789/99-5", page)
	require.Equal(t, page+"?nl=12-345", WithSkipKey(page, "12-345"))

	tok, gid, index, ok := ParsePageURL(page)
	require.True(t, ok)
	require.Equal(t, "0123456789", tok)
	require.Equal(t, int64(99), gid)
	require.Equal(t, 4, index)

	_, _, _, ok = ParsePageURL("https://example.org/g/99/abc/")
	require.False(t, ok)
}
