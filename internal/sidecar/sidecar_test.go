package sidecar

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imgcat/pkg/contract"
	wfs "imgcat/plugins/writer/filesystem"
)

func sample() Sidecar {
	return New("cat.webp", contract.Annotation{
		Tags:            []string{"cat", "室内"},
		RawText:         "a <cat> & a mat",
		StructuredData:  map[string]any{"species": "cat"},
		ProfileMentions: []string{"@tom"},
		Extra:           map[string]any{"zeta": "z", "alpha": "a"},
	})
}

func TestMarshalStableKeyOrder(t *testing.T) {
	b, err := sample().Marshal(Format{})
	require.NoError(t, err)
	want := `{"filename":"cat.webp","tags":["cat","室内"],"raw_text":"a <cat> & a mat","structured_data":{"species":"cat"},"profile_mentions":["@tom"],"alpha":"a","zeta":"z"}`
	assert.Equal(t, want, string(b))
}

func TestMarshalIndentMatchesPythonLayout(t *testing.T) {
	s := New("x.webp", contract.Annotation{})
	b, err := s.Marshal(DefaultFormat())
	require.NoError(t, err)
	want := "{\n  \"filename\": \"x.webp\",\n  \"tags\": [],\n  \"raw_text\": \"\",\n  \"structured_data\": {},\n  \"profile_mentions\": []\n}"
	assert.Equal(t, want, string(b))
}

func TestMarshalEnsureASCII(t *testing.T) {
	s := New("猫.webp", contract.Annotation{RawText: "emoji 😀"})
	b, err := s.Marshal(Format{EnsureASCII: true})
	require.NoError(t, err)
	out := string(b)
	assert.Contains(t, out, `"filename":"\u732b.webp"`)
	assert.Contains(t, out, `"raw_text":"emoji \ud83d\ude00"`)
	for _, r := range out {
		require.Less(t, r, rune(128), "non-ascii rune leaked: %q", r)
	}
	back, err := Unmarshal(b)
	require.NoError(t, err)
	assert.Equal(t, "猫.webp", back.Filename)
	assert.Equal(t, "emoji 😀", back.RawText)
}

func TestUnmarshalBackfillsAndKeepsExtras(t *testing.T) {
	s, err := Unmarshal([]byte(`{"filename":"a.webp","tags":null,"score":0.1234567890123456789,"nested":{"k":[1,2]}}`))
	require.NoError(t, err)
	assert.Equal(t, "a.webp", s.Filename)
	assert.NotNil(t, s.Tags)
	assert.Empty(t, s.Tags)
	assert.NotNil(t, s.StructuredData)
	assert.NotNil(t, s.ProfileMentions)
	require.Contains(t, s.Extra, "score")

	b, err := s.Marshal(Format{})
	require.NoError(t, err)
	assert.Contains(t, string(b), `"score":0.1234567890123456789`, "numbers survive verbatim")
	assert.True(t, strings.Index(string(b), `"nested"`) < strings.Index(string(b), `"score"`))
}

func TestUnmarshalRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":      `{"filename":`,
		"array":         `[1,2]`,
		"null":          `null`,
		"tags type":     `{"filename":"a","tags":"cat"}`,
		"filename type": `{"filename":3}`,
		"structured":    `{"structured_data":[1]}`,
		"trailing":      `{"filename":"a"} {"x":1}`,
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Unmarshal([]byte(in))
			require.Error(t, err)
			assert.True(t, errors.Is(err, contract.ErrResponseInvalid))
		})
	}
}

func TestParseAnnotationDropsModelFilename(t *testing.T) {
	a, err := ParseAnnotation([]byte(`{"filename":"evil.webp","tags":["x"]}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, a.Tags)
	assert.NotContains(t, a.Extra, "filename")
}

func TestSaveWritesStemJSON(t *testing.T) {
	dir := t.TempDir()
	w, err := wfs.New(&wfs.Options{OutputDir: dir})
	require.NoError(t, err)
	id, err := Save(context.Background(), w, sample(), DefaultFormat())
	require.NoError(t, err)
	assert.Equal(t, contract.ArtifactID("cat.json"), id)
	assert.FileExists(t, dir+"/cat.json")

	_, err = Save(context.Background(), w, Sidecar{}, DefaultFormat())
	assert.Error(t, err)
	assert.Equal(t, "cat (1).json", FileName("cat (1).webp"))
}
