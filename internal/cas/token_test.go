package cas

import (
	"encoding/base64"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encode(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func TestExtractToken(t *testing.T) {
	cases := []struct {
		name     string
		location string
		want     string
	}{
		{"app scheme", "moodlemobile://token=" + encode("site:::tok:::priv"), "tok"},
		{"query form", "https://x/launch?foo=1&token=" + encode("site::tok::priv"), "tok"},
		{"stray colons and spaces", "moodlemobile://token=" + encode("site:: :tok: ::priv"), "tok"},
		{"ignores wstoken", "https://x/?wstoken=zzz&token=" + encode("a::b::c"), "b"},
		{"url-safe padding", "moodlemobile://token=" + strings.ReplaceAll(encode("ab::cd::e"), "=", "%3D"), "cd"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ExtractToken(tc.location)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestExtractTokenRejectsMalformed(t *testing.T) {
	bad := []string{
		"moodlemobile://nothing-here",
		"moodlemobile://token=",
		"moodlemobile://token=!!!not-base64!!!",
		"moodlemobile://token=" + encode("just-one"),
		"moodlemobile://token=" + encode("a::b"),
		"moodlemobile://token=" + encode("a::b::c::d"),
		"moodlemobile://token=" + encode("a:: : ::c"),
	}
	for _, loc := range bad {
		_, err := ExtractToken(loc)
		assert.Error(t, err, loc)
	}
}

func TestSanitizeTokenProperty(t *testing.T) {
	rnd := rand.New(rand.NewSource(42))
	noise := []string{":", " ", "\t", "\n", "::", " : "}
	pick := func() string {
		var b strings.Builder
		for i := rnd.Intn(5); i > 0; i-- {
			b.WriteString(noise[rnd.Intn(len(noise))])
		}
		return b.String()
	}

	for i := 0; i < 500; i++ {
		core := "t" + strings.Repeat("x", rnd.Intn(10)) + "0"
		got := SanitizeToken(pick() + core + pick())
		assert.Equal(t, core, got)
		assert.False(t, strings.HasPrefix(got, ":") || strings.HasSuffix(got, ":"))
		assert.Equal(t, strings.TrimSpace(got), got)
	}
}
