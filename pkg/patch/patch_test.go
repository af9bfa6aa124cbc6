package patch

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDiff = `diff --git a/svc/handler.go b/svc/handler.go
index 1111111..2222222 100644
--- a/svc/handler.go
+++ b/svc/handler.go
@@ -1,4 +1,4 @@
 package svc

-func Timeout() int { return 5 }
+func Timeout() int { return 10 }
 // end
--- /dev/null
+++ b/svc/handler_test.go
@@ -0,0 +1,2 @@
+package svc
+// test
`

func sampleFiles() Files {
	return Files{
		"svc/handler.go": []byte("package svc\n\nfunc Timeout() int { return 5 }\n// end\n"),
		"README.md":      []byte("readme\n"),
	}
}

func TestParse_MultiFile(t *testing.T) {
	p, err := Parse(sampleDiff)
	require.NoError(t, err)
	require.Len(t, p.Files, 2)

	assert.Equal(t, "svc/handler.go", p.Files[0].OldPath)
	assert.Equal(t, DevNull, p.Files[1].OldPath)
	assert.Equal(t, []string{"svc/handler.go", "svc/handler_test.go"}, p.Paths())

	stats := p.Stats()
	assert.Equal(t, 4, stats.Lines)
	assert.Positive(t, stats.Bytes)
}

func TestApply_AndReverseRestoresOriginal(t *testing.T) {
	p := MustParse(sampleDiff)
	orig := sampleFiles()

	applied, err := p.Apply(orig)
	require.NoError(t, err)
	assert.Contains(t, string(applied["svc/handler.go"]), "return 10")
	assert.Equal(t, "package svc\n// test\n", string(applied["svc/handler_test.go"]))
	// Input is not mutated.
	assert.Contains(t, string(orig["svc/handler.go"]), "return 5")

	restored, err := p.Reverse().Apply(applied)
	require.NoError(t, err)
	assert.Equal(t, orig, restored)
}

func TestApply_ConflictIsRejected(t *testing.T) {
	p := MustParse(sampleDiff)
	files := sampleFiles()
	files["svc/handler.go"] = []byte("package svc\n\nfunc Timeout() int { return 7 }\n// end\n")

	_, err := p.Apply(files)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestApply_NoNewlineAtEOF(t *testing.T) {
	diff := `--- a/VERSION
+++ b/VERSION
@@ -1 +1 @@
-1.0.0
\ No newline at end of file
+1.1.0
\ No newline at end of file
`
	p, err := Parse(diff)
	require.NoError(t, err)

	out, err := p.Apply(Files{"VERSION": []byte("1.0.0")})
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", string(out["VERSION"]))

	back, err := p.Reverse().Apply(out)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", string(back["VERSION"]))

	// Rendering round-trips through the parser.
	again, err := Parse(p.String())
	require.NoError(t, err)
	assert.Equal(t, p, again)
}

func TestParse_Malformed(t *testing.T) {
	cases := map[string]string{
		"missing plus header": "--- a/x\n@@ -1 +1 @@\n",
		"hunk before header":  "@@ -1 +1 @@\n-a\n+b\n",
		"truncated hunk":      "--- a/x\n+++ b/x\n@@ -1,3 +1,3 @@\n a\n",
		"bad op":              "--- a/x\n+++ b/x\n@@ -1 +1 @@\n*a\n",
	}
	for name, text := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(text)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestFilterAndDigest(t *testing.T) {
	p := MustParse(sampleDiff)
	narrowed := p.Without("svc/handler_test.go")
	assert.Equal(t, []string{"svc/handler.go"}, narrowed.Paths())
	assert.NotEqual(t, p.Digest(), narrowed.Digest())
	assert.Equal(t, p.Digest(), MustParse(sampleDiff).Digest())
	assert.True(t, strings.HasPrefix(p.Digest(), "blake3:"))
	assert.True(t, p.Without(p.Paths()...).Empty())
}

// replaceBlock builds a single-hunk patch replacing lines [from, to) of
// original with insert.
func replaceBlock(path string, original []string, from, to int, insert []string) *Patch {
	h := Hunk{OldLines: to - from, NewLines: len(insert)}
	h.OldStart, h.NewStart = from, from
	if h.OldLines > 0 {
		h.OldStart = from + 1
	}
	if h.NewLines > 0 {
		h.NewStart = from + 1
	}
	for _, l := range original[from:to] {
		h.Lines = append(h.Lines, Line{Op: OpDelete, Text: l})
	}
	for _, l := range insert {
		h.Lines = append(h.Lines, Line{Op: OpAdd, Text: l})
	}
	return &Patch{Files: []FileDiff{{OldPath: path, NewPath: path, Hunks: []Hunk{h}}}}
}

func joinLines(lines []string) []byte {
	if len(lines) == 0 {
		return nil
	}
	return []byte(strings.Join(lines, "\n") + "\n")
}

func TestPatch_ReverseRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("apply then reverse restores content byte-for-byte", prop.ForAll(
		func(original, insert []string, a, b int) bool {
			from, to := a%(len(original)+1), b%(len(original)+1)
			if from > to {
				from, to = to, from
			}
			p := replaceBlock("f.txt", original, from, to, insert)

			// Exercise the textual form as proposals carry it.
			parsed, err := Parse(p.String())
			if err != nil {
				return false
			}
			files := Files{"f.txt": joinLines(original)}
			forward, err := parsed.Apply(files)
			if err != nil {
				return false
			}
			back, err := parsed.Reverse().Apply(forward)
			if err != nil {
				return false
			}
			return string(back["f.txt"]) == string(files["f.txt"])
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
		gen.IntRange(0, 100),
		gen.IntRange(0, 100),
	))

	properties.TestingRun(t)
}
