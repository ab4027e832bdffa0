package extract_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xhad/bookfriend/pkg/extract"
)

const sampleHTML = `<!DOCTYPE html>
<html>
<head>
  <title>Sample Book</title>
  <style>body { color: red; }</style>
  <script>console.log("tracking");</script>
</head>
<body>
  <nav>Home | About</nav>
  <h1>Chapter 1</h1>
  <p>Alice was beginning to get very tired of sitting by her sister.</p>
  <p>So she was considering in her own mind whether the pleasure of
     making a daisy-chain would be worth the trouble.</p>
  <footer>Copyright 1865</footer>
</body>
</html>`

func TestExtractHTML(t *testing.T) {
	e := extract.New()

	text, err := e.ExtractText("alice.html", []byte(sampleHTML))
	require.NoError(t, err)

	assert.Contains(t, text, "Chapter 1")
	assert.Contains(t, text, "tired of sitting by her sister")
	assert.Contains(t, text, "making a daisy-chain would be worth the trouble")

	assert.NotContains(t, text, "console.log")
	assert.NotContains(t, text, "color: red")
	assert.NotContains(t, text, "Home | About")
	assert.NotContains(t, text, "Copyright 1865")
}

func TestExtractHTMLCollapsesWhitespace(t *testing.T) {
	e := extract.New()

	text, err := e.ExtractText("b.htm", []byte("<html><body><p>spread   over\n   lines</p></body></html>"))
	require.NoError(t, err)
	assert.Equal(t, "spread over lines", text)
}

func TestExtractUnsupportedExtension(t *testing.T) {
	e := extract.New()

	_, err := e.ExtractText("notes.docx", []byte("whatever"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported file type")
}

func TestExtractCorruptPDF(t *testing.T) {
	e := extract.New()

	_, err := e.ExtractText("broken.pdf", []byte("this is not a pdf"))
	require.Error(t, err)
}
