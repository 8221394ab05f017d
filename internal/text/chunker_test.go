package text

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func contents(chunks []Chunk) []string {
	out := make([]string, len(chunks))
	for i, c := range chunks {
		out[i] = c.Content
	}
	return out
}

func TestChunkText(t *testing.T) {
	t.Run("Basic Prose", func(t *testing.T) {
		text := "This is a simple paragraph."
		chunks := ChunkText(text, 100)
		assert.Len(t, chunks, 1)
		assert.Equal(t, text, chunks[0].Content)
		assert.Equal(t, 0, chunks[0].Index)
		assert.Equal(t, EstimateTokens(text), chunks[0].TokenCount)
	})

	t.Run("Headers Split", func(t *testing.T) {
		text := "# Header 1\nContent 1\n## Header 2\nContent 2"
		chunks := ChunkText(text, 100)
		assert.Len(t, chunks, 2)
		assert.Contains(t, chunks[0].Content, "Header 1")
		assert.Contains(t, chunks[1].Content, "Header 2")
	})

	t.Run("Paragraph Split", func(t *testing.T) {
		// 5 tokens ~ 20 chars
		text := "Short paragraph.\n\nAnother short paragraph."
		chunks := ChunkText(text, 5)
		assert.Equal(t, []string{"Short paragraph.", "Another short", "paragraph."}, contents(chunks))
	})

	t.Run("Line Split", func(t *testing.T) {
		text := "Line 1 is long enough.\nLine 2 is also long."
		chunks := ChunkText(text, 5)
		assert.True(t, len(chunks) >= 2)
		for _, c := range chunks {
			assert.LessOrEqual(t, len(c.Content), 20)
		}
	})

	t.Run("Oversized Word Kept Whole", func(t *testing.T) {
		text := "VeryLongWordThatExceedsLimit AnotherWord"
		chunks := ChunkText(text, 2)
		assert.Equal(t, []string{"VeryLongWordThatExceedsLimit", "AnotherWord"}, contents(chunks))
	})

	t.Run("Empty Input", func(t *testing.T) {
		assert.Empty(t, ChunkText("   \n\n ", 10))
	})

	t.Run("Default Budget", func(t *testing.T) {
		chunks := ChunkText(strings.Repeat("word ", 1000), 0)
		for _, c := range chunks {
			assert.LessOrEqual(t, len(c.Content), DefaultMaxTokens*charsPerToken)
		}
	})
}

func TestChunkText_IndicesGapFree(t *testing.T) {
	text := strings.Repeat("alpha beta gamma delta.\n\n", 200)
	chunks := ChunkText(text, 16)
	assert.Greater(t, len(chunks), 1)
	for i, c := range chunks {
		assert.Equal(t, i, c.Index)
	}
}

func TestChunkText_ReassemblesOriginal(t *testing.T) {
	inputs := []string{
		"# Lecture 3\n\nPhotosynthesis converts light energy.\nChlorophyll absorbs red and blue light.\n\n## Calvin cycle\n\nCarbon fixation happens in the stroma.",
		strings.Repeat("The mitochondria is the powerhouse of the cell. ", 300),
		"one\ttwo   three\n\n\n\nfour\r\nfive",
	}

	for _, in := range inputs {
		for _, budget := range []int{1, 3, 10, 64, 512} {
			chunks := ChunkText(in, budget)
			joined := strings.Join(contents(chunks), " ")
			assert.Equal(t, Normalize(in), Normalize(joined), "budget %d", budget)
		}
	}
}

func TestCleanExtractionNoise(t *testing.T) {
	t.Run("Strips image markers and page numbers", func(t *testing.T) {
		input := "Intro paragraph\n<!-- image -->\n12\nPage 3\n3 / 40\nMore content"
		result := CleanExtractionNoise(input)
		assert.NotContains(t, result, "image")
		assert.NotContains(t, result, "Page 3")
		assert.NotContains(t, result, "3 / 40")
		assert.Contains(t, result, "Intro paragraph")
		assert.Contains(t, result, "More content")
	})

	t.Run("Preserves numbers inside prose", func(t *testing.T) {
		input := "# Chapter 2\n\nThere are 206 bones in the adult body."
		assert.Equal(t, input, CleanExtractionNoise(input))
	})
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "a b c", Normalize("  a \n\t b   c  "))
	assert.Equal(t, "", Normalize(" \n "))
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("abc"))
	assert.Equal(t, 2, EstimateTokens("abcde"))
}

func TestChunkText_MeasuresRunesNotBytes(t *testing.T) {
	// Two-byte runes: byte length would split every word apart.
	chunks := ChunkText("ééé ééé ééé", 2)

	var contents []string
	for _, c := range chunks {
		contents = append(contents, c.Content)
		assert.LessOrEqual(t, c.TokenCount, 2)
	}
	assert.Equal(t, []string{"ééé ééé", "ééé"}, contents)

	single := ChunkText("日本語の文章です", 2)
	if assert.Len(t, single, 1) {
		assert.Equal(t, 2, single[0].TokenCount)
	}
}
