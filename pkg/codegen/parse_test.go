package codegen

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFiles(t *testing.T) {
	text := "Here is the project.\n\n" +
		"File: package.json\n\n" +
		"```json\n{\"name\": \"weather\"}\n```\n\n" +
		"**File:** `src/index.ts`\n" +
		"```ts\nexport const a = 1;\n```\n\n" +
		"```ts path=./src/util.ts\nexport const b = 2;\n```\n\n" +
		"```\nno path here\n```\n\n" +
		"```ts src/index.ts\nexport const a = 3;\n```\n"

	files := ParseFiles(text)
	require.Len(t, files, 3)
	assert.Equal(t, File{Path: "package.json", Content: "{\"name\": \"weather\"}\n"}, files[0])
	assert.Equal(t, File{Path: "src/index.ts", Content: "export const a = 3;\n"}, files[1])
	assert.Equal(t, File{Path: "src/util.ts", Content: "export const b = 2;\n"}, files[2])
}

func TestParseFilesHeaderOnlyAppliesToNextBlock(t *testing.T) {
	text := "File: src/a.ts\nSome prose in between.\n```ts\nconst a = 1;\n```\n"
	assert.Empty(t, ParseFiles(text))
}

func TestExtractCode(t *testing.T) {
	assert.Equal(t, "const x = 1;\n", ExtractCode("Fixed:\n```typescript\nconst x = 1;\n```\nDone."))
	assert.Equal(t, "const y = 2;", ExtractCode("  const y = 2;  \n"))
	assert.Equal(t, "const z = 3;\nconst w", ExtractCode("```ts\nconst z = 3;\nconst w"))
}
