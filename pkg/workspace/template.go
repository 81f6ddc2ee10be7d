package workspace

import (
	"encoding/json"
	"strings"

	"autocoder/pkg/codegen"
	"autocoder/pkg/utils"
)

type packageJSON struct {
	Name            string            `json:"name"`
	Version         string            `json:"version"`
	Description     string            `json:"description"`
	Type            string            `json:"type"`
	Main            string            `json:"main"`
	Types           string            `json:"types"`
	Scripts         map[string]string `json:"scripts"`
	DevDependencies map[string]string `json:"devDependencies"`
}

const tsconfig = `{
  "compilerOptions": {
    "target": "ES2022",
    "module": "NodeNext",
    "moduleResolution": "NodeNext",
    "strict": true,
    "noImplicitAny": true,
    "esModuleInterop": true,
    "skipLibCheck": true,
    "declaration": true,
    "outDir": "dist",
    "rootDir": "src"
  },
  "include": ["src"],
  "exclude": ["node_modules", "dist"]
}
`

const eslintConfig = `import js from "@eslint/js";
import tseslint from "typescript-eslint";

export default tseslint.config(
  { ignores: ["dist/**", "node_modules/**"] },
  js.configs.recommended,
  ...tseslint.configs.recommended,
);
`

const vitestConfig = `import { defineConfig } from "vitest/config";

export default defineConfig({
  test: {
    include: ["src/**/*.test.ts"],
  },
});
`

const gitignore = "node_modules/\ndist/\ncoverage/\n.env\n"

// BaseTemplate returns the files every plugin workspace starts from. The
// generator writes the sources on top of it.
func BaseTemplate(name, description string) []codegen.File {
	pkg := packageJSON{
		Name:        utils.Slugify(name),
		Version:     "0.1.0",
		Description: strings.TrimSpace(description),
		Type:        "module",
		Main:        "dist/index.js",
		Types:       "dist/index.d.ts",
		Scripts: map[string]string{
			"build":     "tsc",
			"typecheck": "tsc --noEmit",
			"lint":      "eslint .",
			"test":      "vitest run",
		},
		DevDependencies: map[string]string{
			"@eslint/js":        "^9.0.0",
			"@types/node":       "^20.0.0",
			"eslint":            "^9.0.0",
			"typescript":        "^5.4.0",
			"typescript-eslint": "^8.0.0",
			"vitest":            "^2.0.0",
		},
	}
	// json.MarshalIndent cannot fail for this type.
	data, _ := json.MarshalIndent(pkg, "", "  ")

	return []codegen.File{
		{Path: "package.json", Content: string(data) + "\n"},
		{Path: "tsconfig.json", Content: tsconfig},
		{Path: "eslint.config.js", Content: eslintConfig},
		{Path: "vitest.config.ts", Content: vitestConfig},
		{Path: ".gitignore", Content: gitignore},
		{Path: "README.md", Content: "# " + name + "\n\n" + strings.TrimSpace(description) + "\n"},
	}
}
