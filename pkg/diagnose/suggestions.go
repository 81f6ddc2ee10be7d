package diagnose

import (
	"fmt"
	"strings"
)

// typeScriptSuggestions maps TS diagnostic codes to a fix hint.
//
//nolint:gochecknoglobals // static lookup table
var typeScriptSuggestions = map[string]string{
	// implicit any
	"TS7005": "Add an explicit type annotation to the variable",
	"TS7006": "Add an explicit parameter type annotation",
	"TS7031": "Add an explicit type to the destructured binding",
	// type mismatch
	"TS2322": "Align the assigned or returned value with the declared type",
	"TS2345": "Pass an argument that matches the parameter type",
	"TS2355": "Return a value on every code path or change the declared return type",
	"TS2741": "Provide the missing required property",
	// unknown names and modules
	"TS2304": "Import or declare the missing identifier",
	"TS2552": "Correct the identifier name or import it",
	"TS2307": "Install the module or fix the import path",
	"TS2339": "Add the property to the type or correct the property name",
	"TS2551": "Use the suggested property name",
	"TS2554": "Pass the number of arguments the signature expects",
	// nullability
	"TS2531":  "Guard against null before using the value",
	"TS2532":  "Guard against undefined before using the value",
	"TS18046": "Narrow the unknown value with a type guard",
	"TS18047": "Guard against null before using the value",
	"TS18048": "Guard against undefined before using the value",
	// hygiene and syntax
	"TS6133": "Remove the unused declaration or prefix it with an underscore",
	"TS1005": "Fix the syntax error at this location",
	"TS2300": "Remove or rename the duplicate identifier",
}

func typeScriptSuggestion(code string) string {
	if s, ok := typeScriptSuggestions[code]; ok {
		return s
	}
	return fmt.Sprintf("Review %s and adjust the types at this location", code)
}

//nolint:gochecknoglobals // static lookup table
var eslintSuggestions = map[string]string{
	"no-unused-vars":                     "Remove the unused variable or use it",
	"@typescript-eslint/no-unused-vars":  "Remove the unused variable or prefix it with an underscore",
	"@typescript-eslint/no-explicit-any": "Replace any with a specific type",
	"no-undef":                           "Declare or import the undefined identifier",
	"prefer-const":                       "Declare the binding with const",
	"eqeqeq":                             "Use strict equality (=== / !==)",
	"no-console":                         "Replace console output with the runtime logger",
	"@typescript-eslint/no-floating-promises": "Await the promise or handle its rejection",
	"parsing": "Fix the syntax so the file parses",
}

func eslintSuggestion(rule string) string {
	if s, ok := eslintSuggestions[rule]; ok {
		return s
	}
	return fmt.Sprintf("Apply the fix required by the %s rule", rule)
}

func testSuggestion(name, message string) string {
	switch {
	case strings.Contains(message, "Cannot find module"):
		return "Install the missing module or fix the import path used by the test"
	case strings.Contains(message, "Exceeded timeout"), strings.Contains(message, "timed out"):
		return "Resolve the hanging async work or await it in the test"
	case strings.Contains(message, "is not a function"):
		return "Export the function the test calls with the expected name"
	}
	return fmt.Sprintf("Change the implementation so %q meets its assertion", name)
}
