// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ast extracts code relationships from TypeScript/JavaScript source
// files using lightweight textual scanning.
//
// This is deliberately NOT a full-language parse. The analyzer trades
// completeness for a zero-parser-dependency contract: every downstream
// consumer (graph builder, mediator) treats its output as advisory, so a
// missed construct degrades a heuristic signal rather than breaking a hard
// gate. The Analyze(path) -> *FileNode contract is the stable boundary; a
// tree-sitter backed implementation can be substituted behind the same
// interface without touching any consumer.
package ast

// ExportKind classifies how a name is exported from a module.
type ExportKind string

const (
	// ExportDefault is `export default ...`.
	ExportDefault ExportKind = "default"

	// ExportNamed is an exported declaration (`export function f`,
	// `export const x`, `export class C`).
	ExportNamed ExportKind = "named"

	// ExportList is a name in an `export { a, b }` list.
	ExportList ExportKind = "list"

	// ExportReExport is a name re-exported from another module
	// (`export { a } from "./m"`, `export * from "./m"`).
	ExportReExport ExportKind = "re-export"
)

// Import describes a single import of another module.
type Import struct {
	// Source is the module specifier as written (e.g. "./util", "react").
	Source string `json:"source"`

	// Specifiers are the local names bound by this import.
	// Empty for side-effect imports.
	Specifiers []string `json:"specifiers,omitempty"`

	// IsDefault indicates a default import binding.
	IsDefault bool `json:"is_default,omitempty"`

	// IsNamespace indicates a `* as ns` namespace binding.
	IsNamespace bool `json:"is_namespace,omitempty"`

	// IsDynamic indicates a dynamic `import(...)` call.
	IsDynamic bool `json:"is_dynamic,omitempty"`

	// Line is the 1-based line number of the import.
	Line int `json:"line"`
}

// Export describes a single exported name.
type Export struct {
	// Name is the exported name. "default" for default exports and "*"
	// for wildcard re-exports.
	Name string `json:"name"`

	// Kind classifies the export form.
	Kind ExportKind `json:"kind"`

	// Source is the origin module for re-exports, empty otherwise.
	Source string `json:"source,omitempty"`

	// Line is the 1-based line number of the export.
	Line int `json:"line"`
}

// Function describes a function declaration or an arrow function assigned
// to a binding.
type Function struct {
	// Name is the declared or bound name.
	Name string `json:"name"`

	// StartLine and EndLine delimit the declaration, determined by
	// brace-balanced scanning of the body.
	StartLine int `json:"start_line"`
	EndLine   int `json:"end_line"`

	// IsAsync indicates an `async` function.
	IsAsync bool `json:"is_async,omitempty"`

	// IsExported indicates the declaration carries an `export` modifier.
	IsExported bool `json:"is_exported,omitempty"`

	// Params are the parameter names, destructuring patterns flattened to
	// their identifiers.
	Params []string `json:"params,omitempty"`

	// Calls are the names of other functions invoked inside the body,
	// deduplicated, in first-occurrence order. For member calls
	// (`obj.method()`) the member name is recorded.
	Calls []string `json:"calls,omitempty"`
}

// Class describes a class declaration.
type Class struct {
	// Name is the class name.
	Name string `json:"name"`

	// StartLine and EndLine delimit the declaration.
	StartLine int `json:"start_line"`
	EndLine   int `json:"end_line"`

	// Extends is the superclass name, empty when the class has none.
	Extends string `json:"extends,omitempty"`

	// Implements lists implemented interface names.
	Implements []string `json:"implements,omitempty"`

	// Methods lists method names in declaration order, including the
	// constructor.
	Methods []string `json:"methods,omitempty"`

	// IsExported indicates the declaration carries an `export` modifier.
	IsExported bool `json:"is_exported,omitempty"`
}

// FileNode is the per-file analysis result consumed by the graph builder.
//
// Thread Safety: Immutable after construction.
type FileNode struct {
	// Path is the file path exactly as given to Analyze.
	Path string `json:"path"`

	// Imports are all static and dynamic imports, in source order.
	Imports []Import `json:"imports,omitempty"`

	// Exports are all exported names, in source order.
	Exports []Export `json:"exports,omitempty"`

	// Functions are all top-level functions and bound arrow functions.
	Functions []Function `json:"functions,omitempty"`

	// Classes are all class declarations.
	Classes []Class `json:"classes,omitempty"`
}

// FunctionByName returns the function with the given name, or nil.
func (n *FileNode) FunctionByName(name string) *Function {
	for i := range n.Functions {
		if n.Functions[i].Name == name {
			return &n.Functions[i]
		}
	}
	return nil
}
