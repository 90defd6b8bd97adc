// Package tools exposes booking and patient operations to the language model
// as a fixed catalog of schema-validated tools.
package tools
