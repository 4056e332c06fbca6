// Package projectkit holds release metadata for the projectkit module.
package projectkit

// Version is the projectkit release version.
const Version = "0.1.0"

// ModulePath is the Go module path.
const ModulePath = "github.com/mesh-intelligence/projectkit"
