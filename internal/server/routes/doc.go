// Package routes registers the diagnostics and control endpoints under /-/.
package routes
