package ui

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
)

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow, color.Bold)
	blue   = color.New(color.FgBlue)
	red    = color.New(color.FgRed)
)

// Header prints a formatted section header
func Header(text string) {
	line := strings.Repeat("=", 60)
	green.Printf("\n%s\n", line)
	green.Printf("%-60s\n", center(text, 60))
	green.Printf("%s\n\n", line)
}

// Success prints a success message
func Success(format string, args ...any) {
	green.Printf("  → "+format+"\n", args...)
}

// Info prints an info message
func Info(format string, args ...any) {
	fmt.Printf("  → "+format+"\n", args...)
}

// Warning prints a warning message
func Warning(format string, args ...any) {
	yellow.Printf("  ⚠ "+format+"\n", args...)
}

// Error prints an error message
func Error(format string, args ...any) {
	red.Printf("Error: "+format+"\n", args...)
}

// Field prints a labeled value in a listing
func Field(label, format string, args ...any) {
	blue.Printf("    %s: ", label)
	fmt.Printf(format+"\n", args...)
}

// center centers text within a given width
func center(text string, width int) string {
	if len(text) >= width {
		return text
	}
	padding := (width - len(text)) / 2
	return strings.Repeat(" ", padding) + text
}
