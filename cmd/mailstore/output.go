package main

import (
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"mailstore/internal/format"
)

var outputFormatter format.Formatter = format.JSONFormatter{}

func writeStructured(payload any) error {
	return outputFormatter.Write(os.Stdout, payload)
}

func writePlain(format string, args ...any) error {
	_, err := fmt.Fprintf(os.Stdout, format, args...)
	return err
}

func formatBytes(n int64) string {
	if n < 0 {
		return fmt.Sprintf("%d B", n)
	}
	return humanize.IBytes(uint64(n))
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
