package main

import "time"

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	LogLevel   string
}

// RunFlags holds flags for the run command.
type RunFlags struct {
	Name string
}

// StatusFlags holds flags for the status command.
type StatusFlags struct {
	JSON    bool
	History bool
	Set     string
	Note    string
}

// WaitFlags holds flags for the wait command.
type WaitFlags struct {
	Timeout float64 // seconds; 0 waits forever
	Silent  bool
	Summary bool
}

// LogFlags holds flags for the log command.
type LogFlags struct {
	Tail int
}

// SeriesFlags holds flags shared by the series subcommands.
type SeriesFlags struct {
	JSON bool
}

// ServeFlags holds flags for the serve command.
type ServeFlags struct {
	Listen         string
	BasePath       string
	SampleInterval time.Duration
}

// MetricsFlags holds flags for the metrics command.
type MetricsFlags struct {
	Textfile string
}

// TemplateFlags holds flags for the template command.
type TemplateFlags struct {
	Write bool
	Force bool
}
