package peer

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// ANSI color codes for terminal output
const (
	Reset  = "\033[0m"
	Red    = "\033[31m"
	Green  = "\033[32m"
	Yellow = "\033[33m"
	Blue   = "\033[34m"
	Cyan   = "\033[36m"
	Bold   = "\033[1m"
)

// ProgressRenderer handles the rendering of transfer progress to the terminal
type ProgressRenderer struct {
	progress    *TransferProgress
	out         io.Writer
	stopChan    chan struct{}
	done        chan struct{}
	stopOnce    sync.Once
	refreshRate time.Duration
	useColors   bool
	width       int
}

// NewProgressRenderer creates a new progress renderer writing to stdout
func NewProgressRenderer(progress *TransferProgress, useColors bool) *ProgressRenderer {
	return &ProgressRenderer{
		progress:    progress,
		out:         os.Stdout,
		stopChan:    make(chan struct{}),
		done:        make(chan struct{}),
		refreshRate: 200 * time.Millisecond,
		useColors:   useColors,
		width:       40, // Progress bar width
	}
}

// SetOutput redirects rendering, mostly for tests.
func (pr *ProgressRenderer) SetOutput(w io.Writer) {
	pr.out = w
}

// SetRefreshRate sets the refresh rate for the progress bar
func (pr *ProgressRenderer) SetRefreshRate(rate time.Duration) {
	pr.refreshRate = rate
}

// Start begins the render loop
func (pr *ProgressRenderer) Start() {
	defer close(pr.done)
	pr.Render()

	ticker := time.NewTicker(pr.refreshRate)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			pr.progress.UpdateSpeed()
			pr.Render()
		case <-pr.stopChan:
			return
		}
	}
}

// StopAndWait stops the render loop and prints the final line for the
// transfer's outcome.
func (pr *ProgressRenderer) StopAndWait() {
	pr.stopOnce.Do(func() { close(pr.stopChan) })
	<-pr.done

	if pr.progress.GetState() == TransferCompleted {
		pr.RenderFinal()
	} else {
		pr.RenderError()
	}
}

func (pr *ProgressRenderer) bar(percent float64) string {
	filled := int(float64(pr.width) * percent / 100)
	if filled > pr.width {
		filled = pr.width
	}
	if filled < 0 {
		filled = 0
	}
	return strings.Repeat("█", filled) + strings.Repeat("░", pr.width-filled)
}

// Render renders the current progress to the terminal
func (pr *ProgressRenderer) Render() {
	done, total, speed := pr.progress.GetProgress()
	percent := pr.progress.Percent()
	bar := pr.bar(percent)
	speedStr := formatBytes(speed)
	etaStr := formatETA(pr.progress.GetETA())

	var line string
	if pr.useColors {
		line = fmt.Sprintf("\r%s[%s]%s [%s]%s %.1f%% (%s/%s)%s | %s/s | ETA: %s",
			Cyan, pr.progress.Filename, Reset,
			Green+bar+Reset,
			Yellow, percent, formatBytes(float64(done)), formatBytes(float64(total)), Reset,
			Blue+speedStr+Reset, etaStr,
		)
	} else {
		line = fmt.Sprintf("\r[%s] [%s] %.1f%% (%s/%s) | %s/s | ETA: %s",
			pr.progress.Filename, bar, percent,
			formatBytes(float64(done)), formatBytes(float64(total)),
			speedStr, etaStr,
		)
	}
	fmt.Fprint(pr.out, line)
}

// RenderFinal renders the final completed state
func (pr *ProgressRenderer) RenderFinal() {
	_, total, _ := pr.progress.GetProgress()
	elapsed := pr.progress.GetElapsedTime()

	// Clear the previous line completely
	fmt.Fprint(pr.out, "\r\033[K")

	var line string
	if pr.useColors {
		line = fmt.Sprintf("%s[%s]%s [%s]%s 100%% (%s)%s | Completed in %s\n",
			Cyan, pr.progress.Filename, Reset,
			Green+strings.Repeat("█", pr.width)+Reset,
			Green, formatBytes(float64(total)), Reset,
			formatDuration(elapsed),
		)
	} else {
		line = fmt.Sprintf("[%s] [%s] 100%% (%s) | Completed in %s\n",
			pr.progress.Filename, strings.Repeat("█", pr.width),
			formatBytes(float64(total)), formatDuration(elapsed),
		)
	}
	fmt.Fprint(pr.out, line)
}

// RenderError renders an error state
func (pr *ProgressRenderer) RenderError() {
	fmt.Fprint(pr.out, "\r\033[K")

	done, total, _ := pr.progress.GetProgress()
	reason := "interrupted"
	if pr.progress.Err != nil {
		reason = pr.progress.Err.Error()
	}

	var line string
	if pr.useColors {
		line = fmt.Sprintf("%s[%s]%s [%s] %.1f%% | %s%sTransfer failed%s: %s/%s received, %s\n",
			Cyan, pr.progress.Filename, Reset,
			Red+"✗"+Reset,
			pr.progress.Percent(),
			Red, Bold, Reset,
			formatBytes(float64(done)), formatBytes(float64(total)), reason,
		)
	} else {
		line = fmt.Sprintf("[%s] [✗] %.1f%% | Transfer failed: %s/%s received, %s\n",
			pr.progress.Filename, pr.progress.Percent(),
			formatBytes(float64(done)), formatBytes(float64(total)), reason,
		)
	}
	fmt.Fprint(pr.out, line)
}

// formatBytes formats a byte count into a human-readable string
func formatBytes(bytes float64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%.1f B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", bytes/float64(div), "KMGTPE"[exp])
}

// formatETA formats an estimated time into a human-readable string
func formatETA(eta time.Duration) string {
	if eta <= 0 {
		return "∞"
	}
	if eta < time.Second {
		return "<1s"
	}
	return formatDuration(eta)
}

// formatDuration formats a duration into a human-readable string
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return "<1s"
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", d/time.Second)
	}
	if d < time.Hour {
		mins := d / time.Minute
		secs := (d % time.Minute) / time.Second
		return fmt.Sprintf("%dm%ds", mins, secs)
	}
	hours := d / time.Hour
	mins := (d % time.Hour) / time.Minute
	return fmt.Sprintf("%dh%dm", hours, mins)
}
