package ui

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Spinner animates a status line while a long operation runs. It draws
// nothing when color output is off, which is the case when Out is not a terminal.
type Spinner struct {
	frames  []string
	current int
	message string
	started time.Time
	stop    chan struct{}
	done    chan struct{}
	mu      sync.Mutex
	active  bool
}

// NewSpinner creates a stopped spinner.
func NewSpinner(message string) *Spinner {
	return &Spinner{
		frames:  []string{"|", "/", "-", "\\"},
		message: message,
	}
}

// Start begins the animation.
func (s *Spinner) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = time.Now()
	if s.active || !supportsColor {
		return
	}
	s.active = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				s.mu.Lock()
				fmt.Fprintf(Out, "\r%s %s %s",
					ColorProgress(s.frames[s.current]),
					s.message,
					ColorDim(FormatDuration(time.Since(s.started))),
				)
				s.current = (s.current + 1) % len(s.frames)
				s.mu.Unlock()
			}
		}
	}()
}

// UpdateMessage changes the text shown next to the spinner.
func (s *Spinner) UpdateMessage(message string) {
	s.mu.Lock()
	s.message = message
	s.mu.Unlock()
}

// Stop ends the animation and prints a final status line.
func (s *Spinner) Stop(success bool, message string) {
	s.mu.Lock()
	active := s.active
	s.active = false
	s.mu.Unlock()

	if active {
		close(s.stop)
		<-s.done
		fmt.Fprint(Out, "\r\033[K")
	}

	mark := ColorSuccess("ok")
	if !success {
		mark = ColorError("failed")
	}
	fmt.Fprintf(Out, "%s %s (%s)\n", mark, message, FormatDuration(time.Since(s.started)))
}

// FormatDuration formats d for humans.
func FormatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	if d < time.Hour {
		minutes := int(d.Minutes())
		seconds := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	}
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	return fmt.Sprintf("%dh%dm", hours, minutes)
}

// Truncate shortens s to n runes with a trailing ellipsis.
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return strings.TrimSpace(string(r[:n-3])) + "..."
}
