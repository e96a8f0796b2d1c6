// Package logging wraps logrus with the colored section/banner helpers the
// reference server's pkg/logger hand-rolled on top of the standard log
// package (SPEC_FULL.md §2 AMBIENT STACK: structured logging belongs to the
// ecosystem, the banner/section presentation is the one piece of texture
// worth keeping).
package logging

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// New returns a logrus logger configured with a text formatter matching the
// reference server's timestamped, leveled console output.
func New(level logrus.Level) *logrus.Logger {
	log := logrus.New()
	log.SetLevel(level)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05",
	})
	return log
}

const (
	colorReset  = "\033[0m"
	colorCyan   = "\033[36m"
	colorGreen  = "\033[32m"
)

// Section prints a bordered section header to stdout, independent of the
// structured logger (purely cosmetic, matches the reference server's
// startup output). The box width follows the title itself rather than a
// fixed column count, so a short section like "listening" doesn't leave a
// wall of empty padding.
func Section(title string) {
	width := len(title) + 2
	if width < 20 {
		width = 20
	}
	border := ""
	for i := 0; i < width; i++ {
		border += "═"
	}
	fmt.Printf("\n%s╔%s╗%s\n", colorCyan, border, colorReset)
	fmt.Printf("%s║%s %-*s %s║%s\n", colorCyan, colorReset, width-2, title, colorCyan, colorReset)
	fmt.Printf("%s╚%s╝%s\n\n", colorCyan, border, colorReset)
}

// Banner prints the fastnet startup banner.
func Banner(title, version string) {
	banner := `
╔═══════════════════════════════════════════════════════════╗
║   ███████╗ █████╗ ███████╗████████╗███╗   ██╗███████╗████████╗
║   ██╔════╝██╔══██╗██╔════╝╚══██╔══╝████╗  ██║██╔════╝╚══██╔══╝
║   █████╗  ███████║███████╗   ██║   ██╔██╗ ██║█████╗     ██║
║   ██╔══╝  ██╔══██║╚════██║   ██║   ██║╚██╗██║██╔══╝     ██║
║   ██║     ██║  ██║███████║   ██║   ██║ ╚████║███████╗   ██║
║   ╚═╝     ╚═╝  ╚═╝╚══════╝   ╚═╝   ╚═╝  ╚═══╝╚══════╝   ╚═╝
║
║              %s%-37s%s║
║                    %sVersion %-7s%s
╚═══════════════════════════════════════════════════════════╝
`
	fmt.Printf(banner, colorCyan, title, colorReset, colorGreen, version, colorReset)
}
