// Package console renders user-facing status output for the ITS compiler
// CLI. It is passed into the pipeline and watch controller as an explicit
// dependency so nothing writes through global state, and all output stays
// testable.
package console

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// Common color palette for consistent styling
var (
	ColorSuccess = lipgloss.Color("2") // Green
	ColorError   = lipgloss.Color("1") // Red
	ColorWarning = lipgloss.Color("3") // Yellow
	ColorInfo    = lipgloss.Color("4") // Blue
	ColorAccent  = lipgloss.Color("6") // Cyan
)

// Styles holds the lipgloss styles used for status messages.
type Styles struct {
	Success lipgloss.Style
	Error   lipgloss.Style
	Warning lipgloss.Style
	Info    lipgloss.Style
	Dim     lipgloss.Style
	Accent  lipgloss.Style
}

// NewStyles creates the status styles bound to the given renderer so color
// support follows the actual output destination.
func NewStyles(r *lipgloss.Renderer) Styles {
	return Styles{
		Success: r.NewStyle().Bold(true).Foreground(ColorSuccess),
		Error:   r.NewStyle().Bold(true).Foreground(ColorError),
		Warning: r.NewStyle().Bold(true).Foreground(ColorWarning),
		Info:    r.NewStyle().Bold(true).Foreground(ColorInfo),
		Dim:     r.NewStyle().Faint(true),
		Accent:  r.NewStyle().Foreground(ColorAccent),
	}
}

// Console is a line-oriented status writer. Every method except Askf
// terminates its output with a newline.
type Console struct {
	w      io.Writer
	Styles Styles
}

// New creates a console writing to w. Color support is detected from w, so
// tests against buffers see plain text.
func New(w io.Writer) *Console {
	renderer := lipgloss.NewRenderer(w)

	return &Console{
		w:      w,
		Styles: NewStyles(renderer),
	}
}

// Printf writes an unstyled line.
func (c *Console) Printf(format string, args ...interface{}) {
	fmt.Fprintf(c.w, format+"\n", args...)
}

// Println writes unstyled values on one line.
func (c *Console) Println(args ...interface{}) {
	fmt.Fprintln(c.w, args...)
}

// Askf writes an inline question, leaving the cursor on the same line so
// the answer is typed next to it.
func (c *Console) Askf(format string, args ...interface{}) {
	fmt.Fprintf(c.w, format, args...)
}

// Successf writes a "[SUCCESS]" status line.
func (c *Console) Successf(format string, args ...interface{}) {
	c.Stylef(c.Styles.Success, "[SUCCESS] "+format, args...)
}

// Errorf writes an "[ERROR]" status line.
func (c *Console) Errorf(format string, args ...interface{}) {
	c.Stylef(c.Styles.Error, "[ERROR] "+format, args...)
}

// Warningf writes a "[WARNING]" status line.
func (c *Console) Warningf(format string, args ...interface{}) {
	c.Stylef(c.Styles.Warning, "[WARNING] "+format, args...)
}

// Infof writes an "[INFO]" status line.
func (c *Console) Infof(format string, args ...interface{}) {
	c.Stylef(c.Styles.Info, "[INFO] "+format, args...)
}

// Dimf writes a de-emphasized detail line.
func (c *Console) Dimf(format string, args ...interface{}) {
	c.Stylef(c.Styles.Dim, format, args...)
}

// Stylef writes a line rendered with an arbitrary style. Used for detail
// lines that carry a status color without the bracket prefix.
func (c *Console) Stylef(style lipgloss.Style, format string, args ...interface{}) {
	fmt.Fprintln(c.w, style.Render(fmt.Sprintf(format, args...)))
}

// Separator writes the horizontal rule that frames prompt text on stdout.
func (c *Console) Separator() {
	fmt.Fprintln(c.w, strings.Repeat("=", 80))
}

// PromptBlock writes compiled prompt text framed by separator lines so it
// stands apart from status output.
func (c *Console) PromptBlock(text string) {
	fmt.Fprintln(c.w)
	c.Separator()
	fmt.Fprintln(c.w, text)
	c.Separator()
}

// StatusTable renders a titled two-column table.
func (c *Console) StatusTable(title string, headers []string, rows [][]string) {
	if title != "" {
		c.Stylef(c.Styles.Accent, "%s", title)
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...).
		Rows(rows...)

	fmt.Fprintln(c.w, t.Render())
}
