package cli

import (
	"fmt"
	"io"
	"strings"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorPurple = "\033[35m"
	colorCyan   = "\033[36m"
	colorWhite  = "\033[37m"
	colorBold   = "\033[1m"
)

// printer 终端输出带颜色，写文件时关闭颜色
type printer struct {
	w     io.Writer
	color bool
	width int
}

func newPrinter(w io.Writer, color bool) *printer {
	width := 80
	if !color {
		width = 100
	}
	return &printer{w: w, color: color, width: width}
}

func (p *printer) paint(color, text string) string {
	if !p.color {
		return text
	}
	return color + text + colorReset
}

func (p *printer) line(format string, args ...any) {
	fmt.Fprintf(p.w, format+"\n", args...)
}

func (p *printer) blank() {
	fmt.Fprintln(p.w)
}

func (p *printer) header(text string) {
	if !p.color {
		p.line("%s", centerText(text, p.width))
		return
	}
	p.line("%s%s%s%s", colorBold, colorCyan, text, colorReset)
}

func (p *printer) section(title string) {
	if !p.color {
		p.line("\n▶ %s\n", strings.ToUpper(title))
		return
	}
	p.line("%s%s▶ %s%s", colorBold, colorBlue, title, colorReset)
}

func (p *printer) separator(char string) {
	p.line("%s", strings.Repeat(char, p.width))
}

// status ✓/✗ 及对应颜色
func (p *printer) status(ok bool) string {
	if ok {
		return p.paint(colorGreen, "✓ 成功")
	}
	return p.paint(colorRed, "✗ 失败")
}

// signed 盈亏带符号着色
func (p *printer) signed(v float64, suffix string) string {
	if v < 0 {
		return p.paint(colorRed, fmt.Sprintf("%.2f%s", v, suffix))
	}
	return p.paint(colorGreen, fmt.Sprintf("+%.2f%s", v, suffix))
}

func actionStyle(action string) (color, icon string) {
	switch strings.ToUpper(action) {
	case "BUY":
		return colorGreen, "📈"
	case "SELL":
		return colorRed, "📉"
	default:
		return colorWhite, "⏸"
	}
}

func centerText(text string, width int) string {
	n := len([]rune(text))
	if n >= width {
		return text
	}
	return strings.Repeat(" ", (width-n)/2) + text
}
