package inference

import "fmt"

// Info collects human readable diagnostic lines for the overlay.
//
// Lines are grouped one level deep: Header adds "* title" and Bullet adds "- detail" under
// the last header. A nil *Info discards everything, so stages can be called without one.
type Info struct {
	lines []string
}

// Header appends a "* " line.
func (i *Info) Header(title string) {
	if i == nil {
		return
	}
	i.lines = append(i.lines, "* "+title)
}

// Bullet appends a "- " line.
func (i *Info) Bullet(line string) {
	if i == nil {
		return
	}
	i.lines = append(i.lines, "- "+line)
}

// Bulletf appends a formatted "- " line.
func (i *Info) Bulletf(format string, args ...interface{}) {
	i.Bullet(fmt.Sprintf(format, args...))
}

// Append copies the lines of other after the current ones.
func (i *Info) Append(other *Info) {
	if i == nil || other == nil {
		return
	}
	i.lines = append(i.lines, other.lines...)
}

// Lines returns a copy of the collected lines.
func (i *Info) Lines() []string {
	if i == nil {
		return nil
	}
	return append([]string(nil), i.lines...)
}

// Len returns the number of collected lines.
func (i *Info) Len() int {
	if i == nil {
		return 0
	}
	return len(i.lines)
}

// Reset drops all lines and keeps the backing storage.
func (i *Info) Reset() {
	if i == nil {
		return
	}
	i.lines = i.lines[:0]
}
