package content

import (
	"fmt"

	"github.com/atotto/clipboard"
)

// Clipboard receives the canonical form of a representation.
type Clipboard interface {
	WriteAll(text string) error
}

// SystemClipboard writes to the operating system clipboard.
type SystemClipboard struct{}

func (SystemClipboard) WriteAll(text string) error {
	if clipboard.Unsupported {
		return fmt.Errorf("no clipboard utility available")
	}
	return clipboard.WriteAll(text)
}

// Copy writes the canonical string of rep to c.
func Copy(c Clipboard, rep Representation) error {
	if err := c.WriteAll(rep.String()); err != nil {
		return fmt.Errorf("copying %s representation : %w", rep.Kind(), err)
	}
	return nil
}
