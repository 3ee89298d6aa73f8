// Package identity builds the descriptors an endpoint presents during the handshake.
package identity

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/tfkr-ae/snag/domain"
	"github.com/zeebo/blake3"
)

// ErrInvalidIcon is returned when the project icon is not an image.
var ErrInvalidIcon = errors.New("project icon is not an image")

// idLength is the number of hash bytes kept for a device ID.
const idLength = 16

// DeviceID derives a stable identifier from the device name and description.
// Both values are hashed with a separator so ("ab", "c") and ("a", "bc") differ.
func DeviceID(name, description string) string {
	hasher := blake3.New()
	hasher.WriteString(name)
	hasher.Write([]byte{0})
	hasher.WriteString(description)
	sum := hasher.Sum(nil)
	return hex.EncodeToString(sum[:idLength])
}

// NewDevice returns a Device with its derived ID.
func NewDevice(name, description string) domain.Device {
	return domain.Device{
		Name:        name,
		Description: description,
		ID:          DeviceID(name, description),
	}
}

// HostDevice describes the machine the process runs on.
func HostDevice() domain.Device {
	name, err := os.Hostname()
	if err != nil || name == "" {
		name = "unknown"
	}
	return NewDevice(name, fmt.Sprintf("%s %s", runtime.GOOS, runtime.GOARCH))
}

// NewProject returns a Project. An icon, if given, must be an image.
func NewProject(name string, icon []byte) (domain.Project, error) {
	if len(icon) > 0 {
		mtype := mimetype.Detect(icon)
		if !strings.HasPrefix(mtype.String(), "image/") {
			return domain.Project{}, fmt.Errorf("%w : detected %s", ErrInvalidIcon, mtype.String())
		}
	}
	return domain.Project{Name: name, Icon: icon}, nil
}

// LoadProject reads the icon from iconPath and builds the Project. An empty path means no icon.
func LoadProject(name, iconPath string) (domain.Project, error) {
	if iconPath == "" {
		return NewProject(name, nil)
	}
	icon, err := os.ReadFile(iconPath)
	if err != nil {
		return domain.Project{}, fmt.Errorf("reading project icon %s : %w", iconPath, err)
	}
	return NewProject(name, icon)
}
